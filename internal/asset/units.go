package asset

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// FormatUnits renders an amount of base units (e.g. micro-STX) in whole units.
func FormatUnits(amount uint64, decimals int32) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -decimals).String()
}

// ParseUnits converts a whole-unit decimal string to base units. Values with
// more precision than decimals, negative values and overflow are rejected.
func ParseUnits(s string, decimals int32) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("amount %q is negative", s)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %q has more than %d decimals", s, decimals)
	}
	bi := scaled.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("amount %q overflows", s)
	}
	return bi.Uint64(), nil
}
