package ledger

import (
	"fmt"
	"math/bits"
)

// BpsDenominator is the basis-point scale of fee rates.
const BpsDenominator = 10_000

// ComputeFee returns floor(amount * rateBps / 10000) without intermediate
// overflow. rateBps must not exceed BpsDenominator.
func ComputeFee(amount, rateBps uint64) uint64 {
	hi, lo := bits.Mul64(amount, rateBps)
	// hi < BpsDenominator because rateBps <= BpsDenominator, so Div64 cannot panic.
	quo, _ := bits.Div64(hi, lo, BpsDenominator)
	return quo
}

// SplitFee splits a gross amount into the net payable and the fee.
// net + fee == gross for every input.
func SplitFee(gross, rateBps uint64) (net, fee uint64) {
	fee = ComputeFee(gross, rateBps)
	return gross - fee, fee
}

func validateRate(rateBps uint64) error {
	if rateBps > BpsDenominator {
		return fmt.Errorf("fee rate %d bps exceeds %d", rateBps, BpsDenominator)
	}
	return nil
}
