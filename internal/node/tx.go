package node

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/text/unicode/norm"

	"giftescrow/internal/ledger"
)

// MaxMessageLen bounds gift messages in Unicode scalar values.
const MaxMessageLen = 280

// Kind names a transaction type.
type Kind string

const (
	KindDeposit Kind = "deposit"
	KindCreate  Kind = "create"
	KindClaim   Kind = "claim"
	KindRefund  Kind = "refund"
)

// ErrInvalidTx marks transactions rejected before admission. They are never
// journaled and never reach the ledger.
var ErrInvalidTx = errors.New("invalid transaction")

// Tx is an admitted call, exactly as it is journaled.
type Tx struct {
	Kind       Kind           `json:"kind"`
	Caller     common.Address `json:"caller"`
	Amount     uint64         `json:"amount,omitempty"`
	Message    string         `json:"message,omitempty"`
	SecretHash *ledger.Hash   `json:"secretHash,omitempty"`
	GiftID     uint64         `json:"giftId"`
	Secret     hexutil.Bytes  `json:"secret,omitempty"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTx, fmt.Sprintf(format, args...))
}

// normalize checks argument encoding and canonicalises the message. Ledger
// rules such as a zero amount are left to the ledger.
func (tx *Tx) normalize(maxDeposit uint64) error {
	if tx.Caller == (common.Address{}) {
		return invalid("caller is required")
	}
	switch tx.Kind {
	case KindDeposit:
		if maxDeposit == 0 {
			return invalid("deposits are disabled")
		}
		if tx.Amount == 0 || tx.Amount > maxDeposit {
			return invalid("deposit must be between 1 and %d", maxDeposit)
		}
	case KindCreate:
		if !utf8.ValidString(tx.Message) {
			return invalid("message is not valid utf-8")
		}
		tx.Message = norm.NFC.String(tx.Message)
		if n := utf8.RuneCountInString(tx.Message); n > MaxMessageLen {
			return invalid("message has %d characters, max %d", n, MaxMessageLen)
		}
		if tx.SecretHash == nil {
			return invalid("secret hash is required")
		}
	case KindClaim, KindRefund:
	default:
		return invalid("unknown kind %q", tx.Kind)
	}
	return nil
}
