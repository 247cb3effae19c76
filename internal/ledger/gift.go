package ledger

import (
	"github.com/ethereum/go-ethereum/common"
)

// Status is the settlement state of a gift.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusClaimed  Status = "CLAIMED"
	StatusRefunded Status = "REFUNDED"
)

// Settled reports whether the status is terminal.
func (s Status) Settled() bool {
	return s == StatusClaimed || s == StatusRefunded
}

// Gift is an escrowed balance locked behind a secret commitment.
// Records are never deleted; a settled gift stays queryable by ID.
type Gift struct {
	ID         uint64          `json:"id"`
	Sender     common.Address  `json:"sender"`
	Amount     uint64          `json:"amount"` // net payable, fee already deducted
	Fee        uint64          `json:"fee"`
	Message    string          `json:"message"`
	SecretHash Hash            `json:"secretHash"`
	CreatedAt  uint64          `json:"createdAt"`
	Status     Status          `json:"status"`
	ClaimedBy  *common.Address `json:"claimedBy,omitempty"`
	ClaimedAt  *uint64         `json:"claimedAt,omitempty"`
	RefundedAt *uint64         `json:"refundedAt,omitempty"`
}

// Gross is the amount the sender originally locked.
func (g Gift) Gross() uint64 {
	return g.Amount + g.Fee
}

// clone copies the record so callers cannot write through its pointer fields.
func (g *Gift) clone() Gift {
	out := *g
	if g.ClaimedBy != nil {
		addr := *g.ClaimedBy
		out.ClaimedBy = &addr
	}
	if g.ClaimedAt != nil {
		at := *g.ClaimedAt
		out.ClaimedAt = &at
	}
	if g.RefundedAt != nil {
		at := *g.RefundedAt
		out.RefundedAt = &at
	}
	return out
}

// FeeInfo describes the process-wide fee configuration.
type FeeInfo struct {
	RateBps     uint64         `json:"rateBps"`
	Recipient   common.Address `json:"recipient"`
	RefundDelay uint64         `json:"refundDelay"`
}

// Stats summarises the ledger for health and metrics reporting.
type Stats struct {
	Gifts    uint64 `json:"gifts"`
	Open     uint64 `json:"open"`
	Claimed  uint64 `json:"claimed"`
	Refunded uint64 `json:"refunded"`
	Locked   uint64 `json:"locked"`
}
