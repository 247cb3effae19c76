// Package ledger implements the gift escrow state machine: gifts are created
// against a secret commitment, claimed by whoever reveals the secret, or
// refunded to the sender once the refund window has passed.
//
// The ledger owns no funds and no clock. Asset movement goes through an
// injected Transferer and the current height comes from an injected function,
// which keeps every transition deterministic.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Transfer moves Amount of the asset between two principals.
type Transfer struct {
	From   common.Address
	To     common.Address
	Amount uint64
}

// Transferer is the asset-transfer primitive. A batch is applied atomically:
// either every transfer succeeds or none is applied.
type Transferer interface {
	Transfer(transfers ...Transfer) error
}

// Config is the process-wide ledger configuration.
type Config struct {
	// Escrow is the principal holding locked funds.
	Escrow       common.Address
	FeeRateBps   uint64
	FeeRecipient common.Address
	// RefundDelay is the number of heights after creation before a sender may refund.
	RefundDelay uint64
}

func (c Config) validate() error {
	if c.Escrow == (common.Address{}) {
		return errors.New("escrow address is required")
	}
	if err := validateRate(c.FeeRateBps); err != nil {
		return err
	}
	if c.FeeRateBps > 0 && c.FeeRecipient == (common.Address{}) {
		return errors.New("fee recipient is required when fee rate is set")
	}
	if c.FeeRecipient == c.Escrow && c.FeeRateBps > 0 {
		return errors.New("fee recipient must differ from escrow")
	}
	return nil
}

// Ledger is the escrow state machine. All mutation goes through Create, Claim
// and Refund; each call commits fully or leaves state untouched.
type Ledger struct {
	cfg  Config
	bank Transferer
	now  func() uint64

	mu     sync.RWMutex
	nextID uint64
	gifts  map[uint64]*Gift
}

// New builds an empty ledger.
func New(cfg Config, bank Transferer, now func() uint64) (*Ledger, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("ledger config: %w", err)
	}
	if bank == nil {
		return nil, errors.New("ledger: transferer is required")
	}
	if now == nil {
		return nil, errors.New("ledger: height source is required")
	}
	return &Ledger{
		cfg:   cfg,
		bank:  bank,
		now:   now,
		gifts: make(map[uint64]*Gift),
	}, nil
}

// Create locks amount from caller behind secretHash and returns the new gift ID.
// The fee is taken at creation, so the stored amount is the net payable.
func (l *Ledger) Create(caller common.Address, amount uint64, message string, secretHash Hash) (uint64, error) {
	if amount == 0 {
		return 0, ErrZeroAmount
	}
	net, fee := SplitFee(amount, l.cfg.FeeRateBps)
	if net == 0 {
		return 0, ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	batch := []Transfer{{From: caller, To: l.cfg.Escrow, Amount: amount}}
	if fee > 0 {
		batch = append(batch, Transfer{From: l.cfg.Escrow, To: l.cfg.FeeRecipient, Amount: fee})
	}
	if err := l.bank.Transfer(batch...); err != nil {
		return 0, fmt.Errorf("lock gift funds: %w", err)
	}

	id := l.nextID
	l.nextID++
	l.gifts[id] = &Gift{
		ID:         id,
		Sender:     caller,
		Amount:     net,
		Fee:        fee,
		Message:    message,
		SecretHash: secretHash,
		CreatedAt:  l.now(),
		Status:     StatusOpen,
	}
	return id, nil
}

// Claim pays the gift out to caller if secret opens its commitment.
// Any caller holding the secret may claim.
func (l *Ledger) Claim(caller common.Address, id uint64, secret []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	g, ok := l.gifts[id]
	if !ok {
		return ErrGiftNotFound
	}
	if g.Status != StatusOpen {
		return ErrAlreadySettled
	}
	if !g.SecretHash.Matches(secret) {
		return ErrInvalidSecret
	}

	if err := l.bank.Transfer(Transfer{From: l.cfg.Escrow, To: caller, Amount: g.Amount}); err != nil {
		return fmt.Errorf("pay out gift %d: %w", id, err)
	}

	at := l.now()
	claimant := caller
	g.Status = StatusClaimed
	g.ClaimedBy = &claimant
	g.ClaimedAt = &at
	return nil
}

// Refund returns an unclaimed gift to its sender once the refund window has elapsed.
func (l *Ledger) Refund(caller common.Address, id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	g, ok := l.gifts[id]
	if !ok {
		return ErrGiftNotFound
	}
	if g.Status != StatusOpen {
		return ErrAlreadySettled
	}
	if caller != g.Sender {
		return ErrNotSender
	}
	now := l.now()
	if now < g.CreatedAt || now-g.CreatedAt < l.cfg.RefundDelay {
		return ErrTooEarly
	}

	if err := l.bank.Transfer(Transfer{From: l.cfg.Escrow, To: g.Sender, Amount: g.Amount}); err != nil {
		return fmt.Errorf("refund gift %d: %w", id, err)
	}

	g.Status = StatusRefunded
	g.RefundedAt = &now
	return nil
}

// Gift returns a copy of the record, or false when no gift has that ID.
func (l *Ledger) Gift(id uint64) (Gift, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	g, ok := l.gifts[id]
	if !ok {
		return Gift{}, false
	}
	return g.clone(), true
}

// IsClaimable reports whether the gift exists and is still open. An expired
// refund window does not block claiming.
func (l *Ledger) IsClaimable(id uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	g, ok := l.gifts[id]
	return ok && g.Status == StatusOpen
}

func (l *Ledger) FeeInfo() FeeInfo {
	return FeeInfo{
		RateBps:     l.cfg.FeeRateBps,
		Recipient:   l.cfg.FeeRecipient,
		RefundDelay: l.cfg.RefundDelay,
	}
}

// Escrow is the principal holding locked funds.
func (l *Ledger) Escrow() common.Address {
	return l.cfg.Escrow
}

// NextID is the identifier the next successful create will receive.
func (l *Ledger) NextID() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextID
}

func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := Stats{Gifts: l.nextID}
	for _, g := range l.gifts {
		switch g.Status {
		case StatusOpen:
			st.Open++
			st.Locked += g.Amount
		case StatusClaimed:
			st.Claimed++
		case StatusRefunded:
			st.Refunded++
		}
	}
	return st
}
