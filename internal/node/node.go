// Package node is the execution environment around the ledger. It admits
// transactions one at a time, stamps them with the current height, writes them
// ahead to the journal and only then applies them, so a restart that replays
// the journal reproduces state and receipts exactly.
package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"giftescrow/internal/asset"
	"giftescrow/internal/chain"
	"giftescrow/internal/journal"
	"giftescrow/internal/ledger"
)

// ErrKeyReused is returned when an idempotency key is resubmitted with a
// different transaction.
var ErrKeyReused = errors.New("idempotency key reused with a different transaction")

// Receipt is the outcome of an admitted transaction. A failed ledger call
// still produces a receipt; only infrastructure failures return an error.
type Receipt struct {
	Seq      uint64      `json:"seq"`
	Height   uint64      `json:"height"`
	Kind     Kind        `json:"kind"`
	GiftID   *uint64     `json:"giftId,omitempty"`
	Code     ledger.Code `json:"code,omitempty"`
	Error    string      `json:"error,omitempty"`
	Replayed bool        `json:"replayed,omitempty"`

	err error
}

func (r Receipt) OK() bool { return r.err == nil }

// Err is the ledger or vault error that rejected the transaction, if any.
func (r Receipt) Err() error { return r.err }

type keyed struct {
	payload []byte
	receipt Receipt
}

// Options configures a Node.
type Options struct {
	Ledger  ledger.Config
	Vault   *asset.Vault
	Store   journal.Store
	Heights chain.HeightSource
	// MaxDeposit caps faucet deposits; zero disables them.
	MaxDeposit uint64
	Logger     zerolog.Logger
	Clock      func() time.Time
}

type Node struct {
	ledger     *ledger.Ledger
	vault      *asset.Vault
	store      journal.Store
	heights    chain.HeightSource
	maxDeposit uint64
	log        zerolog.Logger
	clock      func() time.Time

	mu       sync.Mutex
	seq      uint64
	height   uint64
	receipts map[string]keyed
}

// New builds the ledger and replays the journal into it.
func New(ctx context.Context, opts Options) (*Node, error) {
	if opts.Vault == nil || opts.Store == nil || opts.Heights == nil {
		return nil, errors.New("node: vault, store and heights are required")
	}
	n := &Node{
		vault:      opts.Vault,
		store:      opts.Store,
		heights:    opts.Heights,
		maxDeposit: opts.MaxDeposit,
		log:        opts.Logger,
		clock:      opts.Clock,
		receipts:   make(map[string]keyed),
	}
	if n.clock == nil {
		n.clock = time.Now
	}

	l, err := ledger.New(opts.Ledger, opts.Vault, n.currentHeight)
	if err != nil {
		return nil, err
	}
	n.ledger = l

	if err := n.replay(ctx); err != nil {
		return nil, err
	}
	n.log.Info().
		Uint64("entries", n.seq).
		Uint64("height", n.height).
		Uint64("gifts", l.NextID()).
		Msg("journal replayed")
	return n, nil
}

// currentHeight is only called by the ledger while n.mu is held.
func (n *Node) currentHeight() uint64 {
	return n.height
}

func (n *Node) replay(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.store.Replay(ctx, func(e journal.Entry) error {
		if e.Seq != n.seq {
			return fmt.Errorf("replay: entry %d found, expected %d", e.Seq, n.seq)
		}
		var tx Tx
		if err := json.Unmarshal(e.Payload, &tx); err != nil {
			return fmt.Errorf("replay: decode entry %d: %w", e.Seq, err)
		}
		n.apply(e, tx)
		return nil
	})
}

// Submit admits tx, journals it and applies it. A non-empty key makes the call
// idempotent: resubmitting the same transaction returns the original receipt.
func (n *Node) Submit(ctx context.Context, key string, tx Tx) (Receipt, error) {
	if err := tx.normalize(n.maxDeposit); err != nil {
		return Receipt{}, err
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode tx: %w", err)
	}

	height, err := n.heights.Height(ctx)
	if err != nil {
		return Receipt{}, fmt.Errorf("read height: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if key != "" {
		if prev, ok := n.receipts[key]; ok {
			if !bytes.Equal(prev.payload, payload) {
				return Receipt{}, ErrKeyReused
			}
			r := prev.receipt
			r.Replayed = true
			return r, nil
		}
	}

	if height < n.height {
		height = n.height
	}
	e := journal.Entry{
		Seq:        n.seq,
		Height:     height,
		Key:        key,
		Payload:    payload,
		RecordedAt: n.clock().UTC(),
	}
	if err := n.store.Append(ctx, e); err != nil {
		return Receipt{}, fmt.Errorf("append journal: %w", err)
	}

	r := n.apply(e, tx)
	ev := n.log.Info()
	if !r.OK() {
		ev = n.log.Warn().Err(r.err)
	}
	ev.Uint64("seq", r.Seq).
		Uint64("height", r.Height).
		Str("kind", string(r.Kind)).
		Str("caller", tx.Caller.Hex()).
		Msg("tx applied")
	return r, nil
}

// apply executes an already journaled transaction. Callers hold n.mu.
func (n *Node) apply(e journal.Entry, tx Tx) Receipt {
	n.seq = e.Seq + 1
	if e.Height > n.height {
		n.height = e.Height
	}

	r := Receipt{Seq: e.Seq, Height: n.height, Kind: tx.Kind}
	var err error
	switch tx.Kind {
	case KindDeposit:
		err = n.vault.Deposit(tx.Caller, tx.Amount)
	case KindCreate:
		var hash ledger.Hash
		if tx.SecretHash != nil {
			hash = *tx.SecretHash
		}
		var id uint64
		id, err = n.ledger.Create(tx.Caller, tx.Amount, tx.Message, hash)
		if err == nil {
			r.GiftID = &id
		}
	case KindClaim:
		id := tx.GiftID
		r.GiftID = &id
		err = n.ledger.Claim(tx.Caller, id, tx.Secret)
	case KindRefund:
		id := tx.GiftID
		r.GiftID = &id
		err = n.ledger.Refund(tx.Caller, id)
	default:
		err = fmt.Errorf("%w: unknown kind %q", ErrInvalidTx, tx.Kind)
	}

	if err != nil {
		r.err = err
		r.Error = err.Error()
		var lerr *ledger.Error
		if errors.As(err, &lerr) {
			r.Code = lerr.Code
		}
	}
	if e.Key != "" {
		n.receipts[e.Key] = keyed{payload: append([]byte(nil), e.Payload...), receipt: r}
	}
	return r
}

func (n *Node) Gift(id uint64) (ledger.Gift, bool) {
	return n.ledger.Gift(id)
}

func (n *Node) IsClaimable(id uint64) bool {
	return n.ledger.IsClaimable(id)
}

func (n *Node) FeeInfo() ledger.FeeInfo {
	return n.ledger.FeeInfo()
}

func (n *Node) Stats() ledger.Stats {
	return n.ledger.Stats()
}

func (n *Node) Balance(addr common.Address) uint64 {
	return n.vault.Balance(addr)
}

// Accounts lists every non-zero balance.
func (n *Node) Accounts() []asset.Account {
	return n.vault.Accounts()
}

// Supply is the total of all balances, which only deposits change.
func (n *Node) Supply() uint64 {
	return n.vault.Supply()
}

// EscrowBalance is what the escrow principal holds. It always equals the
// net amount of open gifts.
func (n *Node) EscrowBalance() uint64 {
	return n.vault.Balance(n.ledger.Escrow())
}

// Head returns the next sequence number and the last applied height.
func (n *Node) Head() (seq, height uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.seq, n.height
}

// Ping reports whether the journal and height source are reachable.
func (n *Node) Ping(ctx context.Context) error {
	if p, ok := n.store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("journal: %w", err)
		}
	}
	if _, err := n.heights.Height(ctx); err != nil {
		return fmt.Errorf("height: %w", err)
	}
	return nil
}
