// Package chain provides the height capability the ledger measures time in.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

// HeightSource reports the current block height.
type HeightSource interface {
	Height(ctx context.Context) (uint64, error)
}

// ManualHeight is advanced explicitly. Tests and simulations use it.
type ManualHeight struct {
	mu sync.Mutex
	h  uint64
}

func NewManualHeight(start uint64) *ManualHeight {
	return &ManualHeight{h: start}
}

func (m *ManualHeight) Height(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.h, nil
}

// Advance moves the height forward by n blocks and returns the new height.
func (m *ManualHeight) Advance(n uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.h += n
	return m.h
}

// ClockHeight derives the height from wall time: one block per BlockTime since Genesis.
type ClockHeight struct {
	Genesis   time.Time
	BlockTime time.Duration
	Now       func() time.Time
}

func (c *ClockHeight) Height(context.Context) (uint64, error) {
	if c.BlockTime <= 0 {
		return 0, errors.New("block time must be positive")
	}
	now := time.Now()
	if c.Now != nil {
		now = c.Now()
	}
	if now.Before(c.Genesis) {
		return 0, nil
	}
	return uint64(now.Sub(c.Genesis) / c.BlockTime), nil
}

// RPCHeight follows the head of an EVM JSON-RPC node.
type RPCHeight struct {
	client *ethclient.Client
}

func NewRPCHeight(ctx context.Context, rpcURL string) (*RPCHeight, error) {
	if rpcURL == "" {
		return nil, errors.New("rpc url is required")
	}
	cli, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &RPCHeight{client: cli}, nil
}

func (r *RPCHeight) Height(ctx context.Context) (uint64, error) {
	n, err := r.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch block number: %w", err)
	}
	return n, nil
}

func (r *RPCHeight) Ping(ctx context.Context) error {
	_, err := r.Height(ctx)
	return err
}

func (r *RPCHeight) Close() {
	r.client.Close()
}

// Monotonic wraps a source so reported heights never decrease, even if the
// underlying source briefly reports an older head.
type Monotonic struct {
	src  HeightSource
	mu   sync.Mutex
	last uint64
}

func NewMonotonic(src HeightSource, floor uint64) *Monotonic {
	return &Monotonic{src: src, last: floor}
}

func (m *Monotonic) Height(ctx context.Context) (uint64, error) {
	h, err := m.src.Height(ctx)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h > m.last {
		m.last = h
	}
	return m.last, nil
}

// Raise lifts the floor, e.g. to the last height recorded in the journal.
func (m *Monotonic) Raise(floor uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if floor > m.last {
		m.last = floor
	}
}
