// Package journal persists the totally ordered log of admitted ledger
// transactions. Ledger state is never stored directly; it is rebuilt by
// replaying the journal from the first entry.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrOutOfOrder   = errors.New("journal entry out of order")
	ErrDuplicateKey = errors.New("journal idempotency key already used")
)

// Entry is one admitted transaction.
type Entry struct {
	Seq        uint64          `json:"seq"`
	Height     uint64          `json:"height"`
	Key        string          `json:"key,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	RecordedAt time.Time       `json:"recordedAt"`
}

// Store abstracts journal persistence. Append must reject an entry whose Seq
// is not exactly one past the last stored entry, and an entry reusing a
// non-empty Key.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// Replay calls fn for every entry in sequence order. A non-nil error from
	// fn stops the replay and is returned.
	Replay(ctx context.Context, fn func(Entry) error) error
	Close() error
}

// MemoryStore keeps the journal in memory. Mostly for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	keys    map[string]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]uint64)}
}

func (m *MemoryStore) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Seq != uint64(len(m.entries)) {
		return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, e.Seq, len(m.entries))
	}
	if e.Key != "" {
		if _, ok := m.keys[e.Key]; ok {
			return ErrDuplicateKey
		}
		m.keys[e.Key] = e.Seq
	}
	e.Payload = append(json.RawMessage(nil), e.Payload...)
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryStore) Replay(ctx context.Context, fn func(Entry) error) error {
	m.mu.RLock()
	entries := append([]Entry(nil), m.entries...)
	m.mu.RUnlock()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryStore) Close() error { return nil }
