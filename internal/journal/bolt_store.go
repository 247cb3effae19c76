package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
)

var (
	entriesBucket = []byte("journal")
	keysBucket    = []byte("journal_keys")
)

// BoltStore persists the journal in an embedded BoltDB file. Entries are keyed
// by big-endian sequence number so a cursor walks them in order.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path and ensures the buckets exist.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt journal: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entriesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(keysBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt journal: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

func (s *BoltStore) Append(_ context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(entriesBucket)
		keys := tx.Bucket(keysBucket)

		var want uint64
		if last, _ := entries.Cursor().Last(); last != nil {
			want = binary.BigEndian.Uint64(last) + 1
		}
		if e.Seq != want {
			return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, e.Seq, want)
		}
		if e.Key != "" {
			if keys.Get([]byte(e.Key)) != nil {
				return ErrDuplicateKey
			}
			if err := keys.Put([]byte(e.Key), seqKey(e.Seq)); err != nil {
				return err
			}
		}
		return entries.Put(seqKey(e.Seq), data)
	})
}

func (s *BoltStore) Replay(ctx context.Context, fn func(Entry) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(_, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode journal entry: %w", err)
			}
			return fn(e)
		})
	})
}
