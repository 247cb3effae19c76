package journal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the journal in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS gift_journal (
    seq BIGINT PRIMARY KEY,
    height BIGINT NOT NULL,
    idem_key TEXT UNIQUE,
    payload BYTEA NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL
);
`

const uniqueViolation = "23505"

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Append inserts the entry only when it directly follows the current tail.
func (p *PostgresStore) Append(ctx context.Context, e Entry) error {
	var key *string
	if e.Key != "" {
		key = &e.Key
	}
	tag, err := p.pool.Exec(ctx, `
INSERT INTO gift_journal (seq, height, idem_key, payload, recorded_at)
SELECT $1::bigint, $2::bigint, $3::text, $4::bytea, $5::timestamptz
WHERE (SELECT COALESCE(MAX(seq), -1) FROM gift_journal) = $1::bigint - 1
`, int64(e.Seq), int64(e.Height), key, []byte(e.Payload), e.RecordedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == "gift_journal_pkey" {
				return fmt.Errorf("%w: seq %d already stored", ErrOutOfOrder, e.Seq)
			}
			return ErrDuplicateKey
		}
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: seq %d does not follow the tail", ErrOutOfOrder, e.Seq)
	}
	return nil
}

func (p *PostgresStore) Replay(ctx context.Context, fn func(Entry) error) error {
	rows, err := p.pool.Query(ctx, `
SELECT seq, height, COALESCE(idem_key, ''), payload, recorded_at
FROM gift_journal
ORDER BY seq
`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq, height int64
			e           Entry
			payload     []byte
		)
		if err := rows.Scan(&seq, &height, &e.Key, &payload, &e.RecordedAt); err != nil {
			return err
		}
		e.Seq = uint64(seq)
		e.Height = uint64(height)
		e.Payload = payload
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}
