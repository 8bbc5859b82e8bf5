package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lightningnetwork/lnd/clock"
)

// PostgresStore persists records in a PostgreSQL table so that several
// server instances share one idempotency window and one spent ledger.
type PostgresStore struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS cloak_records (
    key TEXT PRIMARY KEY,
    status_code INT NOT NULL,
    response BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ
);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string,
	clk clock.Clock) (*PostgresStore, error) {

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

	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &PostgresStore{pool: pool, clock: clk}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Ping checks the database is reachable.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT status_code, response, created_at, expires_at
FROM cloak_records
WHERE key = $1
`, key)

	var (
		rec       Record
		expiresAt *time.Time
	)
	if err := row.Scan(&rec.StatusCode, &rec.Response, &rec.CreatedAt, &expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if expiresAt != nil {
		rec.ExpiresAt = *expiresAt
	}

	if rec.Expired(p.clock.Now()) {
		go p.deleteKey(context.Background(), key)
		return nil, nil
	}
	return &rec, nil
}

func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	var expiresAt *time.Time
	if !record.ExpiresAt.IsZero() {
		expiresAt = &record.ExpiresAt
	}

	_, err := p.pool.Exec(ctx, `
INSERT INTO cloak_records (key, status_code, response, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (key) DO UPDATE
SET status_code = EXCLUDED.status_code,
    response = EXCLUDED.response,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
`, key, record.StatusCode, record.Response, record.CreatedAt, expiresAt)
	return err
}

func (p *PostgresStore) deleteKey(ctx context.Context, key string) {
	_, _ = p.pool.Exec(ctx, `DELETE FROM cloak_records WHERE key = $1`, key)
}
