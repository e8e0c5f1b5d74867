package cache

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps entries in the ttl_cache table created by the db
// migrations, letting several gateway instances share one cache.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool. Close does not close the pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (p *PostgresStore) Load(ctx context.Context, key string) (Entry, bool, error) {
	e := Entry{Key: key}
	err := p.pool.QueryRow(ctx,
		`SELECT value, expires_at FROM ttl_cache WHERE key = $1`, key,
	).Scan(&e.Value, &e.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Save upserts; concurrent writers of one key are serialized by the row lock.
func (p *PostgresStore) Save(ctx context.Context, e Entry) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO ttl_cache (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		e.Key, e.Value, e.ExpiresAt)
	return err
}

func (p *PostgresStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM ttl_cache WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresStore) Close() error { return nil }
