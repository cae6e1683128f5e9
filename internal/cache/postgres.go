package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS herald_cache (
	namespace   TEXT        NOT NULL,
	key         TEXT        NOT NULL,
	value       BYTEA       NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL,
	accessed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (namespace, key)
);
CREATE INDEX IF NOT EXISTS idx_herald_cache_lru ON herald_cache (namespace, accessed_at);
`

// Postgres is a cache store shared between processes through a database.
type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// Backend returns a namespaced view holding at most maxEntries rows.
func (p *Postgres) Backend(ns string, maxEntries int) Backend {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &postgresBackend{pool: p.pool, ns: ns, max: maxEntries}
}

type postgresBackend struct {
	pool *pgxpool.Pool
	ns   string
	max  int
}

func (b *postgresBackend) Get(ctx context.Context, key string) ([]byte, time.Time, bool, error) {
	var value []byte
	var exp time.Time
	err := b.pool.QueryRow(ctx, `
		UPDATE herald_cache SET accessed_at = now()
		WHERE namespace = $1 AND key = $2
		RETURNING value, expires_at`, b.ns, key).Scan(&value, &exp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("get cache entry: %w", err)
	}
	return value, exp, true, nil
}

func (b *postgresBackend) Set(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO herald_cache (namespace, key, value, expires_at, accessed_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (namespace, key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at,
			accessed_at = now()`,
		b.ns, key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("set cache entry: %w", err)
	}
	_, err = b.pool.Exec(ctx, `
		DELETE FROM herald_cache WHERE namespace = $1 AND key IN (
			SELECT key FROM herald_cache WHERE namespace = $1
			ORDER BY accessed_at DESC OFFSET $2
		)`, b.ns, b.max)
	if err != nil {
		return fmt.Errorf("evict cache entries: %w", err)
	}
	return nil
}

func (b *postgresBackend) Delete(ctx context.Context, key string) error {
	_, err := b.pool.Exec(ctx, `DELETE FROM herald_cache WHERE namespace = $1 AND key = $2`, b.ns, key)
	return err
}

func (b *postgresBackend) Purge(ctx context.Context, now time.Time) (int, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM herald_cache WHERE namespace = $1 AND expires_at <= $2`, b.ns, now)
	if err != nil {
		return 0, fmt.Errorf("purge cache entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (b *postgresBackend) Clear(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `DELETE FROM herald_cache WHERE namespace = $1`, b.ns)
	return err
}

func (b *postgresBackend) Len(ctx context.Context) (int, error) {
	var n int
	err := b.pool.QueryRow(ctx, `SELECT COUNT(*) FROM herald_cache WHERE namespace = $1`, b.ns).Scan(&n)
	return n, err
}
