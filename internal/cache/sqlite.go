package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	namespace   TEXT    NOT NULL,
	key         TEXT    NOT NULL,
	value       BLOB    NOT NULL,
	expires_at  INTEGER NOT NULL,
	accessed_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, key)
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_lru ON cache_entries (namespace, accessed_at);
`

// SQLite is a file-backed cache store shared by several namespaces.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the cache database at path. Pass
// ":memory:" for a private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}
	if path == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging cache database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache schema: %w", err)
	}
	return &SQLite{db: db, path: path}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Backend returns a view of the store limited to one namespace and at most
// maxEntries rows, evicting the least recently used.
func (s *SQLite) Backend(ns string, maxEntries int) Backend {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &sqliteBackend{db: s.db, ns: ns, max: maxEntries}
}

type sqliteBackend struct {
	db  *sql.DB
	ns  string
	max int
}

func (b *sqliteBackend) Get(ctx context.Context, key string) ([]byte, time.Time, bool, error) {
	var value []byte
	var exp int64
	err := b.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE namespace = ? AND key = ?`,
		b.ns, key).Scan(&value, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, err
	}
	if _, err := b.db.ExecContext(ctx,
		`UPDATE cache_entries SET accessed_at = ? WHERE namespace = ? AND key = ?`,
		time.Now().UnixNano(), b.ns, key); err != nil {
		return nil, time.Time{}, false, err
	}
	return value, time.Unix(0, exp), true, nil
}

func (b *sqliteBackend) Set(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO cache_entries (namespace, key, value, expires_at, accessed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			accessed_at = excluded.accessed_at`,
		b.ns, key, value, expiresAt.UnixNano(), time.Now().UnixNano())
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE namespace = ? AND key IN (
			SELECT key FROM cache_entries WHERE namespace = ?
			ORDER BY accessed_at DESC, rowid DESC LIMIT -1 OFFSET ?
		)`, b.ns, b.ns, b.max)
	return err
}

func (b *sqliteBackend) Delete(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE namespace = ? AND key = ?`, b.ns, key)
	return err
}

func (b *sqliteBackend) Purge(ctx context.Context, now time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE namespace = ? AND expires_at <= ?`, b.ns, now.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (b *sqliteBackend) Clear(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE namespace = ?`, b.ns)
	return err
}

func (b *sqliteBackend) Len(ctx context.Context) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries WHERE namespace = ?`, b.ns).Scan(&n)
	return n, err
}
