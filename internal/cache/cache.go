// Package cache provides namespaced TTL caches over pluggable backends
// (in-process LRU, SQLite file, Postgres). Values are stored as JSON.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MikeSquared-Agency/herald/internal/metrics"
)

// Backend stores raw entries for one namespace. Expiry is enforced by Cache;
// backends only bound their size.
type Backend interface {
	Get(ctx context.Context, key string) (value []byte, expiresAt time.Time, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, expiresAt time.Time) error
	Delete(ctx context.Context, key string) error
	// Purge removes entries that expired before now and returns how many.
	Purge(ctx context.Context, now time.Time) (int, error)
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
}

// Stats are the counters of one cache namespace.
type Stats struct {
	Namespace string  `json:"namespace"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Sets      int64   `json:"sets"`
	HitRatio  float64 `json:"hit_ratio"`
	Size      int     `json:"size"`
}

// Cache is a namespaced TTL cache. It is safe for concurrent use.
type Cache struct {
	ns      string
	ttl     time.Duration
	backend Backend
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics

	group singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Cache) { c.metrics = m } }

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// New creates a cache for namespace ns whose entries live for ttl unless a
// per-entry ttl is given to Set.
func New(ns string, ttl time.Duration, backend Backend, opts ...Option) *Cache {
	c := &Cache{
		ns:      ns,
		ttl:     ttl,
		backend: backend,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Namespace returns the cache's namespace.
func (c *Cache) Namespace() string { return c.ns }

// Key derives a deterministic key from any JSON-encodable input. Map keys
// are encoded in sorted order, so logically equal inputs share a key.
func Key(input any) (string, error) {
	b, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encode cache key: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:16]), nil
}

// Get decodes the live entry for key into dst. Expired entries are removed
// and reported as misses.
func (c *Cache) Get(ctx context.Context, key string, dst any) (bool, error) {
	hit, err := c.lookup(ctx, key, dst)
	if err != nil {
		return false, err
	}
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	c.metrics.CacheLookup(c.ns, hit)
	return hit, nil
}

// lookup is Get without touching the counters.
func (c *Cache) lookup(ctx context.Context, key string, dst any) (bool, error) {
	raw, exp, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("cache %s get: %w", c.ns, err)
	}
	if !ok {
		return false, nil
	}
	if !c.now().Before(exp) {
		if err := c.backend.Delete(ctx, key); err != nil {
			c.logger.Warn("failed to delete expired cache entry", "namespace", c.ns, "error", err)
		}
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		// A corrupt entry behaves like a miss and is dropped.
		_ = c.backend.Delete(ctx, key)
		return false, nil
	}
	return true, nil
}

// Set stores v under key. A ttl of zero or less uses the cache default.
func (c *Cache) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache %s encode: %w", c.ns, err)
	}
	if err := c.backend.Set(ctx, key, raw, c.now().Add(ttl)); err != nil {
		return fmt.Errorf("cache %s set: %w", c.ns, err)
	}
	c.sets.Add(1)
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.backend.Delete(ctx, key)
}

// Clear removes every entry in the namespace.
func (c *Cache) Clear(ctx context.Context) error {
	return c.backend.Clear(ctx)
}

// Purge removes expired entries.
func (c *Cache) Purge(ctx context.Context) (int, error) {
	return c.backend.Purge(ctx, c.now())
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len(ctx context.Context) (int, error) {
	return c.backend.Len(ctx)
}

// Stats returns the namespace counters. HitRatio is rounded to two decimals.
func (c *Cache) Stats() Stats {
	return c.stats()
}

// Snapshot is Stats plus the current entry count from the backend.
func (c *Cache) Snapshot(ctx context.Context) Stats {
	st := c.stats()
	if n, err := c.backend.Len(ctx); err == nil {
		st.Size = n
	}
	return st
}

func (c *Cache) stats() Stats {
	st := Stats{
		Namespace: c.ns,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Sets:      c.sets.Load(),
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRatio = math.Round(float64(st.Hits)/float64(total)*100) / 100
	}
	return st
}

// GetOrCompute returns the cached value for key or computes, stores and
// returns it. Concurrent callers for the same key share one computation.
// Errors are returned to every waiting caller and are never cached. A nil
// cache always computes.
func GetOrCompute[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if c == nil {
		return fn(ctx)
	}

	var v T
	hit, err := c.Get(ctx, key, &v)
	if err != nil {
		c.logger.Warn("cache read failed, computing", "namespace", c.ns, "error", err)
	} else if hit {
		return v, nil
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		// Another flight may have filled the entry since our miss.
		var cached T
		if hit, _ := c.lookup(ctx, key, &cached); hit {
			return cached, nil
		}
		out, err := fn(ctx)
		if err != nil {
			return out, err
		}
		if err := c.Set(ctx, key, out, ttl); err != nil {
			c.logger.Warn("cache write failed", "namespace", c.ns, "error", err)
		}
		return out, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := res.(T)
	return out, nil
}
