package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(ttl time.Duration, b Backend) (*Cache, *fakeClock) {
	clk := &fakeClock{now: time.Date(2025, 10, 8, 12, 0, 0, 0, time.UTC)}
	return New("test", ttl, b, WithClock(clk.Now), WithLogger(discardLogger())), clk
}

func TestCache_GetSetAndExpiry(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(time.Hour, NewMemory(10))

	if err := c.Set(ctx, "k", map[string]int{"a": 1}, 0); err != nil {
		t.Fatal(err)
	}
	var got map[string]int
	hit, err := c.Get(ctx, "k", &got)
	if err != nil || !hit {
		t.Fatalf("expected hit, got %v %v", hit, err)
	}
	if got["a"] != 1 {
		t.Errorf("unexpected value %v", got)
	}

	clk.Advance(time.Hour)
	hit, _ = c.Get(ctx, "k", &got)
	if hit {
		t.Error("expected entry to expire at its ttl")
	}
	if n, _ := c.Len(ctx); n != 0 {
		t.Errorf("expected expired entry removed, %d left", n)
	}

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.Sets != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
	if st.HitRatio != 0.5 {
		t.Errorf("expected hit ratio 0.5, got %v", st.HitRatio)
	}
}

func TestCache_PerEntryTTL(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(time.Hour, NewMemory(10))
	_ = c.Set(ctx, "short", "v", time.Minute)
	_ = c.Set(ctx, "long", "v", 0)

	clk.Advance(2 * time.Minute)
	n, err := c.Purge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged entry, got %d", n)
	}
	var s string
	if hit, _ := c.Get(ctx, "long", &s); !hit {
		t.Error("expected default ttl entry to survive")
	}
}

func TestMemory_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(time.Hour, NewMemory(2))
	_ = c.Set(ctx, "a", 1, 0)
	_ = c.Set(ctx, "b", 2, 0)

	var v int
	c.Get(ctx, "a", &v) // a becomes most recent
	_ = c.Set(ctx, "c", 3, 0)

	if hit, _ := c.Get(ctx, "b", &v); hit {
		t.Error("expected b to be evicted")
	}
	if hit, _ := c.Get(ctx, "a", &v); !hit {
		t.Error("expected a to survive")
	}
}

func TestGetOrCompute_ComputesOnce(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(time.Hour, NewMemory(10))

	var calls atomic.Int32
	compute := func(context.Context) (int, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := GetOrCompute(ctx, c, "answer", 0, compute)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("expected one computation, got %d", n)
	}
	for i, v := range results {
		if v != 42 {
			t.Errorf("caller %d got %d", i, v)
		}
	}

	if v, _ := GetOrCompute(ctx, c, "answer", 0, compute); v != 42 || calls.Load() != 1 {
		t.Error("expected later call to be served from cache")
	}
}

func TestGetOrCompute_ErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(time.Hour, NewMemory(10))

	boom := errors.New("boom")
	_, err := GetOrCompute(ctx, c, "k", 0, func(context.Context) (string, error) {
		return "", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	v, err := GetOrCompute(ctx, c, "k", 0, func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Errorf("expected recomputation after error, got %q %v", v, err)
	}
}

func TestGetOrCompute_NilCache(t *testing.T) {
	v, err := GetOrCompute(context.Background(), nil, "k", 0, func(context.Context) (int, error) {
		return 7, nil
	})
	if err != nil || v != 7 {
		t.Errorf("expected direct computation, got %d %v", v, err)
	}
}

func TestKey(t *testing.T) {
	a, err := Key(map[string]any{"prompt": "x", "system": "y"})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Key(map[string]any{"system": "y", "prompt": "x"})
	if a != b {
		t.Error("expected key independent of map insertion order")
	}
	c, _ := Key(map[string]any{"prompt": "x", "system": "z"})
	if a == c {
		t.Error("expected different inputs to produce different keys")
	}
	if _, err := Key(func() {}); err == nil {
		t.Error("expected error for unencodable input")
	}
}

func TestSQLiteBackend(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "cache.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	c, clk := newTestCache(time.Hour, store.Backend("oracle", 2))
	other, _ := newTestCache(time.Hour, store.Backend("data", 2))

	_ = c.Set(ctx, "a", "alpha", 0)
	_ = c.Set(ctx, "b", "beta", 0)
	_ = c.Set(ctx, "c", "gamma", 0)
	_ = other.Set(ctx, "a", "other namespace", 0)

	if n, _ := c.Len(ctx); n != 2 {
		t.Errorf("expected size bound of 2, got %d", n)
	}
	var s string
	if hit, _ := c.Get(ctx, "a", &s); hit {
		t.Error("expected oldest entry evicted")
	}
	if hit, _ := c.Get(ctx, "c", &s); !hit || s != "gamma" {
		t.Errorf("expected gamma, got %q (hit %v)", s, hit)
	}
	if hit, _ := other.Get(ctx, "a", &s); !hit || s != "other namespace" {
		t.Errorf("namespaces should not collide, got %q", s)
	}

	clk.Advance(2 * time.Hour)
	if n, err := c.Purge(ctx); err != nil || n != 2 {
		t.Errorf("expected 2 purged, got %d %v", n, err)
	}
	if err := other.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := other.Len(ctx); n != 0 {
		t.Errorf("expected cleared namespace, got %d", n)
	}
}
