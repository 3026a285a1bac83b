// Package cache provides the TTL + LRU caches that sit in front of the RPC
// client: a generic keyed cache, a latest-block cache and a balance cache.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	"github.com/vietddude/logharvest/internal/indexing/metrics"
)

// Config holds cache settings.
type Config struct {
	Capacity       int           `yaml:"capacity"`
	DefaultTTL     time.Duration `yaml:"default_ttl"`
	PreloadTTL     time.Duration `yaml:"preload_ttl"`
	StatsRetention time.Duration `yaml:"stats_retention"` // idle access stats older than this are pruned
	CreditsPerMiss int           `yaml:"credits_per_miss"`
}

// DefaultConfig returns default cache settings.
func DefaultConfig() Config {
	return Config{
		Capacity:       50000,
		DefaultTTL:     5 * time.Minute,
		PreloadTTL:     10 * time.Minute,
		StatsRetention: time.Hour,
		CreditsPerMiss: 20,
	}
}

type entry[V any] struct {
	value       V
	storedAt    time.Time
	ttl         time.Duration
	accessCount uint64
	lastAccess  time.Time
}

type accessStat struct {
	count uint64
	last  time.Time
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Name         string   `json:"name"`
	Hits         uint64   `json:"hits"`
	Misses       uint64   `json:"misses"`
	Evictions    uint64   `json:"evictions"`
	Expirations  uint64   `json:"expirations"`
	Size         int      `json:"size"`
	Capacity     int      `json:"capacity"`
	HitRate      float64  `json:"hit_rate"`
	CreditsSaved uint64   `json:"credits_saved"`
	TrackedKeys  int      `json:"tracked_keys"`
	TopKeys      []string `json:"top_keys,omitempty"`
}

// PreloadReport describes one finished background preload.
type PreloadReport struct {
	Requested int
	Loaded    int
	Duration  time.Duration
	Err       error
}

// FetchFunc loads one value on a miss.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// BatchFetchFunc loads many values at once. Missing keys are simply absent
// from the result.
type BatchFetchFunc[K comparable, V any] func(ctx context.Context, keys []K) (map[K]V, error)

// TTLCache is a bounded cache with per-entry TTL and LRU eviction.
// Safe for concurrent use.
type TTLCache[K comparable, V any] struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	lru         *simplelru.LRU[K, *entry[V]]
	access      map[K]*accessStat
	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64

	group singleflight.Group
	now   func() time.Time
}

// NewTTLCache creates a cache. name labels metrics and logs.
func NewTTLCache[K comparable, V any](name string, cfg Config) (*TTLCache[K, V], error) {
	defaults := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaults.Capacity
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaults.DefaultTTL
	}
	if cfg.PreloadTTL <= 0 {
		cfg.PreloadTTL = defaults.PreloadTTL
	}
	if cfg.StatsRetention <= 0 {
		cfg.StatsRetention = defaults.StatsRetention
	}
	if cfg.CreditsPerMiss <= 0 {
		cfg.CreditsPerMiss = defaults.CreditsPerMiss
	}

	l, err := simplelru.NewLRU[K, *entry[V]](cfg.Capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("create lru %s: %w", name, err)
	}

	return &TTLCache[K, V]{
		name:   name,
		cfg:    cfg,
		logger: slog.Default().With("component", "cache", "cache", name),
		lru:    l,
		access: make(map[K]*accessStat),
		now:    time.Now,
	}, nil
}

// Get returns the value for key if present and unexpired.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.lru.Get(key)
	if ok && now.Sub(e.storedAt) >= e.ttl {
		c.lru.Remove(key)
		c.expirations++
		metrics.CacheEvictions.WithLabelValues(c.name, "expired").Inc()
		ok = false
	}
	c.touchLocked(key, now)
	if !ok {
		c.misses++
		metrics.CacheRequests.WithLabelValues(c.name, "miss").Inc()
		var zero V
		return zero, false
	}

	e.accessCount++
	e.lastAccess = now
	c.hits++
	metrics.CacheRequests.WithLabelValues(c.name, "hit").Inc()
	return e.value, true
}

// Set stores value under key. ttl <= 0 uses the default TTL.
func (c *TTLCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl, c.now())
	metrics.CacheSize.WithLabelValues(c.name).Set(float64(c.lru.Len()))
}

// SetMany stores all values under one lock acquisition.
func (c *TTLCache[K, V]) SetMany(values map[K]V, ttl time.Duration) {
	if len(values) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, v := range values {
		c.setLocked(k, v, ttl, now)
	}
	metrics.CacheSize.WithLabelValues(c.name).Set(float64(c.lru.Len()))
}

func (c *TTLCache[K, V]) setLocked(key K, value V, ttl time.Duration, now time.Time) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	e := &entry[V]{value: value, storedAt: now, ttl: ttl, lastAccess: now}
	if old, ok := c.lru.Peek(key); ok {
		e.accessCount = old.accessCount
	}
	if evicted := c.lru.Add(key, e); evicted {
		c.evictions++
		metrics.CacheEvictions.WithLabelValues(c.name, "capacity").Inc()
	}
	// Writes start tracking a key but only reads make it popular.
	if _, ok := c.access[key]; !ok {
		c.access[key] = &accessStat{last: now}
	}
}

// touchLocked counts a read of key, hit or miss.
func (c *TTLCache[K, V]) touchLocked(key K, now time.Time) {
	st, ok := c.access[key]
	if !ok {
		st = &accessStat{}
		c.access[key] = st
	}
	st.count++
	st.last = now
}

// Delete removes key.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Len returns the number of stored entries, expired ones included until
// they are read or cleaned up.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// GetOrCompute returns the cached value or loads it with fetch. Concurrent
// misses for the same key share one fetch. The fetch is detached from the
// caller that started it, so one caller giving up does not fail the others.
// Errors are not cached.
func (c *TTLCache[K, V]) GetOrCompute(ctx context.Context, key K, ttl time.Duration, fetch FetchFunc[V]) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	var zero V
	fctx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(fmt.Sprintf("%v", key), func() (any, error) {
		if v, ok := c.peekFresh(key); ok {
			return v, nil
		}
		v, err := fetch(fctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	}
}

// peekFresh reads without touching counters or recency.
func (c *TTLCache[K, V]) peekFresh(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok || c.now().Sub(e.storedAt) >= e.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

// PopularKeys returns up to n keys ordered by access count, ties broken by
// most recent access. With missingOnly, keys holding a fresh entry are skipped.
func (c *TTLCache[K, V]) PopularKeys(n int, missingOnly bool) []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.popularLocked(n, missingOnly, c.now())
}

func (c *TTLCache[K, V]) popularLocked(n int, missingOnly bool, now time.Time) []K {
	type ranked struct {
		key K
		st  accessStat
	}
	candidates := make([]ranked, 0, len(c.access))
	for k, st := range c.access {
		if missingOnly {
			if e, ok := c.lru.Peek(k); ok && now.Sub(e.storedAt) < e.ttl {
				continue
			}
		}
		candidates = append(candidates, ranked{key: k, st: *st})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].st.count != candidates[j].st.count {
			return candidates[i].st.count > candidates[j].st.count
		}
		return candidates[i].st.last.After(candidates[j].st.last)
	})

	if n > 0 && len(candidates) > n {
		candidates = candidates[:n]
	}
	keys := make([]K, len(candidates))
	for i, r := range candidates {
		keys[i] = r.key
	}
	return keys
}

// PreloadPopular refreshes the topN most requested keys that are not
// currently cached. It returns immediately; the fetch runs on its own
// goroutine without holding the cache lock and results are inserted under
// a single lock acquisition. The returned channel receives one report.
func (c *TTLCache[K, V]) PreloadPopular(ctx context.Context, topN int, fetch BatchFetchFunc[K, V]) <-chan PreloadReport {
	out := make(chan PreloadReport, 1)
	keys := c.PopularKeys(topN, true)

	go func() {
		defer close(out)
		start := time.Now()
		report := PreloadReport{Requested: len(keys)}
		if len(keys) == 0 {
			out <- report
			return
		}

		values, err := fetch(ctx, keys)
		if err != nil {
			report.Err = err
			report.Duration = time.Since(start)
			c.logger.Warn("preload failed", "keys", len(keys), "error", err)
			out <- report
			return
		}

		c.SetMany(values, c.cfg.PreloadTTL)
		report.Loaded = len(values)
		report.Duration = time.Since(start)
		c.logger.Debug("preload finished", "requested", report.Requested, "loaded", report.Loaded)
		out <- report
	}()

	return out
}

// Cleanup removes expired entries and prunes idle access stats. It returns
// the number of entries removed.
func (c *TTLCache[K, V]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, k := range c.lru.Keys() {
		e, ok := c.lru.Peek(k)
		if ok && now.Sub(e.storedAt) >= e.ttl {
			c.lru.Remove(k)
			removed++
		}
	}
	c.expirations += uint64(removed)
	metrics.CacheEvictions.WithLabelValues(c.name, "expired").Add(float64(removed))
	metrics.CacheSize.WithLabelValues(c.name).Set(float64(c.lru.Len()))

	for k, st := range c.access {
		if now.Sub(st.last) > c.cfg.StatsRetention {
			delete(c.access, k)
		}
	}
	return removed
}

// Stats returns a snapshot of counters.
func (c *TTLCache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Name:         c.name,
		Hits:         c.hits,
		Misses:       c.misses,
		Evictions:    c.evictions,
		Expirations:  c.expirations,
		Size:         c.lru.Len(),
		Capacity:     c.cfg.Capacity,
		CreditsSaved: c.hits * uint64(c.cfg.CreditsPerMiss),
		TrackedKeys:  len(c.access),
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	for _, k := range c.popularLocked(5, false, c.now()) {
		s.TopKeys = append(s.TopKeys, fmt.Sprintf("%v", k))
	}
	return s
}

// Name returns the cache label.
func (c *TTLCache[K, V]) Name() string {
	return c.name
}
