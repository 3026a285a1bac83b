package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vietddude/logharvest/internal/infra/rpc"
)

// HeadSource is the subset of the RPC client the block caches need.
type HeadSource interface {
	GetLatestBlockNumber(ctx context.Context) (uint64, error)
	GetBlock(ctx context.Context, number uint64) (*rpc.BlockHeader, error)
}

// ErrBeforeGenesis is returned when a timestamp predates block 0.
var ErrBeforeGenesis = errors.New("timestamp before first block")

// LatestBlockCache caches the chain head so frequent callers do not each
// spend a call on it. Block headers are cached too; they never change once
// final, so timestamp searches reuse them.
type LatestBlockCache struct {
	source          HeadSource
	ttl             time.Duration
	secondsPerBlock float64
	headers         *TTLCache[uint64, *rpc.BlockHeader]
	group           singleflight.Group
	logger          *slog.Logger

	mu       sync.RWMutex
	cached   uint64
	cachedAt time.Time
	hits     uint64
	misses   uint64

	now func() time.Time
}

// HeadStats is a snapshot of LatestBlockCache counters.
type HeadStats struct {
	Head    uint64    `json:"head"`
	Fetched time.Time `json:"fetched_at"`
	Hits    uint64    `json:"hits"`
	Misses  uint64    `json:"misses"`
	Headers Stats     `json:"headers"`
}

// NewLatestBlockCache creates a head cache with the given TTL.
// secondsPerBlock seeds timestamp searches.
func NewLatestBlockCache(source HeadSource, ttl time.Duration, secondsPerBlock float64) (*LatestBlockCache, error) {
	headers, err := NewTTLCache[uint64, *rpc.BlockHeader]("block_headers", Config{
		Capacity:   4096,
		DefaultTTL: time.Hour,
	})
	if err != nil {
		return nil, err
	}
	if secondsPerBlock <= 0 {
		secondsPerBlock = 3
	}
	return &LatestBlockCache{
		source:          source,
		ttl:             ttl,
		secondsPerBlock: secondsPerBlock,
		headers:         headers,
		logger:          slog.Default().With("component", "head_cache"),
		now:             time.Now,
	}, nil
}

// GetLatestBlock returns the cached chain head if within TTL, otherwise fetches fresh.
func (c *LatestBlockCache) GetLatestBlock(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	if c.now().Sub(c.cachedAt) < c.ttl && c.cached > 0 {
		cached := c.cached
		c.hits++
		c.mu.Unlock()
		return cached, nil
	}
	c.misses++
	c.mu.Unlock()

	// The shared fetch outlives any single caller; each caller stops waiting
	// on its own ctx.
	fctx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("head", func() (any, error) {
		head, err := c.source.GetLatestBlockNumber(fctx)
		if err != nil {
			return uint64(0), err
		}
		c.mu.Lock()
		c.cached = head
		c.cachedAt = c.now()
		c.mu.Unlock()
		return head, nil
	})
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, fmt.Errorf("get latest block: %w", res.Err)
		}
		return res.Val.(uint64), nil
	}
}

// Invalidate clears the cache, forcing the next call to fetch fresh data.
func (c *LatestBlockCache) Invalidate() {
	c.mu.Lock()
	c.cachedAt = time.Time{}
	c.mu.Unlock()
}

// GetBlock returns a header, cached by number.
func (c *LatestBlockCache) GetBlock(ctx context.Context, number uint64) (*rpc.BlockHeader, error) {
	return c.headers.GetOrCompute(ctx, number, 0, func(ctx context.Context) (*rpc.BlockHeader, error) {
		return c.source.GetBlock(ctx, number)
	})
}

// FindBlockByTimestamp returns the last block whose timestamp is <= ts.
// It estimates the block from the head using the average block time, then
// brackets and bisects around the estimate.
func (c *LatestBlockCache) FindBlockByTimestamp(ctx context.Context, ts uint64) (uint64, error) {
	head, err := c.GetLatestBlock(ctx)
	if err != nil {
		return 0, err
	}
	headHdr, err := c.GetBlock(ctx, head)
	if err != nil {
		return 0, err
	}
	if ts >= headHdr.Timestamp {
		return head, nil
	}

	back := uint64(float64(headHdr.Timestamp-ts) / c.secondsPerBlock)
	est := uint64(0)
	if back < head {
		est = head - back
	}

	tsAt := func(n uint64) (uint64, error) {
		h, err := c.GetBlock(ctx, n)
		if err != nil {
			return 0, err
		}
		return h.Timestamp, nil
	}

	// Bracket so that ts(lo) <= target < ts(hi).
	const window = 100
	var lo, hi uint64
	estTs, err := tsAt(est)
	if err != nil {
		return 0, err
	}
	if estTs <= ts {
		lo, hi = est, min(head, est+window)
		for step := uint64(window); ; step *= 2 {
			hiTs, err := tsAt(hi)
			if err != nil {
				return 0, err
			}
			if hiTs > ts {
				break
			}
			lo, hi = hi, min(head, hi+step)
		}
	} else {
		hi = est
		for step := uint64(window); ; step *= 2 {
			if hi == 0 {
				return 0, ErrBeforeGenesis
			}
			lo = hi - min(hi, step)
			loTs, err := tsAt(lo)
			if err != nil {
				return 0, err
			}
			if loTs <= ts {
				break
			}
			hi = lo
		}
	}

	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		midTs, err := tsAt(mid)
		if err != nil {
			return 0, err
		}
		if midTs <= ts {
			lo = mid
		} else {
			hi = mid
		}
	}

	c.logger.Debug("block found for timestamp", "timestamp", ts, "block", lo, "estimate", est)
	return lo, nil
}

// Stats returns a snapshot of counters.
func (c *LatestBlockCache) Stats() HeadStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return HeadStats{
		Head:    c.cached,
		Fetched: c.cachedAt,
		Hits:    c.hits,
		Misses:  c.misses,
		Headers: c.headers.Stats(),
	}
}

// Cleanup drops expired headers.
func (c *LatestBlockCache) Cleanup() int {
	return c.headers.Cleanup()
}
