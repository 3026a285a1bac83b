package cache

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceKey identifies a token balance at a block.
type BalanceKey struct {
	Token  common.Address
	Holder common.Address
	Block  uint64
}

func (k BalanceKey) String() string {
	return fmt.Sprintf("%s:%s@%d", k.Token.Hex(), k.Holder.Hex(), k.Block)
}

// BalanceSource resolves many balances in one batched round trip.
type BalanceSource interface {
	Balances(ctx context.Context, token common.Address, holders []common.Address, block *big.Int) (map[common.Address]*big.Int, error)
}

// BalanceCache caches token balances and sends every miss of a request
// through a single batched lookup.
type BalanceCache struct {
	source  BalanceSource
	cache   *TTLCache[BalanceKey, *big.Int]
	warmTTL time.Duration
}

// NewBalanceCache creates a balance cache. cfg.DefaultTTL applies to
// balances read on demand, cfg.PreloadTTL to preloaded ones.
func NewBalanceCache(source BalanceSource, cfg Config) (*BalanceCache, error) {
	c, err := NewTTLCache[BalanceKey, *big.Int]("balances", cfg)
	if err != nil {
		return nil, err
	}
	return &BalanceCache{source: source, cache: c, warmTTL: 30 * time.Minute}, nil
}

// Balances returns balances for holders at block. Holders whose lookup
// failed are absent from the result.
func (c *BalanceCache) Balances(
	ctx context.Context,
	token common.Address,
	holders []common.Address,
	block uint64,
) (map[common.Address]*big.Int, error) {
	out := make(map[common.Address]*big.Int, len(holders))
	var missing []common.Address
	seen := make(map[common.Address]struct{}, len(holders))

	for _, h := range holders {
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		if v, ok := c.cache.Get(BalanceKey{Token: token, Holder: h, Block: block}); ok {
			out[h] = new(big.Int).Set(v)
			continue
		}
		missing = append(missing, h)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := c.source.Balances(ctx, token, missing, new(big.Int).SetUint64(block))
	if err != nil {
		return out, fmt.Errorf("fetch %d balances: %w", len(missing), err)
	}

	toStore := make(map[BalanceKey]*big.Int, len(fetched))
	for h, v := range fetched {
		toStore[BalanceKey{Token: token, Holder: h, Block: block}] = new(big.Int).Set(v)
		out[h] = new(big.Int).Set(v)
	}
	c.cache.SetMany(toStore, 0)
	return out, nil
}

// Balance returns a single balance.
func (c *BalanceCache) Balance(ctx context.Context, token, holder common.Address, block uint64) (*big.Int, error) {
	m, err := c.Balances(ctx, token, []common.Address{holder}, block)
	if err != nil {
		return nil, err
	}
	v, ok := m[holder]
	if !ok {
		return nil, fmt.Errorf("balance of %s not returned", holder.Hex())
	}
	return v, nil
}

// PreloadPopular reloads the most requested balances that have dropped out
// of the cache. See TTLCache.PreloadPopular.
func (c *BalanceCache) PreloadPopular(ctx context.Context, topN int) <-chan PreloadReport {
	return c.cache.PreloadPopular(ctx, topN, c.fetchKeys)
}

// WarmUp loads holders at every block in the background with a long TTL.
func (c *BalanceCache) WarmUp(ctx context.Context, token common.Address, holders []common.Address, blocks []uint64) <-chan PreloadReport {
	out := make(chan PreloadReport, 1)
	go func() {
		defer close(out)
		start := time.Now()
		report := PreloadReport{Requested: len(holders) * len(blocks)}
		for _, b := range blocks {
			fetched, err := c.source.Balances(ctx, token, holders, new(big.Int).SetUint64(b))
			if err != nil {
				report.Err = err
				continue
			}
			toStore := make(map[BalanceKey]*big.Int, len(fetched))
			for h, v := range fetched {
				toStore[BalanceKey{Token: token, Holder: h, Block: b}] = v
			}
			c.cache.SetMany(toStore, c.warmTTL)
			report.Loaded += len(fetched)
		}
		report.Duration = time.Since(start)
		out <- report
	}()
	return out
}

// fetchKeys groups keys by token and block so each group is one batched lookup.
func (c *BalanceCache) fetchKeys(ctx context.Context, keys []BalanceKey) (map[BalanceKey]*big.Int, error) {
	type group struct {
		token common.Address
		block uint64
	}
	groups := make(map[group][]common.Address)
	for _, k := range keys {
		g := group{token: k.Token, block: k.Block}
		groups[g] = append(groups[g], k.Holder)
	}

	out := make(map[BalanceKey]*big.Int, len(keys))
	var firstErr error
	for g, holders := range groups {
		fetched, err := c.source.Balances(ctx, g.token, holders, new(big.Int).SetUint64(g.block))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for h, v := range fetched {
			out[BalanceKey{Token: g.token, Holder: h, Block: g.block}] = v
		}
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// Cleanup removes expired balances.
func (c *BalanceCache) Cleanup() int {
	return c.cache.Cleanup()
}

// Stats returns cache counters.
func (c *BalanceCache) Stats() Stats {
	return c.cache.Stats()
}
