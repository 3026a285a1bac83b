package cache

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/logharvest/internal/infra/rpc"
)

// mockChain serves a synthetic chain where block n has timestamp genesis + n*blockTime.
type mockChain struct {
	mu          sync.Mutex
	latestBlock uint64
	genesis     uint64
	blockTime   uint64
	headCalls   int
	blockCalls  int
}

func (m *mockChain) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headCalls++
	return m.latestBlock, nil
}

func (m *mockChain) GetBlock(ctx context.Context, n uint64) (*rpc.BlockHeader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockCalls++
	if n > m.latestBlock {
		return nil, fmt.Errorf("block %d not found", n)
	}
	return &rpc.BlockHeader{Number: n, Timestamp: m.genesis + n*m.blockTime}, nil
}

func newHeadCache(t *testing.T, chain *mockChain, ttl time.Duration) (*LatestBlockCache, *fakeClock) {
	t.Helper()
	c, err := NewLatestBlockCache(chain, ttl, 3)
	require.NoError(t, err)
	clock := newFakeClock()
	c.now = clock.Now
	return c, clock
}

func TestLatestBlockCache_CachesResult(t *testing.T) {
	chain := &mockChain{latestBlock: 1000}
	c, _ := newHeadCache(t, chain, 60*time.Second)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		head, err := c.GetLatestBlock(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1000), head)
	}
	assert.Equal(t, 1, chain.headCalls)

	stats := c.Stats()
	assert.Equal(t, uint64(4), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestLatestBlockCache_ExpiresAfterTTL(t *testing.T) {
	chain := &mockChain{latestBlock: 1000}
	c, clock := newHeadCache(t, chain, 60*time.Second)
	ctx := context.Background()

	_, err := c.GetLatestBlock(ctx)
	require.NoError(t, err)

	clock.Advance(61 * time.Second)
	chain.latestBlock = 1001

	head, err := c.GetLatestBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1001), head)
	assert.Equal(t, 2, chain.headCalls)
}

func TestLatestBlockCache_Invalidate(t *testing.T) {
	chain := &mockChain{latestBlock: 1000}
	c, _ := newHeadCache(t, chain, 60*time.Second)
	ctx := context.Background()

	_, err := c.GetLatestBlock(ctx)
	require.NoError(t, err)

	c.Invalidate()
	chain.latestBlock = 1001

	head, err := c.GetLatestBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1001), head)
	assert.Equal(t, 2, chain.headCalls)
}

func TestLatestBlockCache_FindBlockByTimestamp(t *testing.T) {
	tests := []struct {
		name      string
		blockTime uint64
		target    uint64 // offset from genesis
		want      uint64
	}{
		{"estimate exact", 3, 3000, 1000},
		{"between blocks", 3, 3001, 1000},
		{"slower chain than assumed", 12, 12_000, 1000},
		{"faster chain than assumed", 1, 5000, 5000},
		{"genesis", 3, 0, 0},
		{"after head", 3, 1 << 40, 100_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := &mockChain{latestBlock: 100_000, genesis: 1_600_000_000, blockTime: tt.blockTime}
			c, _ := newHeadCache(t, chain, time.Minute)

			got, err := c.FindBlockByTimestamp(context.Background(), chain.genesis+tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLatestBlockCache_FindBlockBeforeGenesis(t *testing.T) {
	chain := &mockChain{latestBlock: 1000, genesis: 1_600_000_000, blockTime: 3}
	c, _ := newHeadCache(t, chain, time.Minute)

	_, err := c.FindBlockByTimestamp(context.Background(), chain.genesis-10)
	assert.ErrorIs(t, err, ErrBeforeGenesis)
}

func TestLatestBlockCache_HeadersAreReused(t *testing.T) {
	chain := &mockChain{latestBlock: 100_000, genesis: 1_600_000_000, blockTime: 3}
	c, _ := newHeadCache(t, chain, time.Minute)
	ctx := context.Background()

	_, err := c.FindBlockByTimestamp(ctx, chain.genesis+30_000)
	require.NoError(t, err)
	first := chain.blockCalls

	_, err = c.FindBlockByTimestamp(ctx, chain.genesis+30_000)
	require.NoError(t, err)
	assert.Equal(t, first, chain.blockCalls, "second search is served from the header cache")
}

type fakeBalanceSource struct {
	mu       sync.Mutex
	calls    int
	requests [][]common.Address
	balances map[common.Address]int64
	err      error
}

func (f *fakeBalanceSource) Balances(ctx context.Context, token common.Address, holders []common.Address, block *big.Int) (map[common.Address]*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.requests = append(f.requests, append([]common.Address(nil), holders...))
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[common.Address]*big.Int)
	for _, h := range holders {
		if v, ok := f.balances[h]; ok {
			out[h] = big.NewInt(v + block.Int64())
		}
	}
	return out, nil
}

func addr(n byte) common.Address {
	return common.BytesToAddress([]byte{n})
}
