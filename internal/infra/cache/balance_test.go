package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testToken = common.HexToAddress("0x00000000000000000000000000000000000000ff")

func newBalanceCache(t *testing.T, src *fakeBalanceSource) (*BalanceCache, *fakeClock) {
	t.Helper()
	c, err := NewBalanceCache(src, Config{Capacity: 100, DefaultTTL: 5 * time.Minute, PreloadTTL: 10 * time.Minute})
	require.NoError(t, err)
	clock := newFakeClock()
	c.cache.now = clock.Now
	return c, clock
}

func TestBalanceCache_MissesGoThroughOneBatch(t *testing.T) {
	src := &fakeBalanceSource{balances: map[common.Address]int64{addr(1): 10, addr(2): 20, addr(3): 30}}
	c, _ := newBalanceCache(t, src)
	ctx := context.Background()

	got, err := c.Balances(ctx, testToken, []common.Address{addr(1)}, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(15), got[addr(1)].Int64())

	got, err = c.Balances(ctx, testToken, []common.Address{addr(1), addr(2), addr(3), addr(2)}, 5)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, 2, src.calls)
	assert.ElementsMatch(t, []common.Address{addr(2), addr(3)}, src.requests[1], "only misses are fetched, once each")
}

func TestBalanceCache_ReturnsCopies(t *testing.T) {
	src := &fakeBalanceSource{balances: map[common.Address]int64{addr(1): 10}}
	c, _ := newBalanceCache(t, src)
	ctx := context.Background()

	v, err := c.Balance(ctx, testToken, addr(1), 0)
	require.NoError(t, err)
	v.SetInt64(999)

	again, err := c.Balance(ctx, testToken, addr(1), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), again.Int64())
}

func TestBalanceCache_MissingHolderIsAbsent(t *testing.T) {
	src := &fakeBalanceSource{balances: map[common.Address]int64{addr(1): 10}}
	c, _ := newBalanceCache(t, src)

	got, err := c.Balances(context.Background(), testToken, []common.Address{addr(1), addr(9)}, 0)
	require.NoError(t, err)
	assert.Contains(t, got, addr(1))
	assert.NotContains(t, got, addr(9))

	_, err = c.Balance(context.Background(), testToken, addr(9), 0)
	assert.Error(t, err)
}

func TestBalanceCache_SourceError(t *testing.T) {
	src := &fakeBalanceSource{err: errors.New("rpc down")}
	c, _ := newBalanceCache(t, src)

	_, err := c.Balances(context.Background(), testToken, []common.Address{addr(1)}, 0)
	assert.Error(t, err)
	assert.Zero(t, c.Stats().Size)
}

func TestBalanceCache_PreloadPopularGroupsByBlock(t *testing.T) {
	src := &fakeBalanceSource{balances: map[common.Address]int64{addr(1): 1, addr(2): 2}}
	c, clock := newBalanceCache(t, src)
	ctx := context.Background()

	_, err := c.Balances(ctx, testToken, []common.Address{addr(1), addr(2)}, 7)
	require.NoError(t, err)
	_, err = c.Balances(ctx, testToken, []common.Address{addr(1)}, 8)
	require.NoError(t, err)
	src.calls = 0

	clock.Advance(6 * time.Minute)
	report := <-c.PreloadPopular(ctx, 10)
	require.NoError(t, report.Err)
	assert.Equal(t, 3, report.Requested)
	assert.Equal(t, 3, report.Loaded)
	assert.Equal(t, 2, src.calls, "one batch per (token, block)")

	v, err := c.Balance(ctx, testToken, addr(2), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(9), v.Int64())
	assert.Equal(t, 2, src.calls, "preloaded value served from cache")
}

func TestBalanceCache_WarmUp(t *testing.T) {
	src := &fakeBalanceSource{balances: map[common.Address]int64{addr(1): 1, addr(2): 2}}
	c, _ := newBalanceCache(t, src)

	report := <-c.WarmUp(context.Background(), testToken, []common.Address{addr(1), addr(2)}, []uint64{10, 20})
	require.NoError(t, report.Err)
	assert.Equal(t, 4, report.Loaded)
	assert.Equal(t, 4, c.Stats().Size)
}
