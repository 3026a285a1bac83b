package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/logharvest/internal/core/domain"
)

func TestKeys(t *testing.T) {
	r := domain.BlockRange{Start: 12000, End: 12500}

	assert.Equal(t, "harvest_ranges:usdt", queueKey("usdt"))
	assert.Equal(t, "harvesting:usdt:12000-12500", lockKey("usdt", r))
	assert.Equal(t, "harvested:usdt:12000-12500", checkpointKey("usdt", r))
}

func TestQueueDefaults(t *testing.T) {
	c := &Client{}
	a := c.Queue("usdt", 0)
	b := c.Queue("usdt", time.Hour)

	assert.Equal(t, "usdt", a.Name())
	assert.Equal(t, 24*time.Hour, a.checkpointTTL)
	assert.Equal(t, time.Hour, b.checkpointTTL)
	assert.NotEqual(t, a.token, b.token, "each queue handle locks with its own token")
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(Config{URL: "://bad"})
	assert.Error(t, err)
}

func newTestClient(t *testing.T) (*miniredis.Miniredis, *Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewClient(Config{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestRangeQueue_PopsLowestStartFirst(t *testing.T) {
	_, c := newTestClient(t)
	q := c.Queue("usdt", 0)
	ctx := context.Background()

	for _, r := range []domain.BlockRange{{Start: 500, End: 600}, {Start: 1, End: 100}, {Start: 200, End: 300}} {
		require.NoError(t, q.PushRange(ctx, r))
	}
	assert.ErrorIs(t, q.PushRange(ctx, domain.BlockRange{Start: 9, End: 1}), domain.ErrInvalidRange)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	var popped []domain.BlockRange
	for {
		r, ok, err := q.PopRange(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		popped = append(popped, r)
	}
	assert.Equal(t, []domain.BlockRange{{Start: 1, End: 100}, {Start: 200, End: 300}, {Start: 500, End: 600}}, popped)
}

func TestRangeQueue_ReplaceRanges(t *testing.T) {
	_, c := newTestClient(t)
	q := c.Queue("usdt", 0)
	ctx := context.Background()

	require.NoError(t, q.PushRange(ctx, domain.BlockRange{Start: 1, End: 100}))
	require.NoError(t, q.PushRange(ctx, domain.BlockRange{Start: 101, End: 200}))

	require.NoError(t, q.ReplaceRanges(ctx, []domain.BlockRange{{Start: 1, End: 200}}))
	ranges, err := q.Ranges(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.BlockRange{{Start: 1, End: 200}}, ranges)

	require.NoError(t, q.ReplaceRanges(ctx, nil))
	ranges, err = q.Ranges(ctx)
	require.NoError(t, err)
	assert.Empty(t, ranges)

	require.NoError(t, q.PushRange(ctx, domain.BlockRange{Start: 5, End: 6}))
	require.NoError(t, q.Clear(ctx))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRangeQueue_LockReleasedOnlyByOwner(t *testing.T) {
	mr, c := newTestClient(t)
	ctx := context.Background()
	r := domain.BlockRange{Start: 1, End: 100}
	a := c.Queue("usdt", 0)
	b := c.Queue("usdt", 0)

	ok, err := a.AcquireLock(ctx, r, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.AcquireLock(ctx, r, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held by another worker")

	require.NoError(t, b.ReleaseLock(ctx, r))
	assert.True(t, mr.Exists(lockKey("usdt", r)), "a foreign token cannot release the lock")

	require.NoError(t, a.ReleaseLock(ctx, r))
	assert.False(t, mr.Exists(lockKey("usdt", r)))

	ok, err = b.AcquireLock(ctx, r, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRangeQueue_LockExpiresUnlessRefreshed(t *testing.T) {
	mr, c := newTestClient(t)
	ctx := context.Background()
	held := domain.BlockRange{Start: 1, End: 100}
	idle := domain.BlockRange{Start: 101, End: 200}
	q := c.Queue("usdt", 0)

	for _, r := range []domain.BlockRange{held, idle} {
		ok, err := q.AcquireLock(ctx, r, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}

	mr.FastForward(50 * time.Second)
	require.NoError(t, q.RefreshLock(ctx, held, time.Minute))
	mr.FastForward(50 * time.Second)

	assert.True(t, mr.Exists(lockKey("usdt", held)))
	assert.False(t, mr.Exists(lockKey("usdt", idle)))

	ok, err := c.Queue("usdt", 0).AcquireLock(ctx, idle, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "an expired lock can be taken over")
}

func TestRangeQueue_Checkpoints(t *testing.T) {
	mr, c := newTestClient(t)
	ctx := context.Background()
	r := domain.BlockRange{Start: 1, End: 100}
	q := c.Queue("usdt", time.Hour)

	_, ok, err := q.LoadCheckpoint(ctx, r)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.SaveCheckpoint(ctx, r, 41))
	next, ok, err := q.LoadCheckpoint(ctx, r)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(41), next)
	assert.Equal(t, time.Hour, mr.TTL(checkpointKey("usdt", r)))

	require.NoError(t, q.ClearCheckpoint(ctx, r))
	_, ok, err = q.LoadCheckpoint(ctx, r)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.SaveCheckpoint(ctx, r, 61))
	mr.FastForward(2 * time.Hour)
	_, ok, err = q.LoadCheckpoint(ctx, r)
	require.NoError(t, err)
	assert.False(t, ok, "checkpoints of abandoned ranges expire")
}

func TestRangeQueue_CorruptCheckpoint(t *testing.T) {
	mr, c := newTestClient(t)
	r := domain.BlockRange{Start: 1, End: 100}
	require.NoError(t, mr.Set(checkpointKey("usdt", r), "forty-one"))

	_, _, err := c.Queue("usdt", 0).LoadCheckpoint(context.Background(), r)
	assert.Error(t, err)
}
