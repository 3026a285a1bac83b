package harvest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/logharvest/internal/core/domain"
)

// memQueue is an in-memory Queue.
type memQueue struct {
	mu          sync.Mutex
	ranges      []domain.BlockRange
	locks       map[domain.BlockRange]bool
	checkpoints map[domain.BlockRange]uint64
}

func newMemQueue(ranges ...domain.BlockRange) *memQueue {
	return &memQueue{
		ranges:      ranges,
		locks:       make(map[domain.BlockRange]bool),
		checkpoints: make(map[domain.BlockRange]uint64),
	}
}

func (q *memQueue) PopRange(ctx context.Context) (domain.BlockRange, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ranges) == 0 {
		return domain.BlockRange{}, false, nil
	}
	sort.Slice(q.ranges, func(i, j int) bool { return q.ranges[i].Start < q.ranges[j].Start })
	r := q.ranges[0]
	q.ranges = q.ranges[1:]
	return r, true, nil
}

func (q *memQueue) PushRange(ctx context.Context, r domain.BlockRange) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ranges = append(q.ranges, r)
	return nil
}

func (q *memQueue) Ranges(ctx context.Context) ([]domain.BlockRange, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.BlockRange(nil), q.ranges...), nil
}

func (q *memQueue) ReplaceRanges(ctx context.Context, ranges []domain.BlockRange) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ranges = append([]domain.BlockRange(nil), ranges...)
	return nil
}

func (q *memQueue) AcquireLock(ctx context.Context, r domain.BlockRange, ttl time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.locks[r] {
		return false, nil
	}
	q.locks[r] = true
	return true, nil
}

func (q *memQueue) RefreshLock(ctx context.Context, r domain.BlockRange, ttl time.Duration) error {
	return nil
}

func (q *memQueue) ReleaseLock(ctx context.Context, r domain.BlockRange) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.locks, r)
	return nil
}

func (q *memQueue) SaveCheckpoint(ctx context.Context, r domain.BlockRange, next uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.checkpoints[r] = next
	return nil
}

func (q *memQueue) LoadCheckpoint(ctx context.Context, r domain.BlockRange) (uint64, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	next, ok := q.checkpoints[r]
	return next, ok, nil
}

func (q *memQueue) ClearCheckpoint(ctx context.Context, r domain.BlockRange) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.checkpoints, r)
	return nil
}

type sinkRecorder struct {
	ranges []domain.BlockRange
	items  []uint64
}

func (s *sinkRecorder) store(ctx context.Context, r domain.BlockRange, items []uint64) error {
	s.ranges = append(s.ranges, r)
	s.items = append(s.items, items...)
	return nil
}

func newWorker(t *testing.T, q Queue, fetch FetchFunc[uint64]) (*QueueWorker[uint64], *sinkRecorder) {
	t.Helper()
	h, _ := newHarvester(t, 10, 10, 10)
	sink := &sinkRecorder{}
	return NewQueueWorker(WorkerConfig{ContractID: "token"}, q, h, fetch, sink.store), sink
}

func fetchBlocks(ctx context.Context, r domain.BlockRange) ([]uint64, error) {
	return blocks(r), nil
}

func TestQueueWorker_HarvestsQueuedRange(t *testing.T) {
	q := newMemQueue(domain.BlockRange{Start: 1, End: 100})
	w, sink := newWorker(t, q, fetchBlocks)

	processed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	assertCovers(t, sink.items, 1, 100)
	require.Len(t, sink.ranges, 10, "stored chunk by chunk")
	assert.Equal(t, domain.BlockRange{Start: 1, End: 10}, sink.ranges[0])
	assert.Equal(t, domain.BlockRange{Start: 91, End: 100}, sink.ranges[9])
	assert.Empty(t, q.ranges)
	assert.Empty(t, q.checkpoints)
	assert.Empty(t, q.locks)

	processed, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestQueueWorker_RequeuesRemainderOnFatalError(t *testing.T) {
	q := newMemQueue(domain.BlockRange{Start: 1, End: 100})
	w, sink := newWorker(t, q, func(ctx context.Context, r domain.BlockRange) ([]uint64, error) {
		if r.Start >= 51 {
			return nil, kindErr(domain.ErrorKindConnection)
		}
		return blocks(r), nil
	})

	processed, err := w.RunOnce(context.Background())
	assert.True(t, processed)
	var herr *HarvestError
	require.ErrorAs(t, err, &herr)

	assertCovers(t, sink.items, 1, 50)
	assert.Equal(t, []domain.BlockRange{{Start: 51, End: 100}}, q.ranges)
	assert.Equal(t, uint64(51), q.checkpoints[domain.BlockRange{Start: 1, End: 100}])
}

func TestQueueWorker_SinkFailureLosesNothing(t *testing.T) {
	r := domain.BlockRange{Start: 1, End: 100}
	q := newMemQueue(r)
	h, _ := newHarvester(t, 10, 10, 10)
	sink := &sinkRecorder{}
	calls := 0
	w := NewQueueWorker(WorkerConfig{ContractID: "token"}, q, h, fetchBlocks,
		func(ctx context.Context, br domain.BlockRange, items []uint64) error {
			calls++
			if calls == 5 {
				return errors.New("database unavailable")
			}
			return sink.store(ctx, br, items)
		})

	_, err := w.RunOnce(context.Background())
	var herr *HarvestError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, uint64(41), herr.Block)
	assertCovers(t, sink.items, 1, 40)
	assert.Equal(t, uint64(41), q.checkpoints[r], "checkpoint stops at the last stored chunk")
	assert.Equal(t, []domain.BlockRange{{Start: 41, End: 100}}, q.ranges)

	_, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assertCovers(t, sink.items, 1, 100)
	assert.Empty(t, q.ranges)
}

func TestQueueWorker_ResumesFromCheckpoint(t *testing.T) {
	r := domain.BlockRange{Start: 1, End: 100}
	q := newMemQueue(r)
	q.checkpoints[r] = 41
	w, sink := newWorker(t, q, fetchBlocks)

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assertCovers(t, sink.items, 41, 100)
	assert.Empty(t, q.checkpoints)
}

func TestQueueWorker_SkipsLockedRange(t *testing.T) {
	r := domain.BlockRange{Start: 1, End: 100}
	q := newMemQueue(r)
	q.locks[r] = true
	w, sink := newWorker(t, q, fetchBlocks)

	processed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Empty(t, sink.items)
}

func TestQueueWorker_MergesAdjacentRanges(t *testing.T) {
	q := newMemQueue(
		domain.BlockRange{Start: 21, End: 30},
		domain.BlockRange{Start: 1, End: 10},
		domain.BlockRange{Start: 11, End: 20},
		domain.BlockRange{Start: 100, End: 109},
	)
	w, sink := newWorker(t, q, fetchBlocks)

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.BlockRange{{Start: 1, End: 10}, {Start: 11, End: 20}, {Start: 21, End: 30}}, sink.ranges)
	assert.Equal(t, []domain.BlockRange{{Start: 100, End: 109}}, q.ranges)
}

func TestQueueWorker_RunStopsOnCancel(t *testing.T) {
	q := newMemQueue()
	w, _ := newWorker(t, q, fetchBlocks)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
