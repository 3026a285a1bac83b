package harvest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/logharvest/internal/core/domain"
	"github.com/vietddude/logharvest/internal/indexing/planner"
	"github.com/vietddude/logharvest/internal/infra/rpc/provider"
)

func newHarvester(t *testing.T, minSize, maxSize, initial uint64) (*Harvester[uint64], *[]time.Duration) {
	t.Helper()
	p, err := planner.New(t.Name(), planner.Config{MinChunkSize: minSize, MaxChunkSize: maxSize, InitialChunkSize: initial})
	require.NoError(t, err)

	h := New[uint64](p, Config{MaxRetries: 3, RetryDelay: time.Second, MaxRetryDelay: 4 * time.Second})
	var delays []time.Duration
	h.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return h, &delays
}

func blocks(r domain.BlockRange) []uint64 {
	out := make([]uint64, 0, r.Size())
	for b := r.Start; b <= r.End; b++ {
		out = append(out, b)
	}
	return out
}

func kindErr(kind domain.ErrorKind) error {
	return &provider.Error{Kind: kind, Method: "eth_getLogs"}
}

func assertCovers(t *testing.T, items []uint64, from, to uint64) {
	t.Helper()
	require.Len(t, items, int(to-from+1))
	for i, b := range items {
		require.Equal(t, from+uint64(i), b, "item %d", i)
	}
}

func TestHarvest_CoversRangeExactlyOnce(t *testing.T) {
	h, _ := newHarvester(t, 10, 100, 50)
	var chunks []domain.BlockRange

	res, err := h.Harvest(context.Background(), domain.BlockRange{Start: 1, End: 1000},
		func(ctx context.Context, r domain.BlockRange) ([]uint64, error) {
			chunks = append(chunks, r)
			return blocks(r), nil
		})
	require.NoError(t, err)

	assertCovers(t, res.Items, 1, 1000)
	assert.True(t, res.Done)
	assert.False(t, res.Cancelled)
	assert.Equal(t, uint64(1001), res.NextBlock)
	assert.Equal(t, len(chunks), res.Chunks)
	for i := 1; i < len(chunks); i++ {
		assert.Equal(t, chunks[i-1].End+1, chunks[i].Start)
	}
	for _, c := range chunks {
		assert.LessOrEqual(t, c.Size(), uint64(100))
	}
}

func TestHarvest_SplitsOversizedChunks(t *testing.T) {
	h, _ := newHarvester(t, 10, 200, 200)

	res, err := h.Harvest(context.Background(), domain.BlockRange{Start: 1, End: 1000},
		func(ctx context.Context, r domain.BlockRange) ([]uint64, error) {
			if r.Size() > 60 {
				return nil, kindErr(domain.ErrorKindPayloadTooLarge)
			}
			return blocks(r), nil
		})
	require.NoError(t, err)

	assertCovers(t, res.Items, 1, 1000)
	assert.Positive(t, res.Splits)
	assert.Positive(t, h.Planner().Stats().Errors[domain.ErrorKindPayloadTooLarge])
}

func TestHarvest_FatalWhenMinimumChunkTooLarge(t *testing.T) {
	h, _ := newHarvester(t, 10, 100, 100)

	res, err := h.Harvest(context.Background(), domain.BlockRange{Start: 1, End: 1000},
		func(ctx context.Context, r domain.BlockRange) ([]uint64, error) {
			if r.Contains(500) {
				return nil, kindErr(domain.ErrorKindPayloadTooLarge)
			}
			return blocks(r), nil
		})

	var herr *HarvestError
	require.ErrorAs(t, err, &herr)
	assert.ErrorIs(t, err, ErrMinChunkTooLarge)
	assert.Equal(t, domain.ErrorKindPayloadTooLarge, herr.Kind)
	assert.LessOrEqual(t, herr.Block, uint64(500))
	assert.Equal(t, herr.Block, res.NextBlock)
	assertCovers(t, res.Items, 1, herr.Block-1)
	assert.False(t, res.Done)
}

func TestHarvest_ShrinksAndBacksOffOnTimeout(t *testing.T) {
	h, delays := newHarvester(t, 10, 100, 100)
	failures := 2
	var sizes []uint64

	res, err := h.Harvest(context.Background(), domain.BlockRange{Start: 1, End: 300},
		func(ctx context.Context, r domain.BlockRange) ([]uint64, error) {
			sizes = append(sizes, r.Size())
			if failures > 0 {
				failures--
				return nil, kindErr(domain.ErrorKindTimeout)
			}
			return blocks(r), nil
		})
	require.NoError(t, err)

	assertCovers(t, res.Items, 1, 300)
	assert.Equal(t, 2, res.Retries)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *delays)
	assert.Equal(t, []uint64{100, 70, 49}, sizes[:3])
}

func TestHarvest_TimeoutInsideSplitKeepsCoverage(t *testing.T) {
	h, _ := newHarvester(t, 10, 200, 200)
	calls := 0

	res, err := h.Harvest(context.Background(), domain.BlockRange{Start: 1, End: 400},
		func(ctx context.Context, r domain.BlockRange) ([]uint64, error) {
			calls++
			switch calls {
			case 1:
				return nil, kindErr(domain.ErrorKindPayloadTooLarge)
			case 2:
				return nil, kindErr(domain.ErrorKindRateLimited)
			}
			return blocks(r), nil
		})
	require.NoError(t, err)

	assertCovers(t, res.Items, 1, 400)
	assert.Equal(t, 1, res.Splits)
	assert.Equal(t, 1, res.Retries)
}

func TestHarvest_GivesUpAfterRetriesAtMinimum(t *testing.T) {
	h, delays := newHarvester(t, 10, 100, 10)
	calls := 0

	_, err := h.Harvest(context.Background(), domain.BlockRange{Start: 1, End: 100},
		func(ctx context.Context, r domain.BlockRange) ([]uint64, error) {
			calls++
			if calls%2 == 0 {
				return nil, kindErr(domain.ErrorKindRateLimited)
			}
			return nil, kindErr(domain.ErrorKindTimeout)
		})

	var herr *HarvestError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, uint64(1), herr.Block)
	assert.Equal(t, domain.ErrorKindTimeout, herr.Kind)
	assert.Equal(t, 3, calls)
	assert.Len(t, *delays, 2)
}

func TestHarvest_ConnectionErrorIsFatal(t *testing.T) {
	h, delays := newHarvester(t, 50, 50, 50)

	res, err := h.Harvest(context.Background(), domain.BlockRange{Start: 1, End: 500},
		func(ctx context.Context, r domain.BlockRange) ([]uint64, error) {
			if r.Contains(250) {
				return nil, kindErr(domain.ErrorKindConnection)
			}
			return blocks(r), nil
		})

	var herr *HarvestError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, uint64(201), herr.Block)
	assert.Equal(t, domain.ErrorKindConnection, herr.Kind)
	assertCovers(t, res.Items, 1, 200)
	assert.Empty(t, *delays, "connection errors are not retried")
}

func TestHarvest_UnclassifiedErrorIsFatal(t *testing.T) {
	h, _ := newHarvester(t, 50, 50, 50)

	_, err := h.Harvest(context.Background(), domain.BlockRange{Start: 1, End: 100},
		func(ctx context.Context, r domain.BlockRange) ([]uint64, error) {
			return nil, errors.New("boom")
		})

	var herr *HarvestError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, domain.ErrorKindUnknown, herr.Kind)
}

func TestHarvest_CancelledBetweenChunks(t *testing.T) {
	h, _ := newHarvester(t, 50, 50, 50)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chunks := 0

	res, err := h.Harvest(ctx, domain.BlockRange{Start: 1, End: 1000},
		func(ctx context.Context, r domain.BlockRange) ([]uint64, error) {
			chunks++
			if chunks == 3 {
				cancel()
			}
			return blocks(r), nil
		})
	require.NoError(t, err)

	assert.True(t, res.Cancelled)
	assert.False(t, res.Done)
	assertCovers(t, res.Items, 1, 150)
	assert.Equal(t, uint64(151), res.NextBlock)
}

func TestHarvest_ProgressIsThrottled(t *testing.T) {
	h, _ := newHarvester(t, 10, 10, 10)
	var reports []Progress

	res, err := h.Harvest(context.Background(), domain.BlockRange{Start: 1, End: 1000},
		func(ctx context.Context, r domain.BlockRange) ([]uint64, error) {
			return blocks(r), nil
		},
		WithProgress(func(p Progress) { reports = append(reports, p) }),
	)
	require.NoError(t, err)
	require.NotEmpty(t, reports)

	assert.Less(t, len(reports), res.Chunks/5)
	for i := 1; i < len(reports); i++ {
		assert.GreaterOrEqual(t, reports[i].Percentage, reports[i-1].Percentage)
	}
	last := reports[len(reports)-1]
	assert.Equal(t, 100.0, last.Percentage)
	assert.Equal(t, uint64(1000), last.ProcessedBlocks)
	assert.Equal(t, last, h.LastProgress())
}

type checkpointRecorder struct {
	next []uint64
	err  error
}

func (c *checkpointRecorder) SaveCheckpoint(ctx context.Context, r domain.BlockRange, next uint64) error {
	c.next = append(c.next, next)
	return c.err
}

func TestHarvest_SavesCheckpoints(t *testing.T) {
	h, _ := newHarvester(t, 100, 100, 100)
	cp := &checkpointRecorder{err: errors.New("redis down")}

	res, err := h.Harvest(context.Background(), domain.BlockRange{Start: 1, End: 1000},
		func(ctx context.Context, r domain.BlockRange) ([]uint64, error) {
			return blocks(r), nil
		},
		WithCheckpoint(cp),
	)
	require.NoError(t, err, "checkpoint failures are not fatal")
	assert.True(t, res.Done)
	require.Len(t, cp.next, 10)
	assert.Equal(t, uint64(101), cp.next[0])
	assert.Equal(t, uint64(1001), cp.next[9])
}

func TestHarvest_InvalidRange(t *testing.T) {
	h, _ := newHarvester(t, 10, 100, 50)
	_, err := h.Harvest(context.Background(), domain.BlockRange{Start: 10, End: 1}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidRange)
}

func TestBackoff_Capped(t *testing.T) {
	h, _ := newHarvester(t, 10, 100, 50)
	assert.Equal(t, time.Second, h.backoff(1))
	assert.Equal(t, 4*time.Second, h.backoff(3))
	assert.Equal(t, 4*time.Second, h.backoff(10))
}

func TestHarvestInto_SinkFailureHoldsCheckpoint(t *testing.T) {
	h, _ := newHarvester(t, 100, 100, 100)
	cp := &checkpointRecorder{}
	var stored []uint64

	res, err := h.HarvestInto(context.Background(), domain.BlockRange{Start: 1, End: 500},
		func(ctx context.Context, r domain.BlockRange) ([]uint64, error) {
			return blocks(r), nil
		},
		func(ctx context.Context, r domain.BlockRange, items []uint64) error {
			if r.Start == 201 {
				return errors.New("disk full")
			}
			stored = append(stored, items...)
			return nil
		},
		WithCheckpoint(cp),
	)

	var herr *HarvestError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, uint64(201), herr.Block)
	assert.Equal(t, uint64(201), res.NextBlock)
	assert.Equal(t, []uint64{101, 201}, cp.next)
	assertCovers(t, stored, 1, 200)
	assertCovers(t, res.Items, 1, 200)
}

func TestHarvest_RateLimitRecordedAsRateLimited(t *testing.T) {
	h, delays := newHarvester(t, 10, 100, 100)
	limited := true

	res, err := h.Harvest(context.Background(), domain.BlockRange{Start: 1, End: 200},
		func(ctx context.Context, r domain.BlockRange) ([]uint64, error) {
			if limited {
				limited = false
				return nil, kindErr(domain.ErrorKindRateLimited)
			}
			return blocks(r), nil
		})
	require.NoError(t, err)
	assertCovers(t, res.Items, 1, 200)
	assert.Len(t, *delays, 1)

	s := h.Planner().Stats()
	assert.Equal(t, uint64(1), s.Errors[domain.ErrorKindRateLimited])
	assert.Zero(t, s.Errors[domain.ErrorKindTimeout])
}

func TestHarvest_LearnsPeriodDensity(t *testing.T) {
	h, _ := newHarvester(t, 10, 100, 100)

	res, err := h.Harvest(context.Background(), domain.BlockRange{Start: 1, End: 300},
		func(ctx context.Context, r domain.BlockRange) ([]uint64, error) {
			var out []uint64
			for _, b := range blocks(r) {
				out = append(out, b, b, b, b)
			}
			return out, nil
		},
		WithPeriod(func(uint64) string { return "2025-01" }),
	)
	require.NoError(t, err)
	require.True(t, res.Done)

	p := h.Planner()
	assert.Less(t, p.NextChunkSize(301, "", "2025-01"), p.NextChunkSize(301, "", "2025-02"),
		"a dense month plans smaller chunks than an unseen one")
}
