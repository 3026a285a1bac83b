package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/logharvest/internal/core/domain"
	"github.com/vietddude/logharvest/internal/indexing/metrics"
)

// Queue is a shared queue of block ranges waiting to be harvested, with
// per-range locks and checkpoints so several workers can share it.
type Queue interface {
	Checkpointer
	PopRange(ctx context.Context) (domain.BlockRange, bool, error)
	PushRange(ctx context.Context, r domain.BlockRange) error
	Ranges(ctx context.Context) ([]domain.BlockRange, error)
	ReplaceRanges(ctx context.Context, ranges []domain.BlockRange) error
	AcquireLock(ctx context.Context, r domain.BlockRange, ttl time.Duration) (bool, error)
	RefreshLock(ctx context.Context, r domain.BlockRange, ttl time.Duration) error
	ReleaseLock(ctx context.Context, r domain.BlockRange) error
	LoadCheckpoint(ctx context.Context, r domain.BlockRange) (uint64, bool, error)
	ClearCheckpoint(ctx context.Context, r domain.BlockRange) error
}

// WorkerConfig holds configuration for the queue worker.
type WorkerConfig struct {
	LockTTL    time.Duration `yaml:"lock_ttl"`    // Lock TTL (default: 5m)
	EmptySleep time.Duration `yaml:"empty_sleep"` // Sleep when queue empty (default: 10s)
	ContractID string        `yaml:"-"`
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		LockTTL:    5 * time.Minute,
		EmptySleep: 10 * time.Second,
	}
}

// QueueWorker pops ranges from a Queue, harvests them and hands each chunk's
// items to a sink before checkpointing past it. Unfinished remainders go
// back on the queue.
type QueueWorker[T any] struct {
	cfg       WorkerConfig
	queue     Queue
	harvester *Harvester[T]
	fetch     FetchFunc[T]
	sink      SinkFunc[T]
	log       *slog.Logger
}

// NewQueueWorker creates a queue worker.
func NewQueueWorker[T any](
	cfg WorkerConfig,
	queue Queue,
	harvester *Harvester[T],
	fetch FetchFunc[T],
	sink SinkFunc[T],
) *QueueWorker[T] {
	d := DefaultWorkerConfig()
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = d.LockTTL
	}
	if cfg.EmptySleep <= 0 {
		cfg.EmptySleep = d.EmptySleep
	}
	return &QueueWorker[T]{
		cfg:       cfg,
		queue:     queue,
		harvester: harvester,
		fetch:     fetch,
		sink:      sink,
		log:       slog.Default().With("component", "harvest_worker", "contract", cfg.ContractID),
	}
}

// Run processes the queue until ctx is cancelled.
func (w *QueueWorker[T]) Run(ctx context.Context) error {
	w.log.Info("Starting harvest worker")

	for {
		if ctx.Err() != nil {
			w.log.Info("Harvest worker stopped")
			return nil
		}

		processed, err := w.RunOnce(ctx)
		if err != nil {
			w.log.Error("Failed to process range", "error", err)
		}
		if !processed || err != nil {
			if sleepCtx(ctx, w.cfg.EmptySleep) != nil {
				w.log.Info("Harvest worker stopped")
				return nil
			}
		}
	}
}

// RunOnce merges the queue, pops one range and harvests it. It reports
// whether a range was taken.
func (w *QueueWorker[T]) RunOnce(ctx context.Context) (bool, error) {
	if err := w.mergeQueueRanges(ctx); err != nil {
		w.log.Warn("Failed to merge ranges", "error", err)
	}

	r, found, err := w.queue.PopRange(ctx)
	if err != nil {
		return false, fmt.Errorf("pop range: %w", err)
	}
	if !found {
		return false, nil
	}
	w.updateQueueGauge(ctx)

	return true, w.processRange(ctx, r)
}

func (w *QueueWorker[T]) processRange(ctx context.Context, r domain.BlockRange) error {
	locked, err := w.queue.AcquireLock(ctx, r, w.cfg.LockTTL)
	if err != nil {
		w.requeue(ctx, r)
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		w.log.Debug("Range already locked by another worker", "range", r.String())
		return nil
	}
	defer func() {
		if err := w.queue.ReleaseLock(context.WithoutCancel(ctx), r); err != nil {
			w.log.Warn("Failed to release lock", "error", err)
		}
	}()

	work := r
	if next, ok, err := w.queue.LoadCheckpoint(ctx, r); err != nil {
		w.log.Warn("Failed to load checkpoint", "range", r.String(), "error", err)
	} else if ok && next > r.Start {
		if next > r.End {
			w.log.Info("Range already completed", "range", r.String())
			return w.clearCheckpoint(ctx, r)
		}
		work.Start = next
	}

	w.log.Info("Processing range", "range", r.String(), "resumeFrom", work.Start)

	res, herr := w.harvester.HarvestInto(ctx, work, w.fetch, w.sink,
		WithContractID(w.cfg.ContractID),
		WithCheckpoint(lockRefresher{Queue: w.queue, ttl: w.cfg.LockTTL, rng: r}),
		WithProgress(func(p Progress) {
			w.log.Info("Harvest progress",
				"range", r.String(),
				"percent", fmt.Sprintf("%.1f", p.Percentage),
				"items", p.Items,
				"eta", p.EstimatedRemaining.Round(time.Second),
			)
		}),
	)

	var harvestErr *HarvestError
	switch {
	case errors.As(herr, &harvestErr):
		w.requeue(ctx, domain.BlockRange{Start: harvestErr.Block, End: r.End})
		return herr
	case herr != nil:
		w.requeue(ctx, work)
		return herr
	case res.Cancelled:
		w.requeue(ctx, domain.BlockRange{Start: res.NextBlock, End: r.End})
		return nil
	}

	w.log.Info("Range completed", "range", r.String(), "items", len(res.Items))
	return w.clearCheckpoint(ctx, r)
}

func (w *QueueWorker[T]) clearCheckpoint(ctx context.Context, r domain.BlockRange) error {
	if err := w.queue.ClearCheckpoint(ctx, r); err != nil {
		w.log.Warn("Failed to clear checkpoint", "error", err)
	}
	return nil
}

func (w *QueueWorker[T]) requeue(ctx context.Context, r domain.BlockRange) {
	if r.Start > r.End {
		return
	}
	if err := w.queue.PushRange(context.WithoutCancel(ctx), r); err != nil {
		w.log.Error("Failed to re-queue range", "range", r.String(), "error", err)
		return
	}
	w.log.Info("Range re-queued", "range", r.String())
}

// mergeQueueRanges merges overlapping/adjacent ranges in the queue.
func (w *QueueWorker[T]) mergeQueueRanges(ctx context.Context) error {
	ranges, err := w.queue.Ranges(ctx)
	if err != nil {
		return err
	}
	if len(ranges) <= 1 {
		return nil
	}

	merged := domain.MergeRanges(ranges)
	if len(merged) == len(ranges) {
		return nil
	}

	w.log.Info("Merging ranges", "before", len(ranges), "after", len(merged))
	return w.queue.ReplaceRanges(ctx, merged)
}

func (w *QueueWorker[T]) updateQueueGauge(ctx context.Context) {
	ranges, err := w.queue.Ranges(ctx)
	if err != nil {
		return
	}
	metrics.HarvestQueueRanges.Set(float64(len(ranges)))
}

// lockRefresher saves checkpoints for the queued range and keeps its lock
// alive while the harvest runs.
type lockRefresher struct {
	Queue
	ttl time.Duration
	rng domain.BlockRange
}

func (l lockRefresher) SaveCheckpoint(ctx context.Context, _ domain.BlockRange, next uint64) error {
	if err := l.Queue.SaveCheckpoint(ctx, l.rng, next); err != nil {
		return err
	}
	return l.RefreshLock(ctx, l.rng, l.ttl)
}
