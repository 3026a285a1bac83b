// Package harvest walks a block range in adaptively sized chunks, calling a
// fetch function per chunk and recovering from provider limits by
// splitting or shrinking the window.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/logharvest/internal/core/domain"
	"github.com/vietddude/logharvest/internal/indexing/metrics"
	"github.com/vietddude/logharvest/internal/indexing/planner"
	"github.com/vietddude/logharvest/internal/infra/rpc/provider"
)

// FetchFunc fetches the items of one chunk.
type FetchFunc[T any] func(ctx context.Context, r domain.BlockRange) ([]T, error)

// SinkFunc receives the items of a harvested range.
type SinkFunc[T any] func(ctx context.Context, r domain.BlockRange, items []T) error

// Classifier maps a fetch error to an error kind.
type Classifier func(err error) domain.ErrorKind

// Config holds harvester settings.
type Config struct {
	MaxRetries    int           `yaml:"max_retries"`     // Consecutive failures allowed at the minimum size (default: 5)
	RetryDelay    time.Duration `yaml:"retry_delay"`     // First backoff delay (default: 1s)
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"` // Backoff cap (default: 30s)
	ProgressEvery int           `yaml:"progress_every"`  // Report progress at least every N chunks (default: 10)

	// Classify maps fetch errors to kinds. Defaults to provider.KindOf.
	Classify Classifier `yaml:"-"`
}

// DefaultConfig returns default harvester configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    5,
		RetryDelay:    time.Second,
		MaxRetryDelay: 30 * time.Second,
		ProgressEvery: 10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = max(d.MaxRetryDelay, c.RetryDelay)
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = d.ProgressEvery
	}
	if c.Classify == nil {
		c.Classify = provider.KindOf
	}
	return c
}

// Progress is an advisory snapshot of a running harvest.
type Progress struct {
	Range              domain.BlockRange `json:"range"`
	ProcessedBlocks    uint64            `json:"processed_blocks"`
	TotalBlocks        uint64            `json:"total_blocks"`
	Percentage         float64           `json:"percentage"`
	Chunks             int               `json:"chunks"`
	Items              int               `json:"items"`
	Elapsed            time.Duration     `json:"elapsed"`
	EstimatedRemaining time.Duration     `json:"estimated_remaining"`
}

// Result is what a harvest collected.
type Result[T any] struct {
	Items     []T
	Range     domain.BlockRange
	NextBlock uint64 // first block not harvested; Range.End+1 when done
	Done      bool
	Cancelled bool
	Chunks    int
	Splits    int
	Retries   int
	Duration  time.Duration
}

// HarvestError reports the block at which a harvest became unrecoverable.
// Harvesting can resume from Block.
type HarvestError struct {
	Block uint64
	Kind  domain.ErrorKind
	Err   error
}

func (e *HarvestError) Error() string {
	return fmt.Sprintf("harvest failed at block %d (%s): %v", e.Block, e.Kind, e.Err)
}

func (e *HarvestError) Unwrap() error { return e.Err }

// ErrMinChunkTooLarge is reported when a chunk at the minimum size is still
// rejected as too large.
var ErrMinChunkTooLarge = errors.New("payload too large at minimum chunk size")

// Checkpointer persists harvest progress.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, r domain.BlockRange, next uint64) error
}

// PeriodFunc maps a block to a calendar period ("2006-01") for sizing.
type PeriodFunc func(block uint64) string

// Option customises a single harvest.
type Option func(*runOptions)

type runOptions struct {
	contractID string
	period     PeriodFunc
	onProgress func(Progress)
	checkpoint Checkpointer
}

// WithContractID scopes planner density learning to a contract.
func WithContractID(id string) Option {
	return func(o *runOptions) { o.contractID = id }
}

// WithPeriod supplies the calendar period of each chunk start.
func WithPeriod(fn PeriodFunc) Option {
	return func(o *runOptions) { o.period = fn }
}

// WithProgress registers a progress callback.
func WithProgress(fn func(Progress)) Option {
	return func(o *runOptions) { o.onProgress = fn }
}

// WithCheckpoint saves the cursor after every completed chunk.
func WithCheckpoint(cp Checkpointer) Option {
	return func(o *runOptions) { o.checkpoint = cp }
}

// Harvester drives one planner over block ranges. A single Harvester runs
// one harvest at a time.
type Harvester[T any] struct {
	planner *planner.Planner
	cfg     Config
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time

	mu   sync.Mutex
	last Progress
}

// New creates a harvester over p.
func New[T any](p *planner.Planner, cfg Config) *Harvester[T] {
	return &Harvester[T]{
		planner: p,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default().With("component", "harvest"),
		sleep:   sleepCtx,
		now:     time.Now,
	}
}

// Planner returns the planner driving chunk sizes.
func (h *Harvester[T]) Planner() *planner.Planner {
	return h.planner
}

// LastProgress returns the most recent progress snapshot.
func (h *Harvester[T]) LastProgress() Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// run is the state of one harvest.
type run[T any] struct {
	r       domain.BlockRange
	opts    runOptions
	sink    SinkFunc[T]
	started time.Time

	result  Result[T]
	cursor  uint64
	pending []domain.BlockRange // LIFO; top is the next chunk
	cap     uint64              // size ceiling after a timeout, 0 when unset

	fromPending bool   // current chunk came off the stack
	period      string // calendar period of the current chunk start

	failures        int // consecutive timeouts or rate limits
	failuresAtMin   int
	reportedDecile  int
	chunksSinceNote int
}

// Harvest fetches every block in r exactly once, in order. On a fatal
// error the items collected so far are returned together with a
// *HarvestError. Cancellation between chunks returns the partial result
// with Cancelled set and a nil error.
func (h *Harvester[T]) Harvest(ctx context.Context, r domain.BlockRange, fetch FetchFunc[T], opts ...Option) (Result[T], error) {
	return h.harvest(ctx, r, fetch, nil, opts)
}

// HarvestInto is Harvest with each fetched chunk handed to sink before the
// cursor moves past it. A checkpoint never covers blocks the sink has not
// accepted; a sink error ends the harvest with a *HarvestError at the
// chunk's first block.
func (h *Harvester[T]) HarvestInto(ctx context.Context, r domain.BlockRange, fetch FetchFunc[T], sink SinkFunc[T], opts ...Option) (Result[T], error) {
	return h.harvest(ctx, r, fetch, sink, opts)
}

func (h *Harvester[T]) harvest(ctx context.Context, r domain.BlockRange, fetch FetchFunc[T], sink SinkFunc[T], opts []Option) (Result[T], error) {
	if r.Start > r.End {
		return Result[T]{Range: r}, domain.ErrInvalidRange
	}

	st := &run[T]{r: r, sink: sink, started: h.now(), cursor: r.Start}
	st.result.Range = r
	for _, opt := range opts {
		opt(&st.opts)
	}

	h.logger.Info("harvest started", "range", r.String(), "blocks", r.Size(), "contract", st.opts.contractID)

	err := h.loop(ctx, st, fetch)

	st.result.NextBlock = st.cursor
	st.result.Duration = h.now().Sub(st.started)
	if err != nil {
		var herr *HarvestError
		if errors.As(err, &herr) {
			h.logger.Error("harvest failed",
				"range", r.String(),
				"block", herr.Block,
				"kind", herr.Kind,
				"error", herr.Err,
			)
		}
		return st.result, err
	}

	if st.result.Cancelled {
		h.logger.Warn("harvest cancelled", "range", r.String(), "next_block", st.cursor, "items", len(st.result.Items))
		return st.result, nil
	}

	st.result.Done = true
	h.report(st, true)
	h.logger.Info("harvest completed",
		"range", r.String(),
		"items", len(st.result.Items),
		"chunks", st.result.Chunks,
		"splits", st.result.Splits,
		"duration", st.result.Duration,
	)
	return st.result, nil
}

func (h *Harvester[T]) loop(ctx context.Context, st *run[T], fetch FetchFunc[T]) error {
	for {
		if ctx.Err() != nil {
			st.result.Cancelled = true
			return nil
		}

		chunk := h.nextChunk(st)
		began := h.now()
		items, err := fetch(ctx, chunk)
		took := h.now().Sub(began)

		if err == nil {
			if err := h.store(ctx, st, chunk, items); err != nil {
				return err
			}
			h.record(ctx, st, chunk, items, took)
			if chunk.End == st.r.End {
				return nil
			}
			continue
		}

		if ctx.Err() != nil {
			st.result.Cancelled = true
			return nil
		}

		if err := h.recover(ctx, st, chunk, err); err != nil {
			return err
		}
	}
}

func (h *Harvester[T]) nextChunk(st *run[T]) domain.BlockRange {
	if n := len(st.pending); n > 0 {
		chunk := st.pending[n-1]
		st.pending = st.pending[:n-1]
		st.fromPending = true
		st.period = h.periodOf(st, chunk.Start)
		return chunk
	}
	st.fromPending = false

	st.period = h.periodOf(st, st.cursor)
	size := h.planner.NextChunkSize(st.cursor, st.opts.contractID, st.period)
	if st.cap > 0 {
		size = min(size, st.cap)
	}
	end := st.cursor + (size - 1)
	if end < st.cursor || end > st.r.End {
		end = st.r.End
	}
	return domain.BlockRange{Start: st.cursor, End: end}
}

func (h *Harvester[T]) periodOf(st *run[T], block uint64) string {
	if st.opts.period == nil {
		return ""
	}
	return st.opts.period(block)
}

// store hands a fetched chunk to the sink, if any.
func (h *Harvester[T]) store(ctx context.Context, st *run[T], chunk domain.BlockRange, items []T) error {
	if st.sink == nil || len(items) == 0 {
		return nil
	}
	if err := st.sink(ctx, chunk, items); err != nil {
		metrics.HarvestChunks.WithLabelValues("fatal").Inc()
		return &HarvestError{
			Block: chunk.Start,
			Kind:  domain.ErrorKindUnknown,
			Err:   fmt.Errorf("store range %s: %w", chunk, err),
		}
	}
	return nil
}

func (h *Harvester[T]) record(ctx context.Context, st *run[T], chunk domain.BlockRange, items []T, took time.Duration) {
	h.planner.RecordOutcome(planner.Outcome{
		ChunkSize: chunk.Size(),
		ItemCount: uint64(len(items)),
		Duration:  took,
		Success:   true,
		Range:     chunk,
	}, st.opts.contractID)
	if st.period != "" && chunk.Size() > 0 {
		h.planner.RecordPeriodDensity(st.period, float64(len(items))/float64(chunk.Size()))
	}

	st.result.Items = append(st.result.Items, items...)
	st.result.Chunks++
	st.failures = 0
	st.failuresAtMin = 0
	st.cap = 0
	st.chunksSinceNote++
	if chunk.End < st.r.End {
		st.cursor = chunk.End + 1
	} else {
		st.cursor = chunk.End
		if st.cursor < ^uint64(0) {
			st.cursor++
		}
	}

	metrics.HarvestChunks.WithLabelValues("success").Inc()
	metrics.HarvestItems.Add(float64(len(items)))
	metrics.HarvestBlocks.Add(float64(chunk.Size()))

	h.logger.Debug("chunk fetched", "range", chunk.String(), "items", len(items), "took", took)

	if st.opts.checkpoint != nil {
		if err := st.opts.checkpoint.SaveCheckpoint(ctx, st.r, st.cursor); err != nil {
			h.logger.Warn("Failed to save checkpoint", "range", st.r.String(), "error", err)
		}
	}
	h.report(st, false)
}

// recover decides how to continue after a failed chunk. A non-nil return
// ends the harvest.
func (h *Harvester[T]) recover(ctx context.Context, st *run[T], chunk domain.BlockRange, err error) error {
	kind := h.cfg.Classify(err)
	minSize := h.planner.Config().MinChunkSize

	switch kind {
	case domain.ErrorKindPayloadTooLarge:
		if chunk.Size() < 2*minSize {
			return h.fatal(st, chunk, kind, fmt.Errorf("%w: %w", ErrMinChunkTooLarge, err))
		}
		left, right, ok := chunk.Bisect()
		if !ok {
			return h.fatal(st, chunk, kind, fmt.Errorf("%w: %w", ErrMinChunkTooLarge, err))
		}
		h.planner.HandlePayloadTooLarge(chunk.Size())
		st.pending = append(st.pending, right, left)
		st.result.Splits++
		metrics.HarvestChunks.WithLabelValues("split").Inc()
		metrics.HarvestSplits.Inc()
		h.logger.Debug("chunk split", "range", chunk.String(), "left", left.String(), "right", right.String())
		return nil

	case domain.ErrorKindTimeout, domain.ErrorKindRateLimited:
		st.failures++
		st.result.Retries++
		if chunk.Size() <= minSize {
			st.failuresAtMin++
			if st.failuresAtMin >= h.cfg.MaxRetries {
				return h.fatal(st, chunk, kind, fmt.Errorf("giving up after %d retries at minimum chunk size: %w", st.failuresAtMin, err))
			}
		}

		var next uint64
		if kind == domain.ErrorKindRateLimited {
			next = h.planner.HandleRateLimited(chunk.Size())
		} else {
			next = h.planner.HandleTimeout(chunk.Size())
		}
		h.retryShrunk(st, chunk, next)
		metrics.HarvestChunks.WithLabelValues("retry").Inc()

		delay := h.backoff(st.failures)
		h.logger.Warn("chunk failed, retrying smaller",
			"range", chunk.String(),
			"kind", kind,
			"next_size", next,
			"delay", delay,
			"error", err,
		)
		if err := h.sleep(ctx, delay); err != nil {
			st.result.Cancelled = true
		}
		return nil

	default:
		return h.fatal(st, chunk, kind, err)
	}
}

// retryShrunk queues chunk again from the same block with at most size
// blocks. Chunks taken from the pending stack keep their remainder on the
// stack; planned chunks cap the next planned size instead.
func (h *Harvester[T]) retryShrunk(st *run[T], chunk domain.BlockRange, size uint64) {
	size = max(size, 1)
	if !st.fromPending {
		st.cap = size
		return
	}
	if chunk.Size() <= size {
		st.pending = append(st.pending, chunk)
		return
	}
	head := domain.BlockRange{Start: chunk.Start, End: chunk.Start + size - 1}
	st.pending = append(st.pending, domain.BlockRange{Start: head.End + 1, End: chunk.End}, head)
}

func (h *Harvester[T]) fatal(st *run[T], chunk domain.BlockRange, kind domain.ErrorKind, err error) error {
	h.planner.RecordOutcome(planner.Outcome{
		ChunkSize: chunk.Size(),
		Kind:      kind,
		Range:     chunk,
	}, st.opts.contractID)
	metrics.HarvestChunks.WithLabelValues("fatal").Inc()
	return &HarvestError{Block: chunk.Start, Kind: kind, Err: err}
}

func (h *Harvester[T]) backoff(attempt int) time.Duration {
	delay := h.cfg.RetryDelay
	for i := 1; i < attempt && delay < h.cfg.MaxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, h.cfg.MaxRetryDelay)
}

// report publishes progress when another 10% is done, every ProgressEvery
// chunks, or at completion.
func (h *Harvester[T]) report(st *run[T], final bool) {
	total := st.r.Size()
	processed := st.cursor - st.r.Start
	if final || processed > total {
		processed = total
	}
	pct := 100.0
	if total > 0 {
		pct = float64(processed) / float64(total) * 100
	}
	decile := int(pct / 10)

	if !final && decile <= st.reportedDecile && st.chunksSinceNote < h.cfg.ProgressEvery {
		return
	}
	st.reportedDecile = max(st.reportedDecile, decile)
	st.chunksSinceNote = 0

	elapsed := h.now().Sub(st.started)
	var remaining time.Duration
	if processed > 0 && processed < total {
		remaining = time.Duration(float64(elapsed) * float64(total-processed) / float64(processed))
	}
	p := Progress{
		Range:              st.r,
		ProcessedBlocks:    processed,
		TotalBlocks:        total,
		Percentage:         pct,
		Chunks:             st.result.Chunks,
		Items:              len(st.result.Items),
		Elapsed:            elapsed,
		EstimatedRemaining: remaining,
	}

	h.mu.Lock()
	h.last = p
	h.mu.Unlock()

	if st.opts.onProgress != nil {
		st.opts.onProgress(p)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
