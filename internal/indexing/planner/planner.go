// Package planner sizes block windows for ranged log queries, learning
// from the outcome of previous requests.
package planner

import (
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/vietddude/logharvest/internal/core/domain"
	"github.com/vietddude/logharvest/internal/indexing/metrics"
)

const (
	baseWindow  = 20 // outcomes considered for the base size
	errorWindow = 10 // outcomes considered for the error multiplier

	densityKeep = 0.7 // EMA weight of the previous density
	densityNew  = 0.3
)

// Outcome is one observation of a chunk request.
type Outcome struct {
	ChunkSize uint64            `json:"chunk_size"`
	ItemCount uint64            `json:"item_count"`
	Duration  time.Duration     `json:"duration"`
	Success   bool              `json:"success"`
	Kind      domain.ErrorKind  `json:"error_kind,omitempty"`
	Range     domain.BlockRange `json:"range"`
}

func (o Outcome) density() float64 {
	if o.ChunkSize == 0 {
		return 0
	}
	return float64(o.ItemCount) / float64(o.ChunkSize)
}

// Stats is a snapshot of planner state.
type Stats struct {
	CurrentOptimalSize   uint64                      `json:"current_optimal_size"`
	TotalRequests        int                         `json:"total_requests"`
	SuccessRate          float64                     `json:"success_rate"`
	AverageChunkSize     uint64                      `json:"avg_chunk_size"`
	AverageDuration      time.Duration               `json:"avg_duration"`
	AverageDensity       float64                     `json:"avg_density"`
	ConsecutiveSuccesses int                         `json:"consecutive_successes"`
	ConsecutiveErrors    int                         `json:"consecutive_errors"`
	Errors               map[domain.ErrorKind]uint64 `json:"errors"`
	KnownContracts       int                         `json:"known_contracts"`
	ContractDensities    map[string]float64          `json:"contract_densities,omitempty"`
}

// Planner computes chunk sizes. It is safe for concurrent use.
type Planner struct {
	name   string
	config Config
	logger *slog.Logger

	mu                   sync.Mutex
	history              *history
	errors               map[domain.ErrorKind]uint64
	contractDensity      map[string]float64
	periodDensity        map[string]float64
	highActivity         map[string]struct{}
	consecutiveSuccesses int
	consecutiveErrors    int
	currentOptimal       uint64
}

// New creates a planner. Zero config fields take their defaults.
func New(name string, cfg Config) (*Planner, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Planner{
		name:   name,
		config: cfg,
		logger: slog.Default().With("component", "planner", "planner", name),
	}
	p.highActivity = make(map[string]struct{}, len(cfg.HighActivityPeriods))
	for _, period := range cfg.HighActivityPeriods {
		p.highActivity[period] = struct{}{}
	}
	p.history = newHistory(cfg.HistorySize)
	p.resetLocked()
	return p, nil
}

// Config returns the effective configuration.
func (p *Planner) Config() Config {
	return p.config
}

// NextChunkSize returns the window size for a request starting at start.
// contractID and period may be empty.
func (p *Planner) NextChunkSize(start uint64, contractID, period string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	base := p.baseSize()
	contractMul := p.contractMultiplier(contractID)
	periodMul := p.periodMultiplier(period)
	errorMul := p.errorMultiplier()

	size := p.clamp(math.Round(float64(base) * contractMul * periodMul * errorMul))
	p.currentOptimal = size
	metrics.PlannerChunkSize.WithLabelValues(p.name).Set(float64(size))

	p.logger.Debug("chunk size computed",
		"start", start,
		"size", size,
		"base", base,
		"contract_mul", contractMul,
		"period_mul", periodMul,
		"error_mul", errorMul,
	)
	return size
}

// baseSize targets ItemsPerResponse using the average density of recent
// successful chunks that returned items. Payload-too-large observations
// carrying an item count count as high-density samples.
func (p *Planner) baseSize() uint64 {
	var sum float64
	var n int
	for _, o := range p.history.last(baseWindow) {
		if o.ItemCount == 0 || o.ChunkSize == 0 {
			continue
		}
		if o.Success || o.Kind == domain.ErrorKindPayloadTooLarge {
			sum += o.density()
			n++
		}
	}
	if n == 0 {
		return p.config.InitialChunkSize
	}
	avg := sum / float64(n)
	if avg <= 0 {
		return p.config.InitialChunkSize
	}
	return p.clamp(float64(p.config.ItemsPerResponse) / avg)
}

func (p *Planner) contractMultiplier(contractID string) float64 {
	if contractID == "" {
		return 1.0
	}
	d, ok := p.contractDensity[contractID]
	if !ok {
		return 1.0
	}
	switch {
	case d > 2.0:
		return 0.3
	case d > 1.0:
		return 0.6
	case d > 0.5:
		return 0.8
	default:
		return 1.5
	}
}

func (p *Planner) periodMultiplier(period string) float64 {
	if period == "" {
		return 1.0
	}
	if _, ok := p.highActivity[period]; ok {
		return 0.4
	}
	if d, ok := p.periodDensity[period]; ok {
		return min(2.0, max(0.2, 1.0/max(0.5, d)))
	}
	return 1.0
}

func (p *Planner) errorMultiplier() float64 {
	if p.history.len() == 0 {
		return 1.0
	}
	var failures, payload, timeouts int
	for _, o := range p.history.last(errorWindow) {
		if o.Success {
			continue
		}
		failures++
		switch o.Kind {
		case domain.ErrorKindPayloadTooLarge:
			payload++
		case domain.ErrorKindTimeout:
			timeouts++
		}
	}

	switch {
	case failures == 0:
		return min(1.2, 1.0+0.05*float64(p.consecutiveSuccesses))
	case payload > 0:
		return max(0.1, math.Pow(0.5, float64(payload)))
	case timeouts > 0:
		return max(0.3, math.Pow(0.8, float64(timeouts)))
	default:
		return max(0.7, 1.0-0.1*float64(failures))
	}
}

func (p *Planner) clamp(size float64) uint64 {
	if size < float64(p.config.MinChunkSize) {
		return p.config.MinChunkSize
	}
	if size > float64(p.config.MaxChunkSize) {
		return p.config.MaxChunkSize
	}
	return uint64(size)
}

// RecordOutcome adds an observation to the history. Successful chunks that
// returned items update the contract's density estimate.
func (p *Planner) RecordOutcome(o Outcome, contractID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recordLocked(o, contractID)
}

func (p *Planner) recordLocked(o Outcome, contractID string) {
	if !o.Success && o.Kind == domain.ErrorKindNone {
		o.Kind = domain.ErrorKindUnknown
	}
	p.history.push(o)

	if o.Success {
		p.consecutiveSuccesses++
		p.consecutiveErrors = 0
	} else {
		p.consecutiveErrors++
		p.consecutiveSuccesses = 0
		p.errors[o.Kind]++
	}

	if contractID != "" && o.Success && o.ItemCount > 0 && o.ChunkSize > 0 {
		d := o.density()
		if old, ok := p.contractDensity[contractID]; ok {
			d = densityKeep*old + densityNew*d
		}
		p.contractDensity[contractID] = d
	}
}

// RecordPeriodDensity updates the density estimate for a calendar period.
func (p *Planner) RecordPeriodDensity(period string, density float64) {
	if period == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.periodDensity[period]; ok {
		density = densityKeep*old + densityNew*density
	}
	p.periodDensity[period] = density
}

// HandlePayloadTooLarge records a high-density failure for current and
// returns the size to retry with.
func (p *Planner) HandlePayloadTooLarge(current uint64) uint64 {
	next := max(p.config.MinChunkSize, current/4)

	p.mu.Lock()
	p.recordLocked(Outcome{
		ChunkSize: current,
		ItemCount: 2 * p.config.ItemsPerResponse,
		Kind:      domain.ErrorKindPayloadTooLarge,
	}, "")
	p.mu.Unlock()

	p.logger.Warn("payload too large, shrinking chunk", "from", current, "to", next)
	return next
}

// HandleTimeout records a timeout for current and returns the size to retry
// with.
func (p *Planner) HandleTimeout(current uint64) uint64 {
	return p.shrink(current, domain.ErrorKindTimeout, "timeout, shrinking chunk")
}

// HandleRateLimited records a rate-limit rejection for current and returns
// the size to retry with.
func (p *Planner) HandleRateLimited(current uint64) uint64 {
	return p.shrink(current, domain.ErrorKindRateLimited, "rate limited, shrinking chunk")
}

func (p *Planner) shrink(current uint64, kind domain.ErrorKind, msg string) uint64 {
	next := max(p.config.MinChunkSize, uint64(float64(current)*0.7))

	p.mu.Lock()
	p.recordLocked(Outcome{
		ChunkSize: current,
		Kind:      kind,
	}, "")
	p.mu.Unlock()

	p.logger.Warn(msg, "from", current, "to", next)
	return next
}

// SuggestPlan returns chunks covering totalBlocks blocks from startBlock,
// sized as NextChunkSize would size them at each chunk's start.
func (p *Planner) SuggestPlan(totalBlocks, startBlock uint64, contractID string) []domain.BlockRange {
	if totalBlocks == 0 {
		return nil
	}
	last := startBlock + (totalBlocks - 1)
	if last < startBlock {
		last = math.MaxUint64
	}

	var plan []domain.BlockRange
	cur := startBlock
	for {
		size := p.NextChunkSize(cur, contractID, "")
		end := cur + (size - 1)
		if end < cur || end > last {
			end = last
		}
		plan = append(plan, domain.BlockRange{Start: cur, End: end})
		if end == last {
			break
		}
		cur = end + 1
	}

	p.logger.Info("plan generated", "chunks", len(plan), "blocks", totalBlocks)
	return plan
}

// CurrentOptimalSize returns the last size computed.
func (p *Planner) CurrentOptimalSize() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentOptimal
}

// Stats returns a snapshot of the planner's learning state.
func (p *Planner) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		CurrentOptimalSize:   p.currentOptimal,
		TotalRequests:        p.history.len(),
		ConsecutiveSuccesses: p.consecutiveSuccesses,
		ConsecutiveErrors:    p.consecutiveErrors,
		Errors:               make(map[domain.ErrorKind]uint64, len(p.errors)),
		KnownContracts:       len(p.contractDensity),
		ContractDensities:    make(map[string]float64, len(p.contractDensity)),
	}
	for k, v := range p.errors {
		s.Errors[k] = v
	}
	for k, v := range p.contractDensity {
		s.ContractDensities[k] = v
	}

	var successes int
	var sizeSum uint64
	var durSum time.Duration
	var densSum float64
	for _, o := range p.history.last(p.history.len()) {
		if !o.Success {
			continue
		}
		successes++
		sizeSum += o.ChunkSize
		durSum += o.Duration
		densSum += o.density()
	}
	if s.TotalRequests > 0 {
		s.SuccessRate = float64(successes) / float64(s.TotalRequests)
	}
	if successes > 0 {
		s.AverageChunkSize = sizeSum / uint64(successes)
		s.AverageDuration = durSum / time.Duration(successes)
		s.AverageDensity = densSum / float64(successes)
	}
	return s
}

// History returns recorded outcomes, oldest first.
func (p *Planner) History() []Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.history.last(p.history.len()))
}

// Reset clears all learned state.
func (p *Planner) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	p.logger.Info("planner reset")
}

func (p *Planner) resetLocked() {
	p.history.reset()
	p.errors = make(map[domain.ErrorKind]uint64)
	p.contractDensity = make(map[string]float64)
	p.periodDensity = make(map[string]float64)
	p.consecutiveSuccesses = 0
	p.consecutiveErrors = 0
	p.currentOptimal = p.config.InitialChunkSize
}
