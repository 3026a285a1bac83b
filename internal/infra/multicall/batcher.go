// Package multicall folds many independent read calls into aggregator
// round trips and decodes each result independently.
package multicall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/logharvest/internal/indexing/metrics"
)

// BatchLimit is the default number of calls per aggregator call.
const BatchLimit = 50

// ErrCallReverted marks a call that reverted inside the aggregator.
var ErrCallReverted = errors.New("call reverted")

// Caller executes eth_call. *rpc.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, to common.Address, data []byte, block *big.Int) ([]byte, error)
}

// Call is one read call submitted to a batch.
type Call struct {
	ID       string
	Target   common.Address
	CallData []byte
	Decode   Decoder // nil keeps the raw return data
}

// BatchResult is the outcome of one submitted call, reported at the same
// index the call was submitted at.
type BatchResult struct {
	ID          string
	Target      common.Address
	Success     bool
	ReturnData  []byte
	Value       any
	DecodeError string
	Err         error
	Fallback    bool // resolved by an individual call after the aggregator failed
}

// Config holds batcher settings.
type Config struct {
	Address    string `yaml:"address"`
	BatchLimit int    `yaml:"batch_limit"`
}

// DefaultConfig returns the shared Multicall3 address and a batch limit of 50.
func DefaultConfig() Config {
	return Config{Address: DefaultAddress.Hex(), BatchLimit: BatchLimit}
}

// Stats counts round trips made against the logical calls they served.
type Stats struct {
	LogicalCalls    uint64  `json:"logical_calls"`
	AggregateCalls  uint64  `json:"aggregate_calls"`
	IndividualCalls uint64  `json:"individual_calls"`
	CallsMade       uint64  `json:"calls_made"`
	CallsSaved      uint64  `json:"calls_saved"`
	Fallbacks       uint64  `json:"fallbacks"`
	Reverts         uint64  `json:"reverts"`
	DecodeErrors    uint64  `json:"decode_errors"`
	SavingsRate     float64 `json:"savings_rate"`
}

// Batcher executes calls through a Multicall3 aggregator.
type Batcher struct {
	caller  Caller
	address common.Address
	limit   int
	logger  *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// NewBatcher creates a batcher.
func NewBatcher(caller Caller, cfg Config) (*Batcher, error) {
	addr := DefaultAddress
	if cfg.Address != "" {
		if !common.IsHexAddress(cfg.Address) {
			return nil, fmt.Errorf("invalid multicall address %q", cfg.Address)
		}
		addr = common.HexToAddress(cfg.Address)
	}
	limit := cfg.BatchLimit
	if limit <= 0 {
		limit = BatchLimit
	}
	return &Batcher{
		caller:  caller,
		address: addr,
		limit:   limit,
		logger:  slog.Default().With("component", "multicall"),
	}, nil
}

// ExecuteBatch runs calls at block (nil = latest) and returns one result per
// call in input order. Individual failures are reported per result; the
// only error returned is context cancellation.
func (b *Batcher) ExecuteBatch(ctx context.Context, calls []Call, block *big.Int) ([]BatchResult, error) {
	results := make([]BatchResult, 0, len(calls))
	for start := 0; start < len(calls); start += b.limit {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		end := min(start+b.limit, len(calls))
		group, err := b.executeGroup(ctx, calls[start:end], block)
		results = append(results, group...)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (b *Batcher) executeGroup(ctx context.Context, calls []Call, block *big.Int) ([]BatchResult, error) {
	b.count(func(s *Stats) {
		s.LogicalCalls += uint64(len(calls))
		s.AggregateCalls++
	})
	metrics.MulticallAggregates.Inc()

	aggResults, err := b.aggregate(ctx, calls, block)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.logger.Warn("aggregate call failed, falling back to individual calls",
			"calls", len(calls),
			"error", err,
		)
		b.count(func(s *Stats) { s.Fallbacks++ })
		metrics.MulticallFallbacks.Inc()
		return b.fallback(ctx, calls, block)
	}

	saved := uint64(len(calls) - 1)
	b.count(func(s *Stats) { s.CallsSaved += saved })
	metrics.MulticallCallsSaved.Add(float64(saved))

	results := make([]BatchResult, len(calls))
	for i, call := range calls {
		r := aggResults[i]
		if !r.Success {
			results[i] = BatchResult{ID: call.ID, Target: call.Target, ReturnData: r.ReturnData, Err: ErrCallReverted}
			b.count(func(s *Stats) { s.Reverts++ })
			continue
		}
		results[i] = b.decode(call, r.ReturnData)
	}
	return results, nil
}

func (b *Batcher) aggregate(ctx context.Context, calls []Call, block *big.Int) ([]aggResult, error) {
	data, err := packTryAggregate(calls)
	if err != nil {
		return nil, fmt.Errorf("pack tryAggregate: %w", err)
	}
	raw, err := b.caller.CallContract(ctx, b.address, data, block)
	if err != nil {
		return nil, err
	}
	results, err := unpackTryAggregate(raw)
	if err != nil {
		return nil, fmt.Errorf("unpack tryAggregate: %w", err)
	}
	if len(results) != len(calls) {
		return nil, fmt.Errorf("tryAggregate returned %d results for %d calls", len(results), len(calls))
	}
	return results, nil
}

func (b *Batcher) fallback(ctx context.Context, calls []Call, block *big.Int) ([]BatchResult, error) {
	results := make([]BatchResult, len(calls))
	for i, call := range calls {
		if err := ctx.Err(); err != nil {
			return results[:i], err
		}
		b.count(func(s *Stats) { s.IndividualCalls++ })
		raw, err := b.caller.CallContract(ctx, call.Target, call.CallData, block)
		if err != nil {
			results[i] = BatchResult{ID: call.ID, Target: call.Target, Err: err, Fallback: true}
			continue
		}
		results[i] = b.decode(call, raw)
		results[i].Fallback = true
	}
	return results, nil
}

func (b *Batcher) decode(call Call, data []byte) BatchResult {
	res := BatchResult{ID: call.ID, Target: call.Target, ReturnData: data, Success: true}
	if call.Decode == nil {
		res.Value = data
		return res
	}

	value, err := safeDecode(call.Decode, data)
	if err != nil {
		b.count(func(s *Stats) { s.DecodeErrors++ })
		res.Success = false
		res.DecodeError = err.Error()
		res.Err = err
		return res
	}
	res.Value = value
	return res
}

// safeDecode turns a decoder panic into an error so one bad decoder cannot
// take down the batch.
func safeDecode(d Decoder, data []byte) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decoder panic: %v", r)
		}
	}()
	return d(data)
}

func (b *Batcher) count(fn func(*Stats)) {
	b.mu.Lock()
	fn(&b.stats)
	b.mu.Unlock()
}

// Stats returns a snapshot of counters.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stats
	s.CallsMade = s.AggregateCalls + s.IndividualCalls
	if s.LogicalCalls > 0 {
		s.SavingsRate = float64(s.CallsSaved) / float64(s.LogicalCalls)
	}
	return s
}

// Address returns the aggregator address.
func (b *Batcher) Address() common.Address {
	return b.address
}
