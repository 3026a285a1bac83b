package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"

	"github.com/vietddude/logharvest/internal/core/domain"
	"github.com/vietddude/logharvest/internal/indexing/metrics"
	"github.com/vietddude/logharvest/internal/infra/rpc/budget"
	"github.com/vietddude/logharvest/internal/infra/rpc/provider"
	"github.com/vietddude/logharvest/internal/infra/rpc/routing"
)

// BlockHeader holds the block fields the engine reads.
type BlockHeader struct {
	Number    uint64      `json:"number"`
	Hash      common.Hash `json:"hash"`
	Timestamp uint64      `json:"timestamp"`
	GasUsed   uint64      `json:"gas_used"`
	GasLimit  uint64      `json:"gas_limit"`
}

// Client is the high-level interface for making RPC calls.
// This is what application layers should use.
type Client struct {
	router  *routing.Router
	budget  budget.Tracker
	limiter *rate.Limiter
	retry   routing.RetryConfig
	logger  *slog.Logger
}

// NewClient builds a client with one HTTP provider per configured endpoint.
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Providers) == 0 {
		return nil, errors.New("rpc: at least one provider is required")
	}
	defaults := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	router := routing.NewRouter(routing.DefaultCircuitConfig)
	for i, pc := range cfg.Providers {
		if pc.URL == "" {
			return nil, fmt.Errorf("rpc: provider %d has no url", i)
		}
		name := pc.Name
		if name == "" {
			name = fmt.Sprintf("provider-%d", i)
		}
		router.AddProvider(provider.NewHTTPProvider(name, pc.URL, cfg.Timeout))
	}

	return NewClientWithRouter(router, budget.NewCreditTracker(cfg.Budget), cfg), nil
}

// NewClientWithRouter creates a client over an existing router and tracker.
func NewClientWithRouter(router *routing.Router, tracker budget.Tracker, cfg Config) *Client {
	limit := rate.Inf
	burst := max(cfg.Burst, 1)
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	retry := routing.DefaultRetryConfig
	if cfg.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.MaxAttempts
	}

	return &Client{
		router:  router,
		budget:  tracker,
		limiter: rate.NewLimiter(limit, burst),
		retry:   retry,
		logger:  slog.Default().With("component", "rpc"),
	}
}

// Call makes a raw JSON-RPC call with pacing, failover and credit accounting.
func (c *Client) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if delay := c.budget.GetThrottleDelay(); delay > 0 {
		c.logger.Debug("credit projection over allowance, slowing down", "delay", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	result, used, err := routing.CallWithFailover(ctx, c.router, method, params, c.retry)
	metrics.RPCLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if used != "" {
		metrics.RPCCallsTotal.WithLabelValues(used, method).Inc()
	}
	if err == nil || billed(err) {
		c.budget.RecordCall(method)
		metrics.RPCCreditsUsed.WithLabelValues(method).Add(float64(c.budget.CostOf(method)))
	}
	if err != nil {
		kind := KindOf(err)
		metrics.RPCErrorsTotal.WithLabelValues(method, string(kind)).Inc()
		c.logger.Debug("rpc call failed", "method", method, "provider", used, "kind", kind, "error", err)
		return nil, err
	}
	return result, nil
}

// billed reports whether the provider answered, which is when credits are charged.
func billed(err error) bool {
	var rpcErr *provider.Error
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.StatusCode != 0 || rpcErr.Code != 0
}

// GetLatestBlockNumber returns the current head.
func (c *Client) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	raw, err := c.Call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	var n hexutil.Uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("decode block number: %w", err)
	}
	return uint64(n), nil
}

// GetBlock fetches a block header by number.
func (c *Client) GetBlock(ctx context.Context, number uint64) (*BlockHeader, error) {
	raw, err := c.Call(ctx, "eth_getBlockByNumber", []any{hexutil.EncodeUint64(number), false})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("block %d not found", number)
	}

	var b struct {
		Number    hexutil.Uint64 `json:"number"`
		Hash      common.Hash    `json:"hash"`
		Timestamp hexutil.Uint64 `json:"timestamp"`
		GasUsed   hexutil.Uint64 `json:"gasUsed"`
		GasLimit  hexutil.Uint64 `json:"gasLimit"`
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode block %d: %w", number, err)
	}
	return &BlockHeader{
		Number:    uint64(b.Number),
		Hash:      b.Hash,
		Timestamp: uint64(b.Timestamp),
		GasUsed:   uint64(b.GasUsed),
		GasLimit:  uint64(b.GasLimit),
	}, nil
}

// GetLogs runs a ranged log query.
func (c *Client) GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	arg, err := toFilterArg(q)
	if err != nil {
		return nil, err
	}
	raw, err := c.Call(ctx, "eth_getLogs", []any{arg})
	if err != nil {
		return nil, err
	}
	var logs []types.Log
	if err := json.Unmarshal(raw, &logs); err != nil {
		return nil, &Error{Kind: domain.ErrorKindUnknown, Method: "eth_getLogs", Message: "decode logs", Err: err}
	}
	return logs, nil
}

// CallContract executes eth_call against to at block (nil = latest).
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte, block *big.Int) ([]byte, error) {
	msg := map[string]any{
		"to":   to,
		"data": hexutil.Bytes(data),
	}
	raw, err := c.Call(ctx, "eth_call", []any{msg, blockArg(block)})
	if err != nil {
		return nil, err
	}
	var out hexutil.Bytes
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode eth_call result: %w", err)
	}
	return out, nil
}

// Usage returns credit usage.
func (c *Client) Usage() UsageStats {
	return c.budget.GetUsage()
}

// ProviderHealth returns router-side health per provider.
func (c *Client) ProviderHealth() []ProviderHealth {
	return c.router.Health()
}

// Close releases provider connections.
func (c *Client) Close() error {
	return c.router.Close()
}

func blockArg(n *big.Int) string {
	if n == nil {
		return "latest"
	}
	return hexutil.EncodeBig(n)
}

func toFilterArg(q ethereum.FilterQuery) (map[string]any, error) {
	arg := map[string]any{"topics": q.Topics}
	if len(q.Addresses) > 0 {
		arg["address"] = q.Addresses
	}
	if q.BlockHash != nil {
		if q.FromBlock != nil || q.ToBlock != nil {
			return nil, errors.New("cannot specify both BlockHash and FromBlock/ToBlock")
		}
		arg["blockHash"] = *q.BlockHash
		return arg, nil
	}
	if q.FromBlock == nil {
		arg["fromBlock"] = "0x0"
	} else {
		arg["fromBlock"] = blockArg(q.FromBlock)
	}
	arg["toBlock"] = blockArg(q.ToBlock)
	return arg, nil
}
