package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/vietddude/logharvest/internal/core/domain"
	"github.com/vietddude/logharvest/internal/infra/rpc/provider"
)

// RetryConfig defines retry behavior for transient transport failures.
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig provides sensible defaults.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     3,
	InitialDelay:    500 * time.Millisecond,
	MaxDelay:        10 * time.Second,
	BackoffMultiple: 2.0,
}

// ErrorAction determines how to handle an error.
type ErrorAction int

const (
	ActionRetry    ErrorAction = iota // same provider, after backoff
	ActionFailover                    // next provider
	ActionReturn                      // surface to caller
)

// ClassifyError determines the action for a given error.
//
// Payload and timeout failures are returned untouched: the caller owns the
// request size and must shrink it, so retrying the same request is wasted
// credit.
func ClassifyError(err error) ErrorAction {
	switch provider.KindOf(err) {
	case domain.ErrorKindConnection:
		return ActionRetry
	case domain.ErrorKindRateLimited:
		return ActionFailover
	}
	return ActionReturn
}

// CallWithRetry executes an RPC call, retrying connection failures with
// exponential backoff.
func CallWithRetry(
	ctx context.Context,
	p provider.Provider,
	method string,
	params []any,
	config RetryConfig,
) (json.RawMessage, error) {
	var lastErr error
	attempts := max(config.MaxAttempts, 1)

	for attempt := 0; attempt < attempts; attempt++ {
		result, err := p.Call(ctx, method, params)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ClassifyError(err) != ActionRetry || attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(calculateBackoff(attempt, config)):
		}
	}

	return nil, lastErr
}

// CallWithFailover tries each available provider in order. Connection
// failures are retried per provider first; rate limits move straight on.
func CallWithFailover(
	ctx context.Context,
	router *Router,
	method string,
	params []any,
	config RetryConfig,
) (json.RawMessage, string, error) {
	providers, err := router.Available()
	if err != nil {
		return nil, "", err
	}

	var lastErr error
	for _, p := range providers {
		start := time.Now()
		result, err := CallWithRetry(ctx, p, method, params, config)
		if err == nil {
			router.RecordSuccess(p.GetName(), time.Since(start))
			return result, p.GetName(), nil
		}
		if ctx.Err() != nil {
			return nil, p.GetName(), ctx.Err()
		}

		lastErr = err
		action := ClassifyError(err)
		if action == ActionReturn {
			return nil, p.GetName(), err
		}
		router.RecordFailure(p.GetName())
	}

	if len(providers) > 1 {
		return nil, "", fmt.Errorf("all %d providers failed: %w", len(providers), lastErr)
	}
	return nil, "", lastErr
}

func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.BackoffMultiple, float64(attempt))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}
