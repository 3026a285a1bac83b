// Package rpc provides a metered EVM JSON-RPC client.
//
// This package offers:
//   - Typed errors classified at the transport boundary (payload too large,
//     timeout, rate limited, connection)
//   - Ordered failover across providers with a circuit breaker
//   - Request pacing to the provider's RPS allowance
//   - Per-method credit accounting
//
// # Quick Start
//
//	import "github.com/vietddude/logharvest/internal/infra/rpc"
//
//	client, err := rpc.NewClient(rpc.Config{
//	    Providers: []rpc.ProviderConfig{{Name: "quicknode", URL: url}},
//	})
//
//	head, err := client.GetLatestBlockNumber(ctx)
//	logs, err := client.GetLogs(ctx, ethereum.FilterQuery{...})
//
// # Package Structure
//
//   - provider/ - HTTP transport, error classification, monitoring
//   - routing/  - Provider failover, circuit breaking, retry
//   - budget/   - Credit tracking and projection
//
// Commonly used types are re-exported at the root level.
package rpc

import (
	"github.com/vietddude/logharvest/internal/core/domain"
	"github.com/vietddude/logharvest/internal/infra/rpc/budget"
	"github.com/vietddude/logharvest/internal/infra/rpc/provider"
	"github.com/vietddude/logharvest/internal/infra/rpc/routing"
)

// Error is a classified RPC failure.
type Error = provider.Error

// Provider is the core interface for RPC endpoints.
type Provider = provider.Provider

// HTTPProvider implements Provider for JSON-RPC over HTTP.
type HTTPProvider = provider.HTTPProvider

// UsageStats holds credit usage statistics.
type UsageStats = budget.UsageStats

// ProviderHealth is router-side health for one provider.
type ProviderHealth = routing.ProviderHealth

// KindOf returns the ErrorKind of err.
func KindOf(err error) domain.ErrorKind {
	return provider.KindOf(err)
}
