// Package provider implements the JSON-RPC transport.
//
// This package contains:
//   - Provider interface: core abstraction for an RPC endpoint
//   - HTTPProvider: JSON-RPC over HTTP implementation
//   - Error: typed failures classified at the transport boundary
//   - ProviderMonitor: health and throttle tracking
package provider

import (
	"context"
	"encoding/json"
	"time"
)

// Provider defines the interface for an RPC endpoint.
type Provider interface {
	// GetName returns provider identifier (e.g., "quicknode")
	GetName() string

	// GetHealth returns current health metrics
	GetHealth() HealthStatus

	// IsAvailable checks if the provider is healthy enough to use
	IsAvailable() bool

	// Call makes a single JSON-RPC request and returns the raw result.
	// Failures are returned as *Error.
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)

	// Close cleans up resources
	Close() error
}

// HealthStatus represents the health state of a provider.
type HealthStatus struct {
	Available     bool          `json:"available"`
	Latency       time.Duration `json:"latency"`
	ErrorRate     float64       `json:"error_rate"`
	LastSuccessAt time.Time     `json:"last_success_at"`
	LastFailureAt time.Time     `json:"last_failure_at"`
	MonitorStats  *MonitorStats `json:"monitor_stats,omitempty"`
}
