// Package routing handles provider selection, failover and retry.
//
// This package contains:
//   - Router: ordered provider list with a per-provider circuit breaker
//   - Retry: backoff for transient transport failures and failover across providers
package routing

import (
	"errors"
	"sync"
	"time"

	"github.com/vietddude/logharvest/internal/infra/rpc/provider"
)

// ErrNoProviders is returned when no provider is registered or all circuits are open.
var ErrNoProviders = errors.New("no available providers")

// CircuitConfig controls when a failing provider is taken out of rotation.
type CircuitConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// DefaultCircuitConfig provides sensible defaults.
var DefaultCircuitConfig = CircuitConfig{
	FailureThreshold: 5,
	Cooldown:         30 * time.Second,
}

type providerMetrics struct {
	successCount     int
	failureCount     int
	totalLatency     time.Duration
	consecutiveFails int
	openUntil        time.Time
}

// ProviderHealth is a snapshot of router-side health for one provider.
type ProviderHealth struct {
	Name             string        `json:"name"`
	Successes        int           `json:"successes"`
	Failures         int           `json:"failures"`
	AverageLatency   time.Duration `json:"average_latency"`
	ConsecutiveFails int           `json:"consecutive_fails"`
	CircuitOpen      bool          `json:"circuit_open"`
}

// Router keeps providers in priority order and skips those whose circuit is open.
type Router struct {
	mu        sync.RWMutex
	providers []provider.Provider
	metrics   map[string]*providerMetrics
	cfg       CircuitConfig
	now       func() time.Time
}

// NewRouter creates a router over providers, first = preferred.
func NewRouter(cfg CircuitConfig, providers ...provider.Provider) *Router {
	r := &Router{
		metrics: make(map[string]*providerMetrics),
		cfg:     cfg,
		now:     time.Now,
	}
	for _, p := range providers {
		r.AddProvider(p)
	}
	return r
}

// AddProvider appends a provider at the lowest priority.
func (r *Router) AddProvider(p provider.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers = append(r.providers, p)
	r.metrics[p.GetName()] = &providerMetrics{}
}

// Available returns providers eligible for a call, in priority order.
// When every circuit is open the full list is returned so callers still
// get a real error instead of silence.
func (r *Router) Available() ([]provider.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.providers) == 0 {
		return nil, ErrNoProviders
	}

	now := r.now()
	var available []provider.Provider
	for _, p := range r.providers {
		m := r.metrics[p.GetName()]
		if now.Before(m.openUntil) || !p.IsAvailable() {
			continue
		}
		available = append(available, p)
	}
	if len(available) == 0 {
		out := make([]provider.Provider, len(r.providers))
		copy(out, r.providers)
		return out, nil
	}
	return available, nil
}

// RecordSuccess records a successful call.
func (r *Router) RecordSuccess(name string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.metrics[name]
	if !ok {
		return
	}
	m.successCount++
	m.totalLatency += latency
	m.consecutiveFails = 0
	m.openUntil = time.Time{}
}

// RecordFailure records a failed call and opens the circuit past the threshold.
func (r *Router) RecordFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.metrics[name]
	if !ok {
		return
	}
	m.failureCount++
	m.consecutiveFails++
	if m.consecutiveFails >= r.cfg.FailureThreshold {
		m.openUntil = r.now().Add(r.cfg.Cooldown)
	}
}

// Health returns a snapshot for every provider.
func (r *Router) Health() []ProviderHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]ProviderHealth, 0, len(r.providers))
	for _, p := range r.providers {
		m := r.metrics[p.GetName()]
		h := ProviderHealth{
			Name:             p.GetName(),
			Successes:        m.successCount,
			Failures:         m.failureCount,
			ConsecutiveFails: m.consecutiveFails,
			CircuitOpen:      now.Before(m.openUntil),
		}
		if m.successCount > 0 {
			h.AverageLatency = m.totalLatency / time.Duration(m.successCount)
		}
		out = append(out, h)
	}
	return out
}

// Close closes every provider.
func (r *Router) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
