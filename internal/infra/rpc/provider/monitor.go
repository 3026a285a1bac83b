package provider

import (
	"strconv"
	"sync"
	"time"

	"github.com/vietddude/logharvest/internal/core/domain"
)

// ProviderStatus represents the health state of a provider.
type ProviderStatus int

const (
	StatusHealthy   ProviderStatus = iota // Provider is working normally
	StatusDegraded                        // Provider is slow or failing often
	StatusThrottled                       // Provider asked us to back off
)

func (s ProviderStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusThrottled:
		return "throttled"
	}
	return "unknown"
}

// MonitorStats holds monitoring statistics for a provider.
type MonitorStats struct {
	Status         ProviderStatus           `json:"status"`
	AverageLatency time.Duration            `json:"average_latency"`
	Requests       int                      `json:"requests"`
	Failures       map[domain.ErrorKind]int `json:"failures"`
	RetryAfter     time.Duration            `json:"retry_after"`
}

// ProviderMonitor tracks latency, failures by kind and throttle windows.
type ProviderMonitor struct {
	mu sync.RWMutex

	recentLatencies  []time.Duration
	maxLatencyWindow int

	requests        int
	failures        map[domain.ErrorKind]int
	recentOutcomes  []bool // true = failed
	throttledUntil  time.Time
	defaultBackoff  time.Duration
	slowThreshold   time.Duration
	degradedErrRate float64

	now func() time.Time
}

// NewProviderMonitor creates a new monitor with default settings.
func NewProviderMonitor() *ProviderMonitor {
	return &ProviderMonitor{
		recentLatencies:  make([]time.Duration, 0, 100),
		maxLatencyWindow: 100,
		failures:         make(map[domain.ErrorKind]int),
		defaultBackoff:   5 * time.Second,
		slowThreshold:    3 * time.Second,
		degradedErrRate:  0.3,
		now:              time.Now,
	}
}

// RecordRequest records a successful request with its latency.
func (pm *ProviderMonitor) RecordRequest(latency time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.requests++
	pm.recentLatencies = append(pm.recentLatencies, latency)
	if len(pm.recentLatencies) > pm.maxLatencyWindow {
		pm.recentLatencies = pm.recentLatencies[1:]
	}
	pm.pushOutcome(false)
}

// RecordFailure records a failed request.
func (pm *ProviderMonitor) RecordFailure(kind domain.ErrorKind) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.requests++
	pm.failures[kind]++
	pm.pushOutcome(true)
}

// RecordThrottle opens a throttle window. retryAfter is the raw Retry-After
// header value in seconds; empty falls back to the default backoff.
func (pm *ProviderMonitor) RecordThrottle(retryAfter string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	wait := pm.defaultBackoff
	if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
		wait = time.Duration(secs) * time.Second
	}
	until := pm.now().Add(wait)
	if until.After(pm.throttledUntil) {
		pm.throttledUntil = until
	}
}

// CheckProviderStatus returns the current status of the provider.
func (pm *ProviderMonitor) CheckProviderStatus() ProviderStatus {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.statusLocked()
}

func (pm *ProviderMonitor) statusLocked() ProviderStatus {
	if pm.now().Before(pm.throttledUntil) {
		return StatusThrottled
	}

	if len(pm.recentLatencies) > 10 && pm.averageLatencyLocked() > pm.slowThreshold {
		return StatusDegraded
	}

	if len(pm.recentOutcomes) >= 10 {
		failed := 0
		for _, f := range pm.recentOutcomes {
			if f {
				failed++
			}
		}
		if float64(failed)/float64(len(pm.recentOutcomes)) > pm.degradedErrRate {
			return StatusDegraded
		}
	}

	return StatusHealthy
}

// GetRetryAfter returns remaining time before requests are allowed again.
func (pm *ProviderMonitor) GetRetryAfter() time.Duration {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if remaining := pm.throttledUntil.Sub(pm.now()); remaining > 0 {
		return remaining
	}
	return 0
}

// GetAverageLatency returns the average latency of recent requests.
func (pm *ProviderMonitor) GetAverageLatency() time.Duration {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.averageLatencyLocked()
}

func (pm *ProviderMonitor) averageLatencyLocked() time.Duration {
	if len(pm.recentLatencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, lat := range pm.recentLatencies {
		total += lat
	}
	return total / time.Duration(len(pm.recentLatencies))
}

// GetStats returns current monitoring statistics.
func (pm *ProviderMonitor) GetStats() MonitorStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	failures := make(map[domain.ErrorKind]int, len(pm.failures))
	for k, v := range pm.failures {
		failures[k] = v
	}
	retryAfter := pm.throttledUntil.Sub(pm.now())
	if retryAfter < 0 {
		retryAfter = 0
	}

	return MonitorStats{
		Status:         pm.statusLocked(),
		AverageLatency: pm.averageLatencyLocked(),
		Requests:       pm.requests,
		Failures:       failures,
		RetryAfter:     retryAfter,
	}
}

func (pm *ProviderMonitor) pushOutcome(failed bool) {
	pm.recentOutcomes = append(pm.recentOutcomes, failed)
	if len(pm.recentOutcomes) > pm.maxLatencyWindow {
		pm.recentOutcomes = pm.recentOutcomes[1:]
	}
}
