// Package budget tracks API credit consumption against a monthly allowance.
//
// Providers bill per method: a ranged log query costs several times a plain
// read call. The tracker keeps totals per method and projects monthly usage
// from the observed rate.
package budget

import (
	"sync"
	"time"
)

// Default credit costs.
const (
	CreditsPerGetLogs = 75
	CreditsPerCall    = 20
)

// Config holds budget configuration.
type Config struct {
	MonthlyCredits int64          `yaml:"monthly_credits"`
	MethodCosts    map[string]int `yaml:"method_costs"`
	DefaultCost    int            `yaml:"default_cost"`
}

// DefaultConfig returns the allowance and costs of a typical paid plan.
func DefaultConfig() Config {
	return Config{
		MonthlyCredits: 80_000_000,
		MethodCosts: map[string]int{
			"eth_getLogs": CreditsPerGetLogs,
			"eth_call":    CreditsPerCall,
		},
		DefaultCost: CreditsPerCall,
	}
}

// UsageStats holds credit usage statistics.
type UsageStats struct {
	TotalCalls        int64            `json:"total_calls"`
	CreditsUsed       int64            `json:"credits_used"`
	CallsByMethod     map[string]int64 `json:"calls_by_method"`
	CreditsByMethod   map[string]int64 `json:"credits_by_method"`
	AvgCreditsPerCall float64          `json:"avg_credits_per_call"`
	MonthlyCredits    int64            `json:"monthly_credits"`
	MonthlyProjection int64            `json:"monthly_projection"`
	UsagePercentage   float64          `json:"usage_percentage"`
	Since             time.Time        `json:"since"`
}

// Tracker manages credit accounting.
type Tracker interface {
	RecordCall(method string)
	CostOf(method string) int
	GetUsage() UsageStats
	GetThrottleDelay() time.Duration
	Reset()
}

// CreditTracker implements Tracker with per-method accounting.
type CreditTracker struct {
	mu          sync.RWMutex
	cfg         Config
	start       time.Time
	totalCalls  int64
	credits     int64
	methodCalls map[string]int64
	methodCost  map[string]int64

	now func() time.Time
}

// NewCreditTracker creates a new credit tracker.
func NewCreditTracker(cfg Config) *CreditTracker {
	if cfg.DefaultCost <= 0 {
		cfg.DefaultCost = CreditsPerCall
	}
	return &CreditTracker{
		cfg:         cfg,
		start:       time.Now(),
		methodCalls: make(map[string]int64),
		methodCost:  make(map[string]int64),
		now:         time.Now,
	}
}

// CostOf returns the credit cost of one call to method.
func (t *CreditTracker) CostOf(method string) int {
	if c, ok := t.cfg.MethodCosts[method]; ok {
		return c
	}
	return t.cfg.DefaultCost
}

// RecordCall records one billed call.
func (t *CreditTracker) RecordCall(method string) {
	cost := int64(t.CostOf(method))

	t.mu.Lock()
	defer t.mu.Unlock()

	t.totalCalls++
	t.credits += cost
	t.methodCalls[method]++
	t.methodCost[method] += cost
}

// GetUsage returns usage statistics.
func (t *CreditTracker) GetUsage() UsageStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := UsageStats{
		TotalCalls:        t.totalCalls,
		CreditsUsed:       t.credits,
		CallsByMethod:     make(map[string]int64, len(t.methodCalls)),
		CreditsByMethod:   make(map[string]int64, len(t.methodCost)),
		MonthlyCredits:    t.cfg.MonthlyCredits,
		MonthlyProjection: t.projectionLocked(),
		Since:             t.start,
	}
	for m, n := range t.methodCalls {
		stats.CallsByMethod[m] = n
	}
	for m, c := range t.methodCost {
		stats.CreditsByMethod[m] = c
	}
	if t.totalCalls > 0 {
		stats.AvgCreditsPerCall = float64(t.credits) / float64(t.totalCalls)
	}
	if t.cfg.MonthlyCredits > 0 {
		stats.UsagePercentage = float64(stats.MonthlyProjection) / float64(t.cfg.MonthlyCredits) * 100
	}
	return stats
}

// projectionLocked extrapolates credits used so far to a 30-day month.
// Windows shorter than a minute are not extrapolated.
func (t *CreditTracker) projectionLocked() int64 {
	elapsed := t.now().Sub(t.start)
	if elapsed < time.Minute {
		return t.credits
	}
	month := 30 * 24 * time.Hour
	return int64(float64(t.credits) * float64(month) / float64(elapsed))
}

// GetThrottleDelay returns how long to wait before the next call so the
// projected spend stays inside the monthly allowance.
func (t *CreditTracker) GetThrottleDelay() time.Duration {
	usage := t.GetUsage()
	if usage.MonthlyCredits <= 0 {
		return 0
	}

	switch {
	case usage.UsagePercentage < 80:
		return 0
	case usage.UsagePercentage < 100:
		return 100 * time.Millisecond
	case usage.UsagePercentage < 150:
		return time.Second
	}
	return 5 * time.Second
}

// Reset resets all usage counters.
func (t *CreditTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.start = t.now()
	t.totalCalls = 0
	t.credits = 0
	t.methodCalls = make(map[string]int64)
	t.methodCost = make(map[string]int64)
}
