package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/logharvest/internal/infra/rpc"
)

const (
	checkInterval = 10 * time.Second

	degradedUsage = 80.0
	criticalUsage = 100.0
)

// HeadReader returns the chain head. *cache.LatestBlockCache satisfies it.
type HeadReader interface {
	GetLatestBlock(ctx context.Context) (uint64, error)
}

// UsageReader exposes provider usage. *rpc.Client satisfies it.
type UsageReader interface {
	Usage() rpc.UsageStats
	ProviderHealth() []rpc.ProviderHealth
}

// StatsFunc returns a JSON-encodable snapshot of a component.
type StatsFunc func() any

// Monitor aggregates health status from the running components.
type Monitor struct {
	head       HeadReader
	usage      UsageReader
	components map[string]StatsFunc

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *Report
	now        func() time.Time
}

// NewMonitor creates a new health monitor. usage may be nil.
func NewMonitor(head HeadReader, usage UsageReader, components map[string]StatsFunc) *Monitor {
	if components == nil {
		components = make(map[string]StatsFunc)
	}
	return &Monitor{
		head:       head,
		usage:      usage,
		components: components,
		now:        time.Now,
	}
}

// CheckHealth builds a report, reusing the previous one for checkInterval.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && m.now().Sub(m.lastCheck) < checkInterval {
		return *m.lastReport
	}

	report := Report{
		Status:     StatusHealthy,
		Components: make(map[string]any, len(m.components)),
	}

	head, err := m.head.GetLatestBlock(ctx)
	if err != nil {
		report.HeadError = err.Error()
		report.Status = worse(report.Status, StatusDegraded)
	} else {
		report.Head = head
	}

	if m.usage != nil {
		report.Usage = m.usage.Usage()
		report.Providers = m.usage.ProviderHealth()

		open := 0
		for _, p := range report.Providers {
			if p.CircuitOpen {
				open++
			}
		}
		switch {
		case len(report.Providers) > 0 && open == len(report.Providers):
			report.Status = worse(report.Status, StatusCritical)
		case open > 0:
			report.Status = worse(report.Status, StatusDegraded)
		}

		switch {
		case report.Usage.UsagePercentage >= criticalUsage:
			report.Status = worse(report.Status, StatusCritical)
		case report.Usage.UsagePercentage >= degradedUsage:
			report.Status = worse(report.Status, StatusDegraded)
		}
	}

	for name, fn := range m.components {
		report.Components[name] = fn()
	}

	m.lastCheck = m.now()
	m.lastReport = &report
	return report
}

func worse(a, b SystemStatus) SystemStatus {
	rank := map[SystemStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
