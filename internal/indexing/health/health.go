// Package health reports service health and component statistics.
package health

import "github.com/vietddude/logharvest/internal/infra/rpc"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// Report contains the full health report.
type Report struct {
	Status     SystemStatus         `json:"status"`
	Head       uint64               `json:"head"`
	HeadError  string               `json:"head_error,omitempty"`
	Usage      rpc.UsageStats       `json:"usage"`
	Providers  []rpc.ProviderHealth `json:"providers"`
	Components map[string]any       `json:"components"`
}
