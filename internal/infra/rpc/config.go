package rpc

import (
	"time"

	"github.com/vietddude/logharvest/internal/infra/rpc/budget"
	"github.com/vietddude/logharvest/internal/infra/rpc/routing"
)

// Config holds client settings.
type Config struct {
	Providers         []ProviderConfig `yaml:"providers"`
	Timeout           time.Duration    `yaml:"timeout"`
	RequestsPerSecond float64          `yaml:"requests_per_second"` // 0 = unlimited
	Burst             int              `yaml:"burst"`
	MaxAttempts       int              `yaml:"max_attempts"`
	Budget            budget.Config    `yaml:"budget"`
}

// ProviderConfig holds settings for an RPC provider.
type ProviderConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// DefaultConfig returns defaults matching a 50 RPS paid plan.
func DefaultConfig() Config {
	return Config{
		Timeout:           30 * time.Second,
		RequestsPerSecond: 50,
		Burst:             10,
		MaxAttempts:       routing.DefaultRetryConfig.MaxAttempts,
		Budget:            budget.DefaultConfig(),
	}
}
