package config

import (
	"time"

	"github.com/vietddude/logharvest/internal/core/worker"
	"github.com/vietddude/logharvest/internal/indexing/collector"
	"github.com/vietddude/logharvest/internal/indexing/harvest"
	"github.com/vietddude/logharvest/internal/indexing/planner"
	"github.com/vietddude/logharvest/internal/infra/cache"
	"github.com/vietddude/logharvest/internal/infra/multicall"
	redisclient "github.com/vietddude/logharvest/internal/infra/redis"
	"github.com/vietddude/logharvest/internal/infra/rpc"
	"github.com/vietddude/logharvest/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server      ServerConfig       `yaml:"server"`
	Logging     LoggingConfig      `yaml:"logging"`
	RPC         rpc.Config         `yaml:"rpc"`
	Multicall   multicall.Config   `yaml:"multicall"`
	Planner     planner.Config     `yaml:"planner"`
	Cache       CacheConfig        `yaml:"cache"`
	Harvest     harvest.Config     `yaml:"harvest"`
	Worker      WorkerConfig       `yaml:"worker"`
	Maintenance worker.Config      `yaml:"maintenance"`
	Collector   collector.Config   `yaml:"collector"`
	Redis       redisclient.Config `yaml:"redis"`
	Database    postgres.Config    `yaml:"database"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	Balances        cache.Config  `yaml:"balances"`
	HeadTTL         time.Duration `yaml:"head_ttl"`
	SecondsPerBlock float64       `yaml:"seconds_per_block"`
}

// WorkerConfig holds queue worker settings. One worker runs per token.
type WorkerConfig struct {
	harvest.WorkerConfig `yaml:",inline"`

	Tokens []string `yaml:"tokens"`
}

// Default returns a configuration with every default filled in.
func Default() AppConfig {
	return AppConfig{
		Server:      ServerConfig{Port: 8080},
		Logging:     LoggingConfig{Level: "info", Format: "text"},
		RPC:         rpc.DefaultConfig(),
		Multicall:   multicall.DefaultConfig(),
		Planner:     planner.DefaultConfig(),
		Cache:       CacheConfig{Balances: cache.DefaultConfig(), HeadTTL: 12 * time.Second, SecondsPerBlock: 12},
		Harvest:     harvest.DefaultConfig(),
		Worker:      WorkerConfig{WorkerConfig: harvest.DefaultWorkerConfig()},
		Maintenance: worker.DefaultConfig(),
		Collector:   collector.Config{SnapshotHolders: 1000},
		Redis:       redisclient.Config{CheckpointTTL: 24 * time.Hour},
	}
}
