package planner

import "fmt"

// Config holds chunk sizing settings.
type Config struct {
	MinChunkSize     uint64 `yaml:"min_chunk_size"`     // Smallest window ever requested (default: 100)
	MaxChunkSize     uint64 `yaml:"max_chunk_size"`     // Largest window ever requested (default: 5000)
	InitialChunkSize uint64 `yaml:"initial_chunk_size"` // Used until there is history (default: 2000)

	// ItemsPerResponse is the number of log entries a single response should
	// aim for. Providers start rejecting responses well above this.
	ItemsPerResponse uint64 `yaml:"items_per_response"` // default: 750

	HistorySize int `yaml:"history_size"` // Outcomes kept for learning (default: 100)

	// HighActivityPeriods lists calendar periods ("2006-01") known to be
	// busier than usual.
	HighActivityPeriods []string `yaml:"high_activity_periods"`
}

// DefaultConfig returns sensible defaults for log queries.
func DefaultConfig() Config {
	return Config{
		MinChunkSize:     100,
		MaxChunkSize:     5000,
		InitialChunkSize: 2000,
		ItemsPerResponse: 750,
		HistorySize:      100,
	}
}

// Validate checks the bounds are consistent.
func (c Config) Validate() error {
	if c.MinChunkSize == 0 {
		return fmt.Errorf("min_chunk_size must be positive")
	}
	if c.MaxChunkSize < c.MinChunkSize {
		return fmt.Errorf("max_chunk_size %d below min_chunk_size %d", c.MaxChunkSize, c.MinChunkSize)
	}
	if c.InitialChunkSize < c.MinChunkSize || c.InitialChunkSize > c.MaxChunkSize {
		return fmt.Errorf("initial_chunk_size %d outside [%d, %d]", c.InitialChunkSize, c.MinChunkSize, c.MaxChunkSize)
	}
	if c.ItemsPerResponse == 0 {
		return fmt.Errorf("items_per_response must be positive")
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinChunkSize == 0 {
		c.MinChunkSize = d.MinChunkSize
	}
	if c.MaxChunkSize == 0 {
		c.MaxChunkSize = max(d.MaxChunkSize, c.MinChunkSize)
	}
	if c.InitialChunkSize == 0 {
		c.InitialChunkSize = min(max(d.InitialChunkSize, c.MinChunkSize), c.MaxChunkSize)
	}
	if c.ItemsPerResponse == 0 {
		c.ItemsPerResponse = d.ItemsPerResponse
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	return c
}
