package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	cronlib "github.com/robfig/cron/v3"

	"github.com/vietddude/logharvest/internal/infra/cache"
)

// Config holds maintenance schedules. Schedules use cron syntax with
// descriptors, e.g. "@every 1m".
type Config struct {
	CleanupSchedule string `yaml:"cleanup_schedule"`
	PreloadSchedule string `yaml:"preload_schedule"`
	PreloadTopN     int    `yaml:"preload_top_n"`
	PruneSchedule   string `yaml:"prune_schedule"`
	RetentionBlocks uint64 `yaml:"retention_blocks"` // 0 = keep everything
}

// DefaultConfig returns the default schedules.
func DefaultConfig() Config {
	return Config{
		CleanupSchedule: "@every 1m",
		PreloadSchedule: "@every 5m",
		PreloadTopN:     50,
		PruneSchedule:   "@every 1h",
	}
}

// Cleaner drops expired entries.
type Cleaner interface {
	Cleanup() int
}

// Preloader refreshes popular entries in the background.
type Preloader interface {
	PreloadPopular(ctx context.Context, topN int) <-chan cache.PreloadReport
}

// HeadReader returns the chain head.
type HeadReader interface {
	GetLatestBlock(ctx context.Context) (uint64, error)
}

// EventPruner deletes stored events below a block.
type EventPruner interface {
	DeleteBefore(ctx context.Context, block uint64) (int64, error)
}

// Maintenance runs cache cleanup, popularity preloading and event retention
// on cron schedules.
type Maintenance struct {
	cfg        Config
	cron       *cronlib.Cron
	cleaners   map[string]Cleaner
	preloaders map[string]Preloader
	head       HeadReader
	pruner     EventPruner
	logger     *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewMaintenance creates a maintenance worker.
func NewMaintenance(cfg Config) *Maintenance {
	defaults := DefaultConfig()
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = defaults.CleanupSchedule
	}
	if cfg.PreloadSchedule == "" {
		cfg.PreloadSchedule = defaults.PreloadSchedule
	}
	if cfg.PreloadTopN <= 0 {
		cfg.PreloadTopN = defaults.PreloadTopN
	}
	if cfg.PruneSchedule == "" {
		cfg.PruneSchedule = defaults.PruneSchedule
	}
	return &Maintenance{
		cfg:        cfg,
		cron:       cronlib.New(),
		cleaners:   make(map[string]Cleaner),
		preloaders: make(map[string]Preloader),
		logger:     slog.Default().With("component", "maintenance"),
	}
}

// AddCleaner registers a cache for periodic cleanup.
func (m *Maintenance) AddCleaner(name string, c Cleaner) {
	m.cleaners[name] = c
}

// AddPreloader registers a cache for periodic preloading.
func (m *Maintenance) AddPreloader(name string, p Preloader) {
	m.preloaders[name] = p
}

// SetRetention enables pruning of events older than RetentionBlocks below head.
func (m *Maintenance) SetRetention(head HeadReader, pruner EventPruner) {
	m.head = head
	m.pruner = pruner
}

// Start schedules the jobs and starts the cron runner.
func (m *Maintenance) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ctx, m.cancel = context.WithCancel(ctx)

	if _, err := m.cron.AddFunc(m.cfg.CleanupSchedule, m.RunCleanup); err != nil {
		return fmt.Errorf("schedule cleanup %q: %w", m.cfg.CleanupSchedule, err)
	}
	if len(m.preloaders) > 0 {
		if _, err := m.cron.AddFunc(m.cfg.PreloadSchedule, func() { m.RunPreload(m.ctx) }); err != nil {
			return fmt.Errorf("schedule preload %q: %w", m.cfg.PreloadSchedule, err)
		}
	}
	if m.cfg.RetentionBlocks > 0 && m.pruner != nil && m.head != nil {
		if _, err := m.cron.AddFunc(m.cfg.PruneSchedule, func() { m.RunPrune(m.ctx) }); err != nil {
			return fmt.Errorf("schedule prune %q: %w", m.cfg.PruneSchedule, err)
		}
	}

	m.cron.Start()
	m.logger.Info("maintenance started",
		"cleanup", m.cfg.CleanupSchedule,
		"preload", m.cfg.PreloadSchedule,
		"caches", len(m.cleaners),
	)
	return nil
}

// Stop stops scheduling and waits for running jobs.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()
	<-m.cron.Stop().Done()
}

// RunCleanup cleans every registered cache once.
func (m *Maintenance) RunCleanup() {
	total := 0
	for name, c := range m.cleaners {
		n := c.Cleanup()
		total += n
		if n > 0 {
			m.logger.Debug("cache cleaned", "cache", name, "removed", n)
		}
	}
	if total > 0 {
		m.logger.Info("expired cache entries removed", "count", total)
	}
}

// RunPreload triggers every registered preloader and waits for the reports.
func (m *Maintenance) RunPreload(ctx context.Context) {
	for name, p := range m.preloaders {
		report := <-p.PreloadPopular(ctx, m.cfg.PreloadTopN)
		if report.Err != nil {
			m.logger.Warn("preload failed", "cache", name, "error", report.Err)
			continue
		}
		if report.Requested > 0 {
			m.logger.Info("preload done",
				"cache", name,
				"requested", report.Requested,
				"loaded", report.Loaded,
				"duration", report.Duration,
			)
		}
	}
}

// RunPrune deletes events older than the retention window.
func (m *Maintenance) RunPrune(ctx context.Context) {
	head, err := m.head.GetLatestBlock(ctx)
	if err != nil {
		m.logger.Warn("prune skipped, head unavailable", "error", err)
		return
	}
	if head <= m.cfg.RetentionBlocks {
		return
	}
	cutoff := head - m.cfg.RetentionBlocks
	n, err := m.pruner.DeleteBefore(ctx, cutoff)
	if err != nil {
		m.logger.Error("failed to prune events", "before", cutoff, "error", err)
		return
	}
	if n > 0 {
		m.logger.Info("events pruned", "before", cutoff, "count", n)
	}
}
