package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/logharvest/internal/core/config"
	"github.com/vietddude/logharvest/internal/core/domain"
	"github.com/vietddude/logharvest/internal/core/worker"
	"github.com/vietddude/logharvest/internal/indexing/collector"
	"github.com/vietddude/logharvest/internal/indexing/harvest"
	"github.com/vietddude/logharvest/internal/indexing/health"
	"github.com/vietddude/logharvest/internal/indexing/planner"
	"github.com/vietddude/logharvest/internal/infra/cache"
	"github.com/vietddude/logharvest/internal/infra/multicall"
	redisclient "github.com/vietddude/logharvest/internal/infra/redis"
	"github.com/vietddude/logharvest/internal/infra/rpc"
	"github.com/vietddude/logharvest/internal/infra/storage"
	"github.com/vietddude/logharvest/internal/infra/storage/memory"
	"github.com/vietddude/logharvest/internal/infra/storage/postgres"
)

// Options selects the optional parts of the engine.
type Options struct {
	// Workers starts one queue worker per configured token. Requires Redis.
	Workers bool
	// Server starts the health/stats HTTP server.
	Server bool
}

// Engine owns every component and their lifecycle.
type Engine struct {
	cfg  config.AppConfig
	opts Options

	client      *rpc.Client
	heads       *cache.LatestBlockCache
	balances    *cache.BalanceCache
	batcher     *multicall.Batcher
	planners    *planner.Registry
	collector   *collector.Collector
	store       storage.Store
	db          *postgres.DB
	redis       *redisclient.Client
	workers     map[common.Address]*harvest.QueueWorker[domain.TransferEvent]
	maintenance *worker.Maintenance
	monitor     *health.Monitor
	server      *health.Server
	log         *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewEngine creates an engine with all dependencies initialized.
func NewEngine(ctx context.Context, cfg config.AppConfig, opts Options) (*Engine, error) {
	e := &Engine{
		cfg:     cfg,
		opts:    opts,
		workers: make(map[common.Address]*harvest.QueueWorker[domain.TransferEvent]),
		log:     slog.Default().With("component", "engine"),
	}
	if err := e.init(ctx); err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) init(ctx context.Context) error {
	// 1. Storage
	if e.cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, e.cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to init db: %w", err)
		}
		e.db = db
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		e.store = db.Store()
		e.log.Info("Using PostgreSQL storage")
	} else {
		e.store = memory.NewStore()
		e.log.Info("Using Memory storage")
	}

	// 2. RPC and the layers above it
	client, err := rpc.NewClient(e.cfg.RPC)
	if err != nil {
		return err
	}
	e.client = client

	e.heads, err = cache.NewLatestBlockCache(client, e.cfg.Cache.HeadTTL, e.cfg.Cache.SecondsPerBlock)
	if err != nil {
		return fmt.Errorf("head cache: %w", err)
	}
	e.batcher, err = multicall.NewBatcher(client, e.cfg.Multicall)
	if err != nil {
		return fmt.Errorf("multicall: %w", err)
	}
	e.balances, err = cache.NewBalanceCache(e.batcher, e.cfg.Cache.Balances)
	if err != nil {
		return fmt.Errorf("balance cache: %w", err)
	}
	e.planners, err = planner.NewRegistry(e.cfg.Planner)
	if err != nil {
		return fmt.Errorf("planner: %w", err)
	}
	e.collector = collector.New(
		e.cfg.Collector,
		client,
		e.heads,
		e.balances,
		e.batcher,
		e.store,
		e.planners,
		e.cfg.Harvest,
	)

	// 3. Maintenance
	e.maintenance = worker.NewMaintenance(e.cfg.Maintenance)
	e.maintenance.AddCleaner("balances", e.balances)
	e.maintenance.AddCleaner("block_headers", e.heads)
	e.maintenance.AddPreloader("balances", e.balances)
	e.maintenance.SetRetention(e.heads, e.store.Transfers)

	// 4. Redis queue workers
	if e.cfg.Redis.URL != "" {
		e.redis, err = redisclient.NewClient(e.cfg.Redis)
		if err != nil {
			if e.opts.Workers {
				return err
			}
			e.log.Warn("Failed to connect to Redis, queue disabled", "error", err)
			e.redis = nil
		}
	}
	if e.opts.Workers {
		if e.redis == nil {
			return errors.New("queue workers need redis.url")
		}
		for _, t := range e.cfg.Worker.Tokens {
			token := common.HexToAddress(t)
			wcfg := e.cfg.Worker.WorkerConfig
			wcfg.ContractID = collector.ContractID(token)
			e.workers[token] = harvest.NewQueueWorker(
				wcfg,
				e.Queue(token),
				e.collector.Harvester(token),
				e.collector.FetchTransfers(token),
				e.collector.StoreTransfers,
			)
			e.log.Info("Harvest worker initialized", "token", token.Hex())
		}
	}

	// 5. Health
	e.monitor = health.NewMonitor(e.heads, client, map[string]health.StatsFunc{
		"balance_cache": func() any { return e.balances.Stats() },
		"head_cache":    func() any { return e.heads.Stats() },
		"multicall":     func() any { return e.batcher.Stats() },
		"planners":      func() any { return e.planners.Stats() },
	})
	if e.opts.Server {
		e.server = health.NewServer(e.monitor, e.cfg.Server.Port)
	}
	return nil
}

// Start starts the background components.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.group != nil {
		return errors.New("engine already started")
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.group, ctx = errgroup.WithContext(ctx)

	if e.server != nil {
		e.group.Go(e.server.Start)
	}
	if e.db != nil {
		e.db.StartMetricsCollector(ctx)
	}
	if err := e.maintenance.Start(ctx); err != nil {
		e.cancel()
		return err
	}

	for token, w := range e.workers {
		e.log.Info("Starting harvest worker", "token", token.Hex())
		e.group.Go(func() error { return w.Run(ctx) })
	}
	return nil
}

// Stop stops the background components and releases connections.
func (e *Engine) Stop(ctx context.Context) error {
	e.log.Info("Stopping engine...")

	e.mu.Lock()
	cancel, group := e.cancel, e.group
	e.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
	}
	e.maintenance.Stop()
	if e.server != nil {
		if err := e.server.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("health server: %w", err))
		}
	}
	if group != nil {
		done := make(chan error, 1)
		go func() { done <- group.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for workers: %w", ctx.Err()))
		}
	}

	errs = append(errs, e.close())
	return errors.Join(errs...)
}

func (e *Engine) close() error {
	var errs []error
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if e.client != nil {
		if err := e.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("rpc: %w", err))
		}
	}
	closeStore := e.store.Close
	if e.db != nil {
		closeStore = e.db.Close
	}
	if closeStore != nil {
		if err := closeStore(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Collector returns the transfer collector.
func (e *Engine) Collector() *collector.Collector {
	return e.collector
}

// Store returns the event storage.
func (e *Engine) Store() storage.Store {
	return e.store
}

// Heads returns the head and header cache.
func (e *Engine) Heads() *cache.LatestBlockCache {
	return e.heads
}

// Monitor returns the health monitor.
func (e *Engine) Monitor() *health.Monitor {
	return e.monitor
}

// Queue returns the harvest queue for token, or nil without Redis.
func (e *Engine) Queue(token common.Address) *redisclient.RangeQueue {
	if e.redis == nil {
		return nil
	}
	return e.redis.Queue(collector.ContractID(token), e.cfg.Redis.CheckpointTTL)
}
