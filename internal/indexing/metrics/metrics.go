package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RPCCallsTotal tracks RPC calls per provider and method
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logharvest_rpc_calls_total",
			Help: "Total number of RPC calls",
		},
		[]string{"provider", "method"},
	)

	// RPCErrorsTotal tracks RPC errors per method and error kind
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logharvest_rpc_errors_total",
			Help: "Total number of RPC errors",
		},
		[]string{"method", "kind"},
	)

	// RPCLatency tracks RPC call latency
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logharvest_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// RPCCreditsUsed tracks credits charged by the provider
	RPCCreditsUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logharvest_rpc_credits_used_total",
			Help: "API credits charged by the provider",
		},
		[]string{"method"},
	)

	// CacheRequests tracks cache lookups by result (hit, miss)
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logharvest_cache_requests_total",
			Help: "Cache lookups by result",
		},
		[]string{"cache", "result"},
	)

	// CacheEvictions tracks entries removed by capacity or expiry
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logharvest_cache_evictions_total",
			Help: "Cache entries evicted",
		},
		[]string{"cache", "reason"},
	)

	// CacheSize tracks the number of live entries
	CacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logharvest_cache_entries",
			Help: "Number of entries currently cached",
		},
		[]string{"cache"},
	)

	// MulticallAggregates tracks aggregator round trips
	MulticallAggregates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logharvest_multicall_aggregate_calls_total",
			Help: "Aggregator calls sent",
		},
	)

	// MulticallCallsSaved tracks round trips avoided by batching
	MulticallCallsSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logharvest_multicall_calls_saved_total",
			Help: "Individual calls avoided by batching",
		},
	)

	// MulticallFallbacks tracks groups that fell back to individual calls
	MulticallFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logharvest_multicall_fallbacks_total",
			Help: "Batches that fell back to individual calls",
		},
	)

	// PlannerChunkSize tracks the last chunk size chosen per planner
	PlannerChunkSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logharvest_planner_chunk_size",
			Help: "Last chunk size chosen by the planner",
		},
		[]string{"planner"},
	)

	// HarvestChunks tracks chunk outcomes
	HarvestChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logharvest_harvest_chunks_total",
			Help: "Chunks fetched by outcome",
		},
		[]string{"outcome"},
	)

	// HarvestItems tracks items collected
	HarvestItems = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logharvest_harvest_items_total",
			Help: "Items collected by harvests",
		},
	)

	// HarvestBlocks tracks blocks covered
	HarvestBlocks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logharvest_harvest_blocks_total",
			Help: "Blocks covered by harvests",
		},
	)

	// HarvestSplits tracks range bisections after oversized responses
	HarvestSplits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logharvest_harvest_splits_total",
			Help: "Chunks split after payload-too-large",
		},
	)

	// HarvestQueueRanges tracks ranges waiting in the harvest queue
	HarvestQueueRanges = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "logharvest_harvest_queue_ranges",
			Help: "Ranges waiting in the harvest queue",
		},
	)

	// DBBatchSize tracks the size of batch inserts
	DBBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logharvest_db_batch_size",
			Help:    "Size of batch inserts",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
		},
		[]string{"table"},
	)

	// DBConnectionPoolUsage tracks the usage percentage of the DB connection pool
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "logharvest_db_connection_pool_usage_percent",
			Help: "Usage percentage of the DB connection pool",
		},
	)
)
