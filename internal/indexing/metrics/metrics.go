package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsReduced tracks events applied to entities
	EventsReduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reducer_events_reduced_total",
			Help: "Total number of chain events applied to entities",
		},
		[]string{"family", "kind", "status"},
	)

	// EntitiesSaved tracks entity writes per family
	EntitiesSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reducer_entities_saved_total",
			Help: "Total number of entity writes",
		},
		[]string{"family"},
	)

	// ConcurrencyConflicts tracks optimistic concurrency retries
	ConcurrencyConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reducer_concurrency_conflicts_total",
			Help: "Total number of version conflicts on entity save",
		},
		[]string{"family"},
	)

	// ReduceFailures tracks entities whose reduce failed
	ReduceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reducer_reduce_failures_total",
			Help: "Total number of failed entity reduces",
		},
		[]string{"family", "reason"},
	)

	// EntitiesSkipped tracks entities skipped by size policy or skip tokens
	EntitiesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reducer_entities_skipped_total",
			Help: "Total number of skipped entities",
		},
		[]string{"family", "reason"},
	)

	// Notifications tracks change notifications sent
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reducer_notifications_total",
			Help: "Total number of entity change notifications",
		},
		[]string{"family"},
	)

	// FullReduceWrites tracks full reduces that rewrote a stored entity
	FullReduceWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reducer_full_reduce_writes_total",
			Help: "Total number of full reduces that changed the stored entity",
		},
		[]string{"family"},
	)

	// ReduceLatency tracks per-entity reduce and save latency
	ReduceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reducer_reduce_latency_seconds",
			Help:    "Per-entity reduce and save latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"family"},
	)

	// ConsistencyChecked tracks items checked by consistency jobs
	ConsistencyChecked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reducer_consistency_checked_total",
			Help: "Total number of items checked by consistency jobs",
		},
		[]string{"job"},
	)

	// ConsistencyFixed tracks repaired items
	ConsistencyFixed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reducer_consistency_fixed_total",
			Help: "Total number of repaired items",
		},
		[]string{"job"},
	)

	// ConsistencyUnfixed tracks items that stayed divergent after repair
	ConsistencyUnfixed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reducer_consistency_unfixed_total",
			Help: "Total number of items still divergent after repair",
		},
		[]string{"job"},
	)

	// ConsistencyDelay tracks how far behind a consistency job is
	ConsistencyDelay = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reducer_consistency_delay_seconds",
			Help: "Seconds between now and the last checked timestamp",
		},
		[]string{"job"},
	)

	// Throttled tracks reduces skipped by the low traffic throttle
	Throttled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reducer_throttled_total",
			Help: "Total number of reduces skipped by the low traffic throttle",
		},
		[]string{"job"},
	)

	// ChainHead tracks the latest block head seen
	ChainHead = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reducer_chain_head_block",
			Help: "Latest block head reported by the chain",
		},
	)

	// LogsConsumed tracks raw logs read from the source
	LogsConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reducer_logs_consumed_total",
			Help: "Total number of raw logs consumed",
		},
	)

	// FailedReduceQueue tracks the size of the retry queue
	FailedReduceQueue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reducer_failed_reduce_queue_size",
			Help: "Number of entities waiting for a retry",
		},
	)

	// HistoryPruned tracks pruned inactive history records
	HistoryPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reducer_history_pruned_total",
			Help: "Total number of inactive history records deleted",
		},
	)

	// DBConnectionPoolUsage tracks the percentage of open connections in use
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reducer_db_connection_pool_usage_percent",
			Help: "Open database connections as a percentage of the pool size",
		},
	)
)
