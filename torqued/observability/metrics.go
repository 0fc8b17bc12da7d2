package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksEnqueued counts tasks accepted by the dispatcher.
	TasksEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "torque_tasks_enqueued_total",
		Help: "Total number of tasks accepted and durably persisted",
	})

	// DispatchAttempts counts dispatch attempts by classified outcome.
	DispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torque_dispatch_attempts_total",
		Help: "Total number of dispatch attempts by outcome",
	}, []string{"outcome"}) // completed, retry, failed

	// DispatchDuration tracks the outbound call duration per attempt.
	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "torque_dispatch_duration_seconds",
		Help:    "Duration of outbound web-hook calls",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})

	// ClaimConflicts counts hints that lost the claim race. Expected under
	// normal operation: most bus messages target already-claimed tasks.
	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "torque_claim_conflicts_total",
		Help: "Hints discarded because the task was not claimable",
	})

	// CommitFenced counts transition commits rejected by the attempts fence.
	CommitFenced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "torque_commit_fenced_total",
		Help: "Outcome commits rejected because a later attempt owns the task",
	})

	// BusPublished counts successful notify publishes.
	BusPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "torque_bus_published_total",
		Help: "Task ids published on the notify bus",
	})

	// BusDropped counts notify publishes that were lost (best-effort).
	BusDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torque_bus_dropped_total",
		Help: "Notify publishes dropped or failed (recovered by the poller)",
	}, []string{"reason"}) // full, error

	// PollerSelected counts due ids republished by the poller.
	PollerSelected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "torque_poller_due_selected_total",
		Help: "Due task ids republished by the poller",
	})

	// GCSwept counts terminal rows removed by the retention sweep.
	GCSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "torque_gc_swept_total",
		Help: "Terminal tasks deleted by the garbage-collection sweep",
	})

	// TasksByStatus exports the aggregate counts behind GET /stats.
	TasksByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "torque_tasks_by_status",
		Help: "Current number of tasks in each lifecycle state",
	}, []string{"status"})

	// StoreLatency tracks task store operation roundtrip latency.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "torque_store_latency_seconds",
		Help:    "Task store operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	}, []string{"op"})

	// APIRateLimited counts enqueue requests rejected by the storm limiter.
	APIRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "torque_api_rate_limited_total",
		Help: "Ingress requests rejected by the enqueue rate limiter",
	})

	// RetriesScheduled counts retry transitions by backoff policy.
	RetriesScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torque_retries_scheduled_total",
		Help: "Retry transitions committed, by backoff policy",
	}, []string{"policy"})
)
