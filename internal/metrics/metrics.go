// Package metrics exposes the Prometheus counters, histograms, and gauges
// described by the sink component.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksSubmitted counts accepted submissions by priority.
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inferplane_tasks_submitted_total",
		Help: "Total number of tasks accepted by the gateway",
	}, []string{"model", "priority"})

	// TasksRejected counts submissions turned away before enqueue.
	TasksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inferplane_tasks_rejected_total",
		Help: "Total number of submissions rejected before enqueue",
	}, []string{"reason"})

	// TaskCompleted counts terminal outcomes by model and status.
	TaskCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inferplane_tasks_completed_total",
		Help: "Total number of tasks reaching a terminal state",
	}, []string{"model", "status"})

	// TaskRetries counts retry attempts by model.
	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inferplane_task_retries_total",
		Help: "Total number of retry attempts by model",
	}, []string{"model"})

	// QueueDepth tracks pending task count per priority queue, polled
	// periodically from the broker rather than updated inline on every
	// Publish/Dequeue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "inferplane_queue_depth",
		Help: "Current number of tasks waiting in a priority queue",
	}, []string{"priority"})

	// ActiveWorkers tracks the number of running worker poll loops per
	// device.
	ActiveWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "inferplane_active_workers",
		Help: "Number of worker poll loops currently running, by device",
	}, []string{"device"})

	// PhaseDuration tracks per-phase timing of the runner's internal
	// load/prepare/infer/postprocess contract.
	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inferplane_phase_duration_seconds",
		Help:    "Duration of each runner phase",
		Buckets: prometheus.DefBuckets,
	}, []string{"model", "phase"})

	// ModelLoadDuration observes the worker's model_loading phase (runner
	// acquisition, including any cold-start load) in seconds.
	ModelLoadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inferplane_model_load_duration_seconds",
		Help:    "Duration of the model_loading phase",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	// InferenceDuration observes the worker's inference phase (the full
	// runner.Run call: prepare+infer+postprocess) in seconds.
	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inferplane_inference_duration_seconds",
		Help:    "Duration of the inference phase",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	// StorageDuration observes the worker's artifact-externalization phase
	// in seconds.
	StorageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inferplane_storage_duration_seconds",
		Help:    "Duration of the storage (artifact externalization) phase",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	// TotalDuration observes the worker's end-to-end job duration in
	// seconds.
	TotalDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inferplane_total_duration_seconds",
		Help:    "End-to-end duration of a single job attempt",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	// AuthFailures counts rejected requests by reason (missing_key,
	// invalid_key).
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inferplane_auth_failures_total",
		Help: "Total number of requests rejected by the auth guard",
	}, []string{"reason"})

	// TaskStatusChecked counts every status read by the returned status,
	// including PENDING reads for unknown task IDs.
	TaskStatusChecked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inferplane_task_status_checked_total",
		Help: "Total number of status reads, by observed status",
	}, []string{"status"})

	// RunnerLoads counts cold-start model loads by model and device.
	RunnerLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inferplane_runner_loads_total",
		Help: "Total number of runner Load() invocations (cache misses)",
	}, []string{"model", "device"})

	// CallbackAttempts counts best-effort callback POSTs by outcome.
	CallbackAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inferplane_callback_attempts_total",
		Help: "Total number of callback delivery attempts",
	}, []string{"outcome"})

	// BlobStoreOperations counts blob store reads/writes by backend and outcome.
	BlobStoreOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inferplane_blobstore_operations_total",
		Help: "Total number of blob store operations",
	}, []string{"backend", "op", "outcome"})

	// RateLimitRejections counts requests rejected for exceeding quota.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inferplane_rate_limit_rejections_total",
		Help: "Total number of requests rejected by the rate limiter",
	}, []string{"api_key_masked"})

	// IdempotencyHits counts submissions served from the idempotency cache.
	IdempotencyHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inferplane_idempotency_hits_total",
		Help: "Total number of submissions resolved from the idempotency cache",
	})
)
