package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are package-level, promauto-registered collectors: the
// standard Prometheus client pattern for a single-process daemon with
// one metrics endpoint.
var (
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskloopd_queue_depth",
			Help: "Current number of tasks by status",
		},
		[]string{"status"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskloopd_task_duration_seconds",
			Help:    "Wall-clock duration of a task from running to terminal state",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1s to ~9h
		},
		[]string{"outcome"},
	)

	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskloopd_task_retries_total",
			Help: "Total number of retries scheduled, by error_type",
		},
		[]string{"error_type"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskloopd_tasks_completed_total",
			Help: "Total number of tasks reaching a terminal state",
		},
		[]string{"outcome"},
	)

	IterationsPerTask = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskloopd_iterations_per_task",
			Help:    "Number of Executor iterations consumed per task",
			Buckets: prometheus.LinearBuckets(1, 1, 20),
		},
	)

	ToolResultRecoveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskloopd_tool_result_missing_recoveries_total",
			Help: "Total number of successful in-place tool_result_missing recoveries",
		},
	)
)

// RecordQueueDepth updates the per-status queue depth gauge.
func RecordQueueDepth(status string, depth float64) {
	QueueDepth.WithLabelValues(status).Set(depth)
}

// RecordTaskCompletion records a task's terminal outcome and duration.
func RecordTaskCompletion(outcome string, durationSeconds float64, iterations int) {
	TasksCompleted.WithLabelValues(outcome).Inc()
	TaskDuration.WithLabelValues(outcome).Observe(durationSeconds)
	IterationsPerTask.Observe(float64(iterations))
}

// RecordRetry records a scheduled retry for the given error_type.
func RecordRetry(errType string) {
	TaskRetries.WithLabelValues(errType).Inc()
}

// RecordToolResultRecovery records a successful tool_result_missing
// in-place recovery.
func RecordToolResultRecovery() {
	ToolResultRecoveries.Inc()
}
