// Package observability holds the promauto instruments that don't belong to
// a single package's own metrics file because they're sampled from derived
// state (the overview snapshot, the per-family circuit breakers) rather than
// emitted at the call site that owns them, grounded on the teacher's
// observability/metrics.go.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of tasks in each status bucket, sampled
	// from audit.Service.GetOverview's status counts.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentqueue_queue_depth",
		Help: "Current number of tasks by status, sampled from the overview snapshot.",
	}, []string{"status"})

	// CircuitState tracks each task family's breaker state (0=closed,
	// 1=half_open, 2=open).
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentqueue_worker_circuit_state",
		Help: "Per-task-family circuit breaker state (0=closed, 1=half_open, 2=open).",
	}, []string{"family"})

	// TaskRetries tracks the total number of task retry attempts, used
	// alongside TaskSuccesses to watch the retry burn rate.
	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentqueue_task_retries_total",
		Help: "Total number of task retry attempts across all task families.",
	})

	// TaskSuccesses tracks the total number of successfully completed tasks.
	TaskSuccesses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentqueue_task_success_total",
		Help: "Total number of successfully completed tasks.",
	})
)
