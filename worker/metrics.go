package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the worker runtime's promauto instruments, organized by
// phase the way the reference repo's observability/metrics.go is.
type Metrics struct {
	outcomes *prometheus.CounterVec
}

func newMetrics() *Metrics {
	return &Metrics{
		outcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentqueue_worker_task_outcomes_total",
			Help: "Count of task finalize outcomes by task name and status.",
		}, []string{"task", "status"}),
	}
}

func (m *Metrics) observeOutcome(task, status string) {
	m.outcomes.WithLabelValues(task, status).Inc()
}
