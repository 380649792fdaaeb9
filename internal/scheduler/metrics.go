package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	internalprom "github.com/groupcast/groupcast/internal/pkg/prometheus"
)

var (
	metricSweeps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "groupcast",
		Subsystem: "scheduler",
		Name:      "sweeps_total",
		Help:      "Number of due-job sweeps performed.",
	})

	metricEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "groupcast",
		Subsystem: "scheduler",
		Name:      "jobs_enqueued_total",
		Help:      "Number of job executions enqueued by sweeps.",
	})

	metricPersistErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "groupcast",
		Subsystem: "scheduler",
		Name:      "persist_errors_total",
		Help:      "Number of failed job store writes.",
	})

	metricExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groupcast",
		Subsystem: "worker",
		Name:      "executions_total",
		Help:      "Completed job executions by outcome.",
	}, []string{"status"})

	metricTargets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groupcast",
		Subsystem: "worker",
		Name:      "targets_total",
		Help:      "Individual target deliveries by result.",
	}, []string{"result"})
)

func init() {
	internalprom.GetRegistry().MustRegister(
		metricSweeps,
		metricEnqueued,
		metricPersistErrors,
		metricExecutions,
		metricTargets,
	)
}
