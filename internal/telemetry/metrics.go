package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	StepsSucceeded      = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_steps_succeeded_total", Help: "Workflow steps completed successfully"})
	StepsFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_steps_failed_total", Help: "Workflow step executions that failed"})
	WorkflowsCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflows_completed_total", Help: "Workflows driven to completion"})
	WorkflowsFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflows_failed_total", Help: "Workflows that failed terminally"})
	SchedulesDispatched = prometheus.NewCounter(prometheus.CounterOpts{Name: "schedules_dispatched_total", Help: "Schedule firings that enqueued a job"})
	SchedulesDisabled   = prometheus.NewCounter(prometheus.CounterOpts{Name: "schedules_disabled_total", Help: "Schedules auto-disabled for invalid expressions"})
	JobsEnqueued        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs added to the queue"})
	JobsDeadLettered    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_dead_lettered_total", Help: "Jobs that exhausted max attempts"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "api_rate_limit_rejects_total", Help: "API requests rejected by the rate limiter"})
	QueueDepthGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Ready queue depth across queues"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently leased by workers"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			StepsSucceeded,
			StepsFailed,
			WorkflowsCompleted,
			WorkflowsFailed,
			SchedulesDispatched,
			SchedulesDisabled,
			JobsEnqueued,
			JobsDeadLettered,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
