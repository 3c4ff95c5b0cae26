package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts workflow and step outcomes. A nil *Metrics is a valid
// no-op receiver, so callers that don't care simply pass nothing.
type Metrics struct {
	workflows    *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	stepResults  *prometheus.CounterVec
}

// NewMetrics registers the workflow metric family on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		workflows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironhive_workflows_total",
				Help: "Count of workflows by terminal status",
			},
			[]string{"status"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "ironhive_workflow_step_duration_seconds",
				Help: "Histogram of wall time per workflow step in seconds",
				// Steps range from sub-second probes to half-hour
				// commissioning waits.
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 13),
			},
			[]string{"step"},
		),
		stepResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironhive_workflow_step_results_total",
				Help: "Count of step results by status",
			},
			[]string{"step", "status"},
		),
	}
}

func (m *Metrics) observeStep(step string, status Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(elapsed.Seconds())
	m.stepResults.WithLabelValues(step, string(status)).Inc()
}

func (m *Metrics) observeWorkflow(status string) {
	if m == nil {
		return
	}
	m.workflows.WithLabelValues(status).Inc()
}
