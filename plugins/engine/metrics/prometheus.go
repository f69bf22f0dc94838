package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/continuation"
)

type PrometheusCollector struct {
	workflowStarted  *prometheus.CounterVec
	workflowFinished *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec

	stepStarted  *prometheus.CounterVec
	stepFinished *prometheus.CounterVec
	stepRetried  *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
}

func NewPrometheusCollector(registry prometheus.Registerer) *PrometheusCollector {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &PrometheusCollector{
		workflowStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workspaced_workflow_started_total",
				Help: "Total number of workflow instances accepted",
			},
			[]string{"workflow"},
		),
		workflowFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workspaced_workflow_finished_total",
				Help: "Total number of workflow instances that reached a terminal result",
			},
			[]string{"workflow", "status", "reason"},
		),
		workflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workspaced_workflow_duration_seconds",
				Help:    "Time from acceptance to terminal result",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"workflow", "status"},
		),
		stepStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workspaced_step_started_total",
				Help: "Total number of step executions started",
			},
			[]string{"workflow", "state"},
		),
		stepFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workspaced_step_finished_total",
				Help: "Total number of step executions by result",
			},
			[]string{"workflow", "state", "status"},
		),
		stepRetried: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workspaced_step_retried_total",
				Help: "Total number of steps that asked to run again",
			},
			[]string{"workflow", "state"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workspaced_step_duration_seconds",
				Help:    "Duration of step execution in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"workflow", "state"},
		),
	}
}

func (c *PrometheusCollector) RecordWorkflowStarted(kind string) {
	c.workflowStarted.WithLabelValues(kind).Inc()
}

// RecordWorkflowFinished keeps only the leading reason code; reasons may
// carry error text after a colon.
func (c *PrometheusCollector) RecordWorkflowFinished(
	kind string,
	status continuation.ResultStatus,
	reason string,
	duration time.Duration,
) {
	c.workflowFinished.WithLabelValues(kind, string(status), reasonCode(reason)).Inc()
	c.workflowDuration.WithLabelValues(kind, string(status)).Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordStepStarted(kind, state string) {
	c.stepStarted.WithLabelValues(kind, state).Inc()
}

func (c *PrometheusCollector) RecordStepFinished(
	kind string,
	state string,
	status continuation.ResultStatus,
	duration time.Duration,
) {
	c.stepFinished.WithLabelValues(kind, state, string(status)).Inc()
	c.stepDuration.WithLabelValues(kind, state).Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordStepRetried(kind, state string) {
	c.stepRetried.WithLabelValues(kind, state).Inc()
}

func reasonCode(reason string) string {
	for i, r := range reason {
		if r == ':' || r == ' ' {
			return reason[:i]
		}
	}

	return reason
}
