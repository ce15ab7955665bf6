// Package metrics exposes prometheus instruments for pipeline execution.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stagehand"

// Metrics holds the controller's prometheus instruments.
type Metrics struct {
	StageRuns     *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	Transitions   *prometheus.CounterVec
	Escalations   *prometheus.CounterVec
	StoreErrors   prometheus.Counter
}

// New creates the instruments and registers them with reg. A nil reg
// leaves them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_runs_total",
			Help:      "Stage executions by stage name and outcome (success, failed, skipped, escalate).",
		}, []string{"stage", "outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of stage executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"stage"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_transitions_total",
			Help:      "Pipeline status transitions by target status.",
		}, []string{"status"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalations by type and resolution (raised, approved, rejected).",
		}, []string{"type", "resolution"}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed state store writes.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.StageRuns, m.StageDuration, m.Transitions, m.Escalations, m.StoreErrors)
	}
	return m
}

// ObserveStage records one stage execution. Safe on a nil receiver.
func (m *Metrics) ObserveStage(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageRuns.WithLabelValues(stage, outcome).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Transition records a pipeline moving to status.
func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(status).Inc()
}

// Escalation records an escalation being raised or resolved.
func (m *Metrics) Escalation(kind, resolution string) {
	if m == nil {
		return
	}
	m.Escalations.WithLabelValues(kind, resolution).Inc()
}

// StoreError records a failed persistence attempt.
func (m *Metrics) StoreError() {
	if m == nil {
		return
	}
	m.StoreErrors.Inc()
}
