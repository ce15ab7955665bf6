package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveStage(t *testing.T) {
	m := New(nil)

	m.ObserveStage("red", "success", 120*time.Millisecond)
	m.ObserveStage("red", "success", 80*time.Millisecond)
	m.ObserveStage("red", "failed", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StageRuns.WithLabelValues("red", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageRuns.WithLabelValues("red", "failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))
}

func TestTransitionsAndEscalations(t *testing.T) {
	m := New(nil)

	m.Transition("running")
	m.Transition("completed")
	m.Escalation("approval_required", "raised")
	m.Escalation("approval_required", "approved")
	m.StoreError()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Escalations.WithLabelValues("approval_required", "approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreErrors))
}

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Transition("pending")

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "stagehand_pipeline_transitions_total")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveStage("a", "success", time.Second)
		m.Transition("failed")
		m.Escalation("x", "raised")
		m.StoreError()
	})
}
