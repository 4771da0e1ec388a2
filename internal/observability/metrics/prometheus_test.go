package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveReconcile(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveReconcile(time.Now(), 4, 1, 2, 1, nil)
	m.ObserveReconcile(time.Now(), 0, 0, 0, 0, errors.New("store down"))

	assert.Equal(t, 4.0, testutil.ToFloat64(m.RecordsInserted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordsPruned))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DuplicatesRemoved))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileRuns.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileRuns.WithLabelValues("error")))
}

func TestObserveTransitionLabels(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveTransition("verification", "complete", nil)
	m.ObserveTransition("verification", "complete", errors.New("order"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageTransitions.WithLabelValues("verification", "complete", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageTransitions.WithLabelValues("verification", "complete", "error")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveReconcile(time.Now(), 1, 1, 1, 1, nil)
		m.ObserveTransition("preparation", "complete", nil)
		m.ObserveDispense("failed", "入院")
		m.EpisodeCheckFailed()
		m.ObserveBatch("full-process", nil)
		m.SetBreakerState("episodes", 1)
	})
}
