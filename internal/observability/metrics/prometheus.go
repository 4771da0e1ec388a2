// Package metrics provides Prometheus metrics for the medication workflow engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics records nothing.
type Metrics struct {
	ReconcileRuns         *prometheus.CounterVec
	ReconcileDuration     prometheus.Histogram
	RecordsInserted       prometheus.Counter
	RecordsPruned         prometheus.Counter
	DuplicatesRemoved     prometheus.Counter
	PrescriptionsSkipped  prometheus.Counter
	StageTransitions      *prometheus.CounterVec
	DispenseOutcomes      *prometheus.CounterVec
	EpisodeCheckFailures  prometheus.Counter
	BatchRecords          *prometheus.CounterVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg.
// A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		ReconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_reconcile_runs_total",
			Help: "Reconciliation runs by result",
		}, []string{"result"}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "workflow_reconcile_duration_seconds",
			Help:    "Reconciliation duration per patient",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		RecordsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_records_inserted_total",
			Help: "Workflow records materialized by reconciliation",
		}),
		RecordsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_records_pruned_total",
			Help: "Workflow records deleted because their dose-event no longer exists",
		}),
		DuplicatesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_duplicates_removed_total",
			Help: "Duplicate workflow records discarded by the dedup pass",
		}),
		PrescriptionsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_prescriptions_skipped_total",
			Help: "Malformed prescriptions skipped during reconciliation",
		}),
		StageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_stage_transitions_total",
			Help: "Stage transitions by stage, action and result",
		}, []string{"stage", "action", "result"}),
		DispenseOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_dispense_outcomes_total",
			Help: "Recorded dispensing outcomes by status and failure reason",
		}, []string{"status", "reason"}),
		EpisodeCheckFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_episode_check_failures_total",
			Help: "Dispenses that proceeded without the hospitalization/leave check",
		}),
		BatchRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_batch_records_total",
			Help: "Records handled by batch operators by operation and result",
		}, []string{"operation", "result"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.ReconcileRuns,
		m.ReconcileDuration,
		m.RecordsInserted,
		m.RecordsPruned,
		m.DuplicatesRemoved,
		m.PrescriptionsSkipped,
		m.StageTransitions,
		m.DispenseOutcomes,
		m.EpisodeCheckFailures,
		m.BatchRecords,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveReconcile records one reconciliation run
func (m *Metrics) ObserveReconcile(start time.Time, inserted, pruned, duplicates, skipped int, err error) {
	if m == nil {
		return
	}
	m.ReconcileDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		m.ReconcileRuns.WithLabelValues("error").Inc()
		return
	}
	m.ReconcileRuns.WithLabelValues("ok").Inc()
	m.RecordsInserted.Add(float64(inserted))
	m.RecordsPruned.Add(float64(pruned))
	m.DuplicatesRemoved.Add(float64(duplicates))
	m.PrescriptionsSkipped.Add(float64(skipped))
}

// ObserveTransition records a state machine call
func (m *Metrics) ObserveTransition(stage, action string, err error) {
	if m == nil {
		return
	}
	m.StageTransitions.WithLabelValues(stage, action, result(err)).Inc()
}

// ObserveDispense records the persisted dispensing status
func (m *Metrics) ObserveDispense(status, reason string) {
	if m == nil {
		return
	}
	m.DispenseOutcomes.WithLabelValues(status, reason).Inc()
}

// EpisodeCheckFailed counts a dispense that skipped the episode check
func (m *Metrics) EpisodeCheckFailed() {
	if m == nil {
		return
	}
	m.EpisodeCheckFailures.Inc()
}

// ObserveBatch records one record's outcome inside a batch
func (m *Metrics) ObserveBatch(operation string, err error) {
	if m == nil {
		return
	}
	m.BatchRecords.WithLabelValues(operation, result(err)).Inc()
}

// SetBreakerState exports a circuit breaker state
func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves the metrics gathered by g
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// MessageProduced counts one record acknowledged by the brokers
func (m *Metrics) MessageProduced() {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Inc()
}

// MessageConsumed counts one record handled by a consumer
func (m *Metrics) MessageConsumed() {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Inc()
}

// SetOutboxPending records the relay backlog
func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}
