// Package reconcile makes the persisted workflow records of a patient match
// the dose-events implied by the patient's current prescriptions.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carehaven/medround/internal/domain/prescription"
	"github.com/carehaven/medround/internal/domain/schedule"
	"github.com/carehaven/medround/internal/domain/workflow"
	"github.com/carehaven/medround/internal/observability/metrics"
)

// DefaultMaxRangeDays bounds a single reconciliation run
const DefaultMaxRangeDays = 93

// Lister lists a patient's prescriptions
type Lister interface {
	ListPrescriptions(ctx context.Context, patientID string, filter prescription.Filter) ([]*prescription.Prescription, error)
}

// Result tallies one run
type Result struct {
	Expected   int `json:"expected"`
	Inserted   int `json:"inserted"`
	Pruned     int `json:"pruned"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
}

// Changed reports whether the run mutated storage
func (r Result) Changed() bool { return r.Inserted+r.Pruned+r.Duplicates > 0 }

// Option configures a Reconciler
type Option func(*Reconciler)

// WithClock overrides the creation timestamp source
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithMetrics records runs in m
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithMaxRangeDays caps the accepted range length
func WithMaxRangeDays(n int) Option {
	return func(r *Reconciler) { r.maxDays = n }
}

// Reconciler generates missing records, removes duplicates and prunes records
// whose dose-event no longer exists. It takes no locks: concurrent runs rely
// on the store's natural-key uniqueness and on the deterministic dedup order.
type Reconciler struct {
	prescriptions Lister
	store         workflow.Store
	logger        *zap.Logger
	tracer        trace.Tracer
	metrics       *metrics.Metrics
	now           func() time.Time
	maxDays       int
}

// New creates a new reconciler
func New(prescriptions Lister, store workflow.Store, logger *zap.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reconciler{
		prescriptions: prescriptions,
		store:         store,
		logger:        logger,
		tracer:        otel.Tracer("workflow-reconciler"),
		now:           time.Now,
		maxDays:       DefaultMaxRangeDays,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile runs one pass for a patient over rng
func (r *Reconciler) Reconcile(ctx context.Context, patientID string, rng schedule.DateRange) (res Result, err error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "workflow.reconcile", trace.WithAttributes(
		attribute.String("patient_id", patientID),
		attribute.String("range", rng.String()),
	))
	defer func() {
		r.metrics.ObserveReconcile(start, res.Inserted, res.Pruned, res.Duplicates, res.Skipped, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Int("inserted", res.Inserted),
				attribute.Int("pruned", res.Pruned),
				attribute.Int("duplicates", res.Duplicates),
			)
		}
		span.End()
	}()

	if err := rng.Validate(); err != nil {
		return Result{}, err
	}
	if r.maxDays > 0 && rng.Days() > r.maxDays {
		return Result{}, fmt.Errorf("range %s exceeds %d days: %w", rng, r.maxDays, schedule.ErrInvalidRange)
	}

	rxs, err := r.prescriptions.ListPrescriptions(ctx, patientID, prescription.Filter{Overlaps: &rng})
	if err != nil {
		return Result{}, fmt.Errorf("failed to list prescriptions: %w", err)
	}
	plan := r.expect(patientID, rxs, rng)
	res.Expected = len(plan.order)
	res.Skipped = plan.skipped

	existing, err := r.store.ListRecords(ctx, patientID, rng)
	if err != nil {
		return res, fmt.Errorf("failed to list records: %w", err)
	}

	var doomed []string
	have := make(map[workflow.Key]bool, len(existing))
	for key, group := range groupByKey(existing) {
		keep := workflow.Best(group)
		for _, rec := range group {
			if rec != keep {
				doomed = append(doomed, rec.ID)
				res.Duplicates++
			}
		}
		if _, want := plan.expected[key]; !want && !plan.malformed[key.PrescriptionID] {
			doomed = append(doomed, keep.ID)
			res.Pruned++
			continue
		}
		have[key] = true
	}

	if len(doomed) > 0 {
		if _, err := r.store.Delete(ctx, doomed); err != nil {
			return res, fmt.Errorf("failed to delete %d records: %w", len(doomed), err)
		}
		r.logger.Info("removed workflow records",
			zap.String("patient_id", patientID),
			zap.Int("pruned", res.Pruned),
			zap.Int("duplicates", res.Duplicates))
	}

	now := r.now()
	for _, key := range plan.order {
		if have[key] {
			continue
		}
		rec := workflow.NewRecord(patientID, key.PrescriptionID, schedule.DoseEvent{Date: key.Date, Time: key.Time}, now)
		ok, err := r.store.Insert(ctx, rec)
		if err != nil {
			return res, fmt.Errorf("failed to insert %s: %w", key, err)
		}
		if ok {
			res.Inserted++
		}
	}

	r.logger.Debug("reconciled patient",
		zap.String("patient_id", patientID),
		zap.Stringer("range", rng),
		zap.Int("expected", res.Expected),
		zap.Int("inserted", res.Inserted))
	return res, nil
}

type expectation struct {
	expected  map[workflow.Key]struct{}
	order     []workflow.Key
	malformed map[string]bool
	skipped   int
}

// expect computes the dose-events that should exist. Retired prescriptions
// expect nothing, so their records are pruned. Records of malformed
// prescriptions are neither generated nor pruned.
func (r *Reconciler) expect(patientID string, rxs []*prescription.Prescription, rng schedule.DateRange) expectation {
	e := expectation{expected: map[workflow.Key]struct{}{}, malformed: map[string]bool{}}
	for _, rx := range rxs {
		if rx.PatientID != patientID {
			continue
		}
		if err := rx.Validate(); err != nil {
			r.logger.Warn("skipping malformed prescription",
				zap.String("patient_id", patientID),
				zap.String("prescription_id", rx.ID),
				zap.Error(err))
			e.malformed[rx.ID] = true
			e.skipped++
			continue
		}
		if rx.Eligibility() == prescription.Retired {
			continue
		}
		for ev := range schedule.Expand(rx.Plan(), rng) {
			key := workflow.KeyOf(rx.ID, ev)
			if _, dup := e.expected[key]; dup {
				continue
			}
			e.expected[key] = struct{}{}
			e.order = append(e.order, key)
		}
	}
	return e
}

func groupByKey(recs []*workflow.Record) map[workflow.Key][]*workflow.Record {
	out := make(map[workflow.Key][]*workflow.Record, len(recs))
	for _, rec := range recs {
		out[rec.Key()] = append(out[rec.Key()], rec)
	}
	return out
}

// Window is the rolling range around now's calendar date, in now's location
func Window(now time.Time, back, ahead int) schedule.DateRange {
	today := schedule.DateOf(now)
	return schedule.DateRange{From: today.AddDays(-back), To: today.AddDays(ahead)}
}
