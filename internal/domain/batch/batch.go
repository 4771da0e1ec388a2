// Package batch applies the workflow state machine across many records at
// once. Each record settles independently: one failure neither blocks nor
// rolls back the others.
package batch

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carehaven/medround/internal/domain/prescription"
	"github.com/carehaven/medround/internal/domain/schedule"
	"github.com/carehaven/medround/internal/domain/workflow"
	"github.com/carehaven/medround/internal/observability/metrics"
	"github.com/carehaven/medround/pkg/workerpool"
)

// OperationFullProcess names the one-click operator in reports and metrics
const OperationFullProcess = "full-process"

// DefaultWorkers bounds concurrent record transitions per batch
const DefaultWorkers = 8

// Item is the outcome for one record
type Item struct {
	RecordID       string                 `json:"record_id"`
	PrescriptionID string                 `json:"prescription_id"`
	ScheduledDate  schedule.Date          `json:"scheduled_date"`
	ScheduledTime  schedule.Clock         `json:"scheduled_time"`
	OK             bool                   `json:"ok"`
	Error          string                 `json:"error,omitempty"`
	Dispensing     workflow.Status        `json:"dispensing_status,omitempty"`
	FailureReason  workflow.FailureReason `json:"failure_reason,omitempty"`

	err error
}

// Err returns the item's error
func (i Item) Err() error { return i.err }

// Report is the per-record tally of a batch
type Report struct {
	Operation string `json:"operation"`
	Eligible  int    `json:"eligible"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Items     []Item `json:"items"`
}

// Option configures an Operator
type Option func(*Operator)

// WithWorkers bounds concurrency
func WithWorkers(n int) Option {
	return func(o *Operator) { o.workers = n }
}

// WithMetrics records per-record outcomes in m
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Operator) { o.metrics = m }
}

// Operator selects eligible records and fans state machine calls out
type Operator struct {
	store         workflow.Store
	prescriptions workflow.PrescriptionLookup
	machine       *workflow.Machine
	workers       int
	logger        *zap.Logger
	tracer        trace.Tracer
	metrics       *metrics.Metrics
}

// New creates a new batch operator
func New(store workflow.Store, prescriptions workflow.PrescriptionLookup, machine *workflow.Machine, logger *zap.Logger, opts ...Option) *Operator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Operator{
		store:         store,
		prescriptions: prescriptions,
		machine:       machine,
		workers:       DefaultWorkers,
		logger:        logger,
		tracer:        otel.Tracer("workflow-batch"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CompleteStage completes stage on every eligible record of the patient in rng
func (o *Operator) CompleteStage(ctx context.Context, patientID string, rng schedule.DateRange, stage workflow.Stage, staff string) (Report, error) {
	if !stage.Valid() {
		return Report{}, fmt.Errorf("unknown stage %q: %w", stage, workflow.ErrInvalidInput)
	}
	return o.run(ctx, string(stage), patientID, rng,
		func(rec *workflow.Record, rx *prescription.Prescription) bool {
			return stageEligible(rec, rx, stage)
		},
		func(ctx context.Context, rec *workflow.Record) (*workflow.Record, error) {
			return o.machine.Complete(ctx, rec.ID, stage, staff)
		})
}

// FullProcess runs preparation, verification and dispensing in sequence on
// every one-click eligible record. Hospitalization and leave still route
// the dispensing outcome.
func (o *Operator) FullProcess(ctx context.Context, patientID string, rng schedule.DateRange, staff string) (Report, error) {
	return o.run(ctx, OperationFullProcess, patientID, rng,
		func(rec *workflow.Record, rx *prescription.Prescription) bool {
			return rx.OneClickEligible() && rec.Dispensing.Pending()
		},
		func(ctx context.Context, rec *workflow.Record) (*workflow.Record, error) {
			for _, st := range []workflow.Stage{workflow.StagePreparation, workflow.StageVerification} {
				if rec.Stage(st).Status == workflow.StatusCompleted {
					continue
				}
				if _, err := o.machine.Complete(ctx, rec.ID, st, staff); err != nil {
					return nil, err
				}
			}
			return o.machine.Dispense(ctx, rec.ID, staff, workflow.Success(""))
		})
}

// stageEligible selects records a one-tap stage action may touch
func stageEligible(rec *workflow.Record, rx *prescription.Prescription, stage workflow.Stage) bool {
	if rx.SelfCare() || !rec.Stage(stage).Pending() {
		return false
	}
	if pre, ok := stage.Prerequisite(); ok && rec.Stage(pre).Status != workflow.StatusCompleted {
		return false
	}
	switch stage {
	case workflow.StagePreparation, workflow.StageVerification:
		return !rx.Immediate()
	default:
		return !rx.RequiresInspection()
	}
}

type selector func(*workflow.Record, *prescription.Prescription) bool

type transition func(context.Context, *workflow.Record) (*workflow.Record, error)

func (o *Operator) run(ctx context.Context, op, patientID string, rng schedule.DateRange, eligible selector, apply transition) (Report, error) {
	ctx, span := o.tracer.Start(ctx, "workflow.batch", trace.WithAttributes(
		attribute.String("operation", op),
		attribute.String("patient_id", patientID),
	))
	defer span.End()

	if err := rng.Validate(); err != nil {
		return Report{}, err
	}
	recs, err := o.store.ListRecords(ctx, patientID, rng)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list records: %w", err)
	}
	selected, err := o.selectRecords(ctx, recs, eligible)
	if err != nil {
		return Report{}, err
	}

	outcomes := workerpool.Run(ctx, o.workers, selected, func(ctx context.Context, rec *workflow.Record) (*workflow.Record, error) {
		return apply(ctx, rec)
	})

	rep := Report{Operation: op, Eligible: len(selected), Items: make([]Item, len(selected))}
	for i, rec := range selected {
		item := Item{
			RecordID:       rec.ID,
			PrescriptionID: rec.PrescriptionID,
			ScheduledDate:  rec.ScheduledDate,
			ScheduledTime:  rec.ScheduledTime,
			err:            outcomes[i].Err,
		}
		o.metrics.ObserveBatch(op, item.err)
		if item.err != nil {
			item.Error = item.err.Error()
			rep.Failed++
			o.logger.Warn("batch transition failed",
				zap.String("operation", op),
				zap.String("record_id", rec.ID),
				zap.Error(item.err))
		} else {
			item.OK = true
			rep.Succeeded++
			if after := outcomes[i].Value; after != nil {
				item.Dispensing = after.Dispensing.Status
				item.FailureReason = after.FailureReason
			}
		}
		rep.Items[i] = item
	}

	span.SetAttributes(
		attribute.Int("eligible", rep.Eligible),
		attribute.Int("failed", rep.Failed),
	)
	return rep, nil
}

// selectRecords resolves each distinct prescription once. Records whose
// prescription no longer exists are not eligible.
func (o *Operator) selectRecords(ctx context.Context, recs []*workflow.Record, eligible selector) ([]*workflow.Record, error) {
	rxs := map[string]*prescription.Prescription{}
	var out []*workflow.Record
	for _, rec := range recs {
		rx, seen := rxs[rec.PrescriptionID]
		if !seen {
			var err error
			rx, err = o.prescriptions.GetPrescription(ctx, rec.PrescriptionID)
			if err != nil && !errors.Is(err, prescription.ErrNotFound) {
				return nil, fmt.Errorf("failed to load prescription %s: %w", rec.PrescriptionID, err)
			}
			rxs[rec.PrescriptionID] = rx
		}
		if rx != nil && eligible(rec, rx) {
			out = append(out, rec)
		}
	}
	return out, nil
}
