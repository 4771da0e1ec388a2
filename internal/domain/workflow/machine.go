package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carehaven/medround/internal/domain/episode"
	"github.com/carehaven/medround/internal/domain/prescription"
	"github.com/carehaven/medround/internal/domain/schedule"
	"github.com/carehaven/medround/internal/observability/metrics"
)

// PrescriptionLookup resolves a record's prescription
type PrescriptionLookup interface {
	GetPrescription(ctx context.Context, id string) (*prescription.Prescription, error)
}

// EpisodeChecker reports whether the patient is away at a dose instant
type EpisodeChecker interface {
	Check(ctx context.Context, patientID string, date schedule.Date, at schedule.Clock) (episode.Status, error)
}

// OutcomeKind is the requested dispensing result
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
)

func (k OutcomeKind) status() Status {
	if k == OutcomeFailure {
		return StatusFailed
	}
	return StatusCompleted
}

// Outcome is what the staff member reports at dispensing
type Outcome struct {
	Kind     OutcomeKind        `json:"outcome"`
	Reason   FailureReason      `json:"reason,omitempty"`
	Detail   string             `json:"detail,omitempty"`
	Notes    string             `json:"notes,omitempty"`
	Readings map[string]float64 `json:"readings,omitempty"`
}

// Success builds a success outcome
func Success(notes string) Outcome { return Outcome{Kind: OutcomeSuccess, Notes: notes} }

// Failure builds a failure outcome
func Failure(reason FailureReason, detail string) Outcome {
	return Outcome{Kind: OutcomeFailure, Reason: reason, Detail: detail}
}

// Validate checks the outcome shape
func (o Outcome) Validate() error {
	switch o.Kind {
	case OutcomeSuccess:
		return nil
	case OutcomeFailure:
		if !o.Reason.Valid() {
			return fmt.Errorf("unknown failure reason %q: %w", o.Reason, ErrInvalidInput)
		}
		if o.Reason == ReasonOther && o.Detail == "" {
			return fmt.Errorf("reason %s requires a detail: %w", ReasonOther, ErrInvalidInput)
		}
		return nil
	}
	return fmt.Errorf("unknown outcome %q: %w", o.Kind, ErrInvalidInput)
}

// Option configures a Machine
type Option func(*Machine)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithMetrics records transitions in m
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// Machine enforces the preparation, verification, dispensing pipeline.
// Every operation updates at most one record.
type Machine struct {
	store         Store
	prescriptions PrescriptionLookup
	episodes      EpisodeChecker
	logger        *zap.Logger
	tracer        trace.Tracer
	metrics       *metrics.Metrics
	now           func() time.Time
}

// NewMachine creates a new state machine. episodes may be nil, in which case
// dispensing never auto-fails.
func NewMachine(store Store, prescriptions PrescriptionLookup, episodes EpisodeChecker, logger *zap.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Machine{
		store:         store,
		prescriptions: prescriptions,
		episodes:      episodes,
		logger:        logger,
		tracer:        otel.Tracer("workflow-machine"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Complete marks a stage completed by staff. Completing dispensing is a
// successful dispense. Completing an already completed stage is a no-op.
func (m *Machine) Complete(ctx context.Context, recordID string, stage Stage, staff string) (*Record, error) {
	if stage == StageDispensing {
		return m.Dispense(ctx, recordID, staff, Success(""))
	}

	ctx, span := m.start(ctx, "workflow.complete", recordID, stage)
	defer span.End()

	rec, err := m.complete(ctx, recordID, stage, staff)
	m.observe(span, stage, "complete", err)
	return rec, err
}

func (m *Machine) complete(ctx context.Context, recordID string, stage Stage, staff string) (*Record, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("unknown stage %q: %w", stage, ErrInvalidInput)
	}
	rec, rx, err := m.load(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rx.SelfCare() {
		return nil, fmt.Errorf("record %s: %w", recordID, ErrSelfCare)
	}

	switch cur := rec.Stage(stage); {
	case cur.Status == StatusCompleted:
		return rec, nil
	case cur.Done():
		return nil, fmt.Errorf("record %s %s is %s: %w", recordID, stage, cur.Status, ErrStageNotPending)
	}
	if pre, ok := stage.Prerequisite(); ok && rec.Stage(pre).Status != StatusCompleted {
		return nil, fmt.Errorf("record %s %s before %s: %w", recordID, stage, pre, ErrStageOrder)
	}

	return m.store.Update(ctx, recordID, CompletePatch(stage, staff, m.now()))
}

// Dispense records the dispensing outcome. Hospitalization or leave at the
// dose instant forces a failure ahead of every other rule.
func (m *Machine) Dispense(ctx context.Context, recordID, staff string, out Outcome) (*Record, error) {
	ctx, span := m.start(ctx, "workflow.dispense", recordID, StageDispensing)
	defer span.End()

	rec, err := m.dispense(ctx, recordID, staff, out)
	m.observe(span, StageDispensing, "dispense", err)
	if err == nil {
		m.metrics.ObserveDispense(string(rec.Dispensing.Status), string(rec.FailureReason))
	}
	return rec, err
}

func (m *Machine) dispense(ctx context.Context, recordID, staff string, out Outcome) (*Record, error) {
	if err := out.Validate(); err != nil {
		return nil, err
	}
	rec, rx, err := m.load(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rx.SelfCare() {
		return nil, fmt.Errorf("record %s: %w", recordID, ErrSelfCare)
	}
	if rec.Dispensing.Done() {
		if rec.Dispensing.Status == out.Kind.status() {
			return rec, nil
		}
		return nil, fmt.Errorf("record %s dispensing is %s: %w", recordID, rec.Dispensing.Status, ErrStageNotPending)
	}

	now := m.now()
	var notes *string
	if out.Notes != "" {
		notes = &out.Notes
	}

	if away := m.awayStatus(ctx, rec); away.Away() {
		reason := ReasonOnLeave
		if away.Hospitalized {
			reason = ReasonHospitalized
		}
		return m.store.Update(ctx, recordID, Patch{Dispensing: &DispensingPatch{
			State:         stamped(StatusFailed, staff, now),
			FailureReason: reason,
			Inspection:    &prescription.InspectionResult{Hospitalized: away.Hospitalized, OnLeave: away.OnLeave},
			Notes:         notes,
		}})
	}

	if rec.Verification.Status != StatusCompleted && !rx.Immediate() {
		return nil, fmt.Errorf("record %s dispensing before verification: %w", recordID, ErrStageOrder)
	}

	d := &DispensingPatch{Notes: notes}
	status := out.Kind.status()
	if status == StatusFailed {
		d.FailureReason = out.Reason
		d.CustomReason = out.Detail
	}
	if rx.RequiresInspection() {
		if out.Readings == nil {
			return nil, fmt.Errorf("record %s: %w", recordID, ErrInspectionRequired)
		}
		res, err := prescription.Inspect(rx.InspectionRules, out.Readings)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w: %w", recordID, ErrInspectionRequired, err)
		}
		d.Inspection = res
		if !res.Passed && status == StatusCompleted {
			status = StatusFailed
			d.FailureReason = ReasonInspectionFailed
		}
	}
	d.State = stamped(status, staff, now)

	patch := Patch{Dispensing: d}
	if status == StatusCompleted && rx.Immediate() {
		if rec.Preparation.Status != StatusCompleted {
			prep := stamped(StatusCompleted, staff, now)
			patch.Preparation = &prep
		}
		if rec.Verification.Status != StatusCompleted {
			ver := stamped(StatusCompleted, staff, now)
			patch.Verification = &ver
		}
	}

	return m.store.Update(ctx, recordID, patch)
}

// awayStatus consults the episode source. An unavailable source does not
// block dispensing.
func (m *Machine) awayStatus(ctx context.Context, rec *Record) episode.Status {
	if m.episodes == nil {
		return episode.Status{}
	}
	s, err := m.episodes.Check(ctx, rec.PatientID, rec.ScheduledDate, rec.ScheduledTime)
	if err != nil {
		m.metrics.EpisodeCheckFailed()
		m.logger.Warn("episode check unavailable, dispensing without auto-fail",
			zap.String("record_id", rec.ID),
			zap.String("patient_id", rec.PatientID),
			zap.Error(err))
		return episode.Status{}
	}
	return s
}

// Revert resets a stage to pending regardless of the other stages
func (m *Machine) Revert(ctx context.Context, recordID string, stage Stage) (*Record, error) {
	ctx, span := m.start(ctx, "workflow.revert", recordID, stage)
	defer span.End()

	rec, err := m.revert(ctx, recordID, stage)
	m.observe(span, stage, "revert", err)
	return rec, err
}

func (m *Machine) revert(ctx context.Context, recordID string, stage Stage) (*Record, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("unknown stage %q: %w", stage, ErrInvalidInput)
	}
	rec, err := m.store.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Stage(stage).Pending() && (stage != StageDispensing || !rec.hasDispensingExtras()) {
		return rec, nil
	}
	return m.store.Update(ctx, recordID, RevertPatch(stage))
}

func (r *Record) hasDispensingExtras() bool {
	return r.FailureReason != "" || r.CustomFailureReason != "" || r.Inspection != nil
}

func (m *Machine) load(ctx context.Context, recordID string) (*Record, *prescription.Prescription, error) {
	rec, err := m.store.Get(ctx, recordID)
	if err != nil {
		return nil, nil, err
	}
	rx, err := m.prescriptions.GetPrescription(ctx, rec.PrescriptionID)
	if err != nil {
		if errors.Is(err, prescription.ErrNotFound) {
			return nil, nil, fmt.Errorf("record %s: %w: %w", recordID, ErrNotFound, err)
		}
		return nil, nil, fmt.Errorf("failed to load prescription %s: %w", rec.PrescriptionID, err)
	}
	return rec, rx, nil
}

func (m *Machine) start(ctx context.Context, name, recordID string, stage Stage) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("record_id", recordID),
		attribute.String("stage", string(stage)),
	))
}

func (m *Machine) observe(span trace.Span, stage Stage, action string, err error) {
	m.metrics.ObserveTransition(string(stage), action, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
