package workflow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carehaven/medround/internal/domain/episode"
	"github.com/carehaven/medround/internal/domain/prescription"
	"github.com/carehaven/medround/internal/domain/schedule"
	"github.com/carehaven/medround/internal/domain/workflow"
	"github.com/carehaven/medround/internal/infrastructure/memory"
)

var (
	hk      = time.FixedZone("HKT", 8*3600)
	doseDay = schedule.NewDate(2024, time.March, 3)
	fixedAt = time.Date(2024, time.March, 3, 7, 45, 0, 0, hk)
)

type fixture struct {
	store    *memory.RecordStore
	rxs      *memory.Prescriptions
	episodes *memory.Episodes
	machine  *workflow.Machine
}

func newFixture(t *testing.T, rxs ...*prescription.Prescription) *fixture {
	t.Helper()
	now := func() time.Time { return fixedAt }
	f := &fixture{
		store:    memory.NewRecordStore().WithClock(now),
		rxs:      memory.NewPrescriptions(rxs...),
		episodes: memory.NewEpisodes(),
	}
	checker := episode.NewChecker(f.episodes, hk, nil, nil)
	f.machine = workflow.NewMachine(f.store, f.rxs, checker, nil, workflow.WithClock(now))
	return f
}

func (f *fixture) record(t *testing.T, rxID string) *workflow.Record {
	t.Helper()
	rec := workflow.NewRecord("p-1", rxID, schedule.DoseEvent{Date: doseDay, Time: schedule.MustClock("08:00")}, fixedAt)
	ok, err := f.store.Insert(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, ok)
	return rec
}

func oral(id string, prep prescription.PreparationMethod) *prescription.Prescription {
	return &prescription.Prescription{
		ID:                id,
		PatientID:         "p-1",
		Status:            prescription.StatusActive,
		StartDate:         schedule.NewDate(2024, time.January, 1),
		TimeSlots:         []schedule.Clock{schedule.MustClock("08:00")},
		Route:             prescription.RouteOral,
		PreparationMethod: prep,
	}
}

func TestCompleteFollowsStageOrder(t *testing.T) {
	f := newFixture(t, oral("rx-1", prescription.PrepAdvanced))
	rec := f.record(t, "rx-1")
	ctx := context.Background()

	_, err := f.machine.Complete(ctx, rec.ID, workflow.StageVerification, "Nurse Chan")
	assert.ErrorIs(t, err, workflow.ErrStageOrder)
	assert.ErrorIs(t, err, workflow.ErrPrecondition)

	got, err := f.machine.Complete(ctx, rec.ID, workflow.StagePreparation, "Nurse Chan")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, got.Preparation.Status)
	assert.Equal(t, "Nurse Chan", got.Preparation.Staff)
	require.NotNil(t, got.Preparation.At)
	assert.True(t, got.Preparation.At.Equal(fixedAt))

	got, err = f.machine.Complete(ctx, rec.ID, workflow.StageVerification, "Nurse Wong")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, got.Verification.Status)
	assert.Equal(t, "Nurse Chan", got.Preparation.Staff)
}

func TestCompleteDispensingBeforeVerificationLeavesRecordUnchanged(t *testing.T) {
	f := newFixture(t, oral("rx-1", prescription.PrepAdvanced))
	rec := f.record(t, "rx-1")
	ctx := context.Background()

	_, err := f.machine.Complete(ctx, rec.ID, workflow.StagePreparation, "Nurse Chan")
	require.NoError(t, err)
	before, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)

	_, err = f.machine.Complete(ctx, rec.ID, workflow.StageDispensing, "Nurse Chan")
	assert.ErrorIs(t, err, workflow.ErrPrecondition)

	after, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCompleteIsIdempotent(t *testing.T) {
	f := newFixture(t, oral("rx-1", prescription.PrepAdvanced))
	rec := f.record(t, "rx-1")
	ctx := context.Background()

	first, err := f.machine.Complete(ctx, rec.ID, workflow.StagePreparation, "Nurse Chan")
	require.NoError(t, err)
	second, err := f.machine.Complete(ctx, rec.ID, workflow.StagePreparation, "Nurse Wong")
	require.NoError(t, err)
	assert.Equal(t, first.Preparation, second.Preparation)
}

func TestSelfCareRejectsEveryTransition(t *testing.T) {
	f := newFixture(t, oral("rx-1", prescription.PrepCustom))
	rec := f.record(t, "rx-1")
	ctx := context.Background()

	for _, st := range workflow.Stages {
		_, err := f.machine.Complete(ctx, rec.ID, st, "Nurse Chan")
		assert.ErrorIs(t, err, workflow.ErrSelfCare, st)
	}
	_, err := f.machine.Dispense(ctx, rec.ID, "Nurse Chan", workflow.Failure(workflow.ReasonRefused, ""))
	assert.ErrorIs(t, err, workflow.ErrSelfCare)
}

func TestImmediatePreparationBackfillsStages(t *testing.T) {
	f := newFixture(t, oral("rx-1", prescription.PrepImmediate))
	rec := f.record(t, "rx-1")

	got, err := f.machine.Dispense(context.Background(), rec.ID, "Nurse Lee", workflow.Success(""))
	require.NoError(t, err)

	for _, st := range workflow.Stages {
		state := got.Stage(st)
		assert.Equal(t, workflow.StatusCompleted, state.Status, st)
		assert.Equal(t, "Nurse Lee", state.Staff, st)
	}
}

func TestImmediatePreparationFailureDoesNotBackfill(t *testing.T) {
	f := newFixture(t, oral("rx-1", prescription.PrepImmediate))
	rec := f.record(t, "rx-1")

	got, err := f.machine.Dispense(context.Background(), rec.ID, "Nurse Lee", workflow.Failure(workflow.ReasonRefused, ""))
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, got.Dispensing.Status)
	assert.Equal(t, workflow.ReasonRefused, got.FailureReason)
	assert.True(t, got.Preparation.Pending())
	assert.True(t, got.Verification.Pending())
}

func TestHospitalizationOverridesRequestedOutcome(t *testing.T) {
	f := newFixture(t, oral("rx-1", prescription.PrepAdvanced))
	rec := f.record(t, "rx-1")
	f.episodes.Add(episode.Episode{ID: "ep-1", PatientID: "p-1", Events: []episode.Event{
		{Type: episode.EventAdmission, At: time.Date(2024, time.March, 2, 20, 0, 0, 0, hk)},
	}})

	got, err := f.machine.Dispense(context.Background(), rec.ID, "Nurse Chan", workflow.Success("left arm"))
	require.NoError(t, err, "hospitalization bypasses stage ordering")
	assert.Equal(t, workflow.StatusFailed, got.Dispensing.Status)
	assert.Equal(t, workflow.ReasonHospitalized, got.FailureReason)
	require.NotNil(t, got.Inspection)
	assert.True(t, got.Inspection.Hospitalized)
	assert.True(t, got.Preparation.Pending())
}

func TestLeaveForcesOnLeaveFailure(t *testing.T) {
	f := newFixture(t, oral("rx-1", prescription.PrepImmediate))
	rec := f.record(t, "rx-1")
	f.episodes.Add(episode.Episode{ID: "ep-1", PatientID: "p-1", Events: []episode.Event{
		{Type: episode.EventVacationStart, At: time.Date(2024, time.March, 1, 9, 0, 0, 0, hk)},
		{Type: episode.EventVacationEnd, At: time.Date(2024, time.March, 4, 9, 0, 0, 0, hk)},
	}})

	got, err := f.machine.Dispense(context.Background(), rec.ID, "Nurse Chan", workflow.Success(""))
	require.NoError(t, err)
	assert.Equal(t, workflow.ReasonOnLeave, got.FailureReason)
	assert.True(t, got.Inspection.OnLeave)
	assert.True(t, got.Verification.Pending(), "forced failure does not backfill")
}

func TestEpisodeSourceOutageFailsOpen(t *testing.T) {
	f := newFixture(t, oral("rx-1", prescription.PrepImmediate))
	rec := f.record(t, "rx-1")
	f.episodes.FailWith(errors.New("timeout"))

	got, err := f.machine.Dispense(context.Background(), rec.ID, "Nurse Chan", workflow.Success(""))
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, got.Dispensing.Status)
}

func TestInspectionGating(t *testing.T) {
	rx := oral("rx-1", prescription.PrepImmediate)
	rx.InspectionRules = []prescription.InspectionRule{
		{VitalSign: "systolic", Operator: prescription.OpGreater, Threshold: 100},
	}
	ctx := context.Background()

	t.Run("missing readings", func(t *testing.T) {
		f := newFixture(t, rx)
		rec := f.record(t, "rx-1")
		_, err := f.machine.Dispense(ctx, rec.ID, "Nurse Chan", workflow.Success(""))
		assert.ErrorIs(t, err, workflow.ErrInspectionRequired)
	})

	t.Run("violation forces failure", func(t *testing.T) {
		f := newFixture(t, rx)
		rec := f.record(t, "rx-1")
		out := workflow.Success("")
		out.Readings = map[string]float64{"systolic": 92}

		got, err := f.machine.Dispense(ctx, rec.ID, "Nurse Chan", out)
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusFailed, got.Dispensing.Status)
		assert.Equal(t, workflow.ReasonInspectionFailed, got.FailureReason)
		require.NotNil(t, got.Inspection)
		require.Len(t, got.Inspection.Violations(), 1)
		assert.Equal(t, 92.0, got.Inspection.Violations()[0].Actual)
	})

	t.Run("pass permits success", func(t *testing.T) {
		f := newFixture(t, rx)
		rec := f.record(t, "rx-1")
		out := workflow.Success("")
		out.Readings = map[string]float64{"systolic": 120}

		got, err := f.machine.Dispense(ctx, rec.ID, "Nurse Chan", out)
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusCompleted, got.Dispensing.Status)
		assert.True(t, got.Inspection.Passed)
	})
}

func TestDispenseValidatesOutcome(t *testing.T) {
	f := newFixture(t, oral("rx-1", prescription.PrepImmediate))
	rec := f.record(t, "rx-1")
	ctx := context.Background()

	_, err := f.machine.Dispense(ctx, rec.ID, "Nurse Chan", workflow.Failure(workflow.ReasonOther, ""))
	assert.ErrorIs(t, err, workflow.ErrInvalidInput)

	_, err = f.machine.Dispense(ctx, rec.ID, "Nurse Chan", workflow.Failure("lost", ""))
	assert.ErrorIs(t, err, workflow.ErrInvalidInput)

	got, err := f.machine.Dispense(ctx, rec.ID, "Nurse Chan", workflow.Failure(workflow.ReasonOther, "vomited"))
	require.NoError(t, err)
	assert.Equal(t, "vomited", got.CustomFailureReason)

	_, err = f.machine.Dispense(ctx, rec.ID, "Nurse Chan", workflow.Success(""))
	assert.ErrorIs(t, err, workflow.ErrStageNotPending)
}

func TestRevertDoesNotCascade(t *testing.T) {
	f := newFixture(t, oral("rx-1", prescription.PrepImmediate))
	rec := f.record(t, "rx-1")
	ctx := context.Background()

	done, err := f.machine.Dispense(ctx, rec.ID, "Nurse Chan", workflow.Success("left deltoid"))
	require.NoError(t, err)

	got, err := f.machine.Revert(ctx, rec.ID, workflow.StagePreparation)
	require.NoError(t, err)
	assert.True(t, got.Preparation.Pending())
	assert.Empty(t, got.Preparation.Staff)
	assert.Nil(t, got.Preparation.At)
	assert.Equal(t, done.Verification, got.Verification)
	assert.Equal(t, done.Dispensing, got.Dispensing)
	assert.Equal(t, "left deltoid", got.Notes)
}

func TestRevertDispensingClearsFailureDetails(t *testing.T) {
	f := newFixture(t, oral("rx-1", prescription.PrepImmediate))
	rec := f.record(t, "rx-1")
	ctx := context.Background()

	out := workflow.Failure(workflow.ReasonOther, "asleep")
	out.Notes = "retry at 10:00"
	_, err := f.machine.Dispense(ctx, rec.ID, "Nurse Chan", out)
	require.NoError(t, err)

	got, err := f.machine.Revert(ctx, rec.ID, workflow.StageDispensing)
	require.NoError(t, err)
	assert.True(t, got.Dispensing.Pending())
	assert.Empty(t, got.FailureReason)
	assert.Empty(t, got.CustomFailureReason)
	assert.Nil(t, got.Inspection)
	assert.Equal(t, "retry at 10:00", got.Notes)

	again, err := f.machine.Revert(ctx, rec.ID, workflow.StageDispensing)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestUnknownRecord(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.Revert(context.Background(), "missing", workflow.StagePreparation)
	assert.ErrorIs(t, err, workflow.ErrNotFound)
}

func TestTransitionsEmitEvents(t *testing.T) {
	f := newFixture(t, oral("rx-1", prescription.PrepImmediate))
	rec := f.record(t, "rx-1")
	ctx := context.Background()

	_, err := f.machine.Dispense(ctx, rec.ID, "Nurse Chan", workflow.Success(""))
	require.NoError(t, err)
	_, err = f.machine.Revert(ctx, rec.ID, workflow.StageDispensing)
	require.NoError(t, err)

	var types []workflow.EventType
	for _, ev := range f.store.Events() {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []workflow.EventType{
		workflow.EventRecordMaterialized,
		workflow.EventStageCompleted,
		workflow.EventStageCompleted,
		workflow.EventStageCompleted,
		workflow.EventStageReverted,
	}, types)
}
