package batch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carehaven/medround/internal/domain/batch"
	"github.com/carehaven/medround/internal/domain/episode"
	"github.com/carehaven/medround/internal/domain/prescription"
	"github.com/carehaven/medround/internal/domain/reconcile"
	"github.com/carehaven/medround/internal/domain/schedule"
	"github.com/carehaven/medround/internal/domain/workflow"
	"github.com/carehaven/medround/internal/infrastructure/memory"
)

var (
	hk  = time.FixedZone("HKT", 8*3600)
	day = schedule.NewDate(2025, time.June, 2)
	now = time.Date(2025, time.June, 2, 7, 0, 0, 0, hk)
)

var errWrite = errors.New("write timeout")

// flakyStore fails updates for one record
type flakyStore struct {
	*memory.RecordStore
	failID string
}

func (s *flakyStore) Update(ctx context.Context, id string, p workflow.Patch) (*workflow.Record, error) {
	if id == s.failID {
		return nil, errWrite
	}
	return s.RecordStore.Update(ctx, id, p)
}

func rx(id string, prep prescription.PreparationMethod, route prescription.Route) *prescription.Prescription {
	return &prescription.Prescription{
		ID:                id,
		PatientID:         "p-1",
		Status:            prescription.StatusActive,
		StartDate:         day,
		Frequency:         schedule.Daily{},
		TimeSlots:         []schedule.Clock{schedule.MustClock("08:00"), schedule.MustClock("20:00")},
		Route:             route,
		PreparationMethod: prep,
	}
}

type env struct {
	store    *flakyStore
	rxs      *memory.Prescriptions
	episodes *memory.Episodes
	op       *batch.Operator
}

func setup(t *testing.T, rxs ...*prescription.Prescription) *env {
	t.Helper()
	clock := func() time.Time { return now }
	e := &env{
		store:    &flakyStore{RecordStore: memory.NewRecordStore().WithClock(clock)},
		rxs:      memory.NewPrescriptions(rxs...),
		episodes: memory.NewEpisodes(),
	}
	_, err := reconcile.New(e.rxs, e.store, nil, reconcile.WithClock(clock)).
		Reconcile(context.Background(), "p-1", schedule.SingleDay(day))
	require.NoError(t, err)

	checker := episode.NewChecker(e.episodes, hk, nil, nil)
	m := workflow.NewMachine(e.store, e.rxs, checker, nil, workflow.WithClock(clock))
	e.op = batch.New(e.store, e.rxs, m, nil, batch.WithWorkers(3))
	return e
}

func (e *env) recordsOf(t *testing.T, rxID string) []*workflow.Record {
	t.Helper()
	all, err := e.store.ListRecords(context.Background(), "p-1", schedule.SingleDay(day))
	require.NoError(t, err)
	var out []*workflow.Record
	for _, r := range all {
		if r.PrescriptionID == rxID {
			out = append(out, r)
		}
	}
	return out
}

func TestCompleteStageSelectsEligibleRecords(t *testing.T) {
	e := setup(t,
		rx("advanced", prescription.PrepAdvanced, prescription.RouteOral),
		rx("immediate", prescription.PrepImmediate, prescription.RouteOral),
		rx("self", prescription.PrepCustom, prescription.RouteOral),
	)

	rep, err := e.op.CompleteStage(context.Background(), "p-1", schedule.SingleDay(day), workflow.StagePreparation, "Nurse Chan")
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Eligible)
	assert.Equal(t, 2, rep.Succeeded)

	for _, r := range e.recordsOf(t, "advanced") {
		assert.Equal(t, workflow.StatusCompleted, r.Preparation.Status)
	}
	for _, r := range e.recordsOf(t, "immediate") {
		assert.True(t, r.Preparation.Pending())
	}

	rep, err = e.op.CompleteStage(context.Background(), "p-1", schedule.SingleDay(day), workflow.StageDispensing, "Nurse Chan")
	require.NoError(t, err)
	assert.Zero(t, rep.Eligible, "verification still pending")
}

func TestCompleteStageToleratesPartialFailure(t *testing.T) {
	e := setup(t, rx("advanced", prescription.PrepAdvanced, prescription.RouteOral))
	recs := e.recordsOf(t, "advanced")
	require.Len(t, recs, 2)
	e.store.failID = recs[0].ID

	rep, err := e.op.CompleteStage(context.Background(), "p-1", schedule.SingleDay(day), workflow.StagePreparation, "Nurse Chan")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Succeeded)
	assert.Equal(t, 1, rep.Failed)

	for _, item := range rep.Items {
		if item.RecordID == recs[0].ID {
			assert.False(t, item.OK)
			assert.ErrorIs(t, item.Err(), errWrite)
		} else {
			assert.True(t, item.OK)
		}
	}
	after := e.recordsOf(t, "advanced")
	assert.True(t, after[0].Preparation.Pending())
	assert.Equal(t, workflow.StatusCompleted, after[1].Preparation.Status)
}

func TestFullProcessRoutesEpisodes(t *testing.T) {
	e := setup(t,
		rx("oral", prescription.PrepImmediate, prescription.RouteOral),
		rx("needle", prescription.PrepImmediate, prescription.RouteInjection),
	)
	e.episodes.Add(episode.Episode{ID: "ep-1", PatientID: "p-1", Events: []episode.Event{
		{Type: episode.EventAdmission, At: time.Date(2025, time.June, 2, 12, 0, 0, 0, hk)},
	}})

	rep, err := e.op.FullProcess(context.Background(), "p-1", schedule.SingleDay(day), "Nurse Lee")
	require.NoError(t, err)
	assert.Equal(t, batch.OperationFullProcess, rep.Operation)
	require.Equal(t, 2, rep.Eligible)
	assert.Equal(t, 2, rep.Succeeded)

	byTime := map[schedule.Clock]batch.Item{}
	for _, item := range rep.Items {
		byTime[item.ScheduledTime] = item
	}
	assert.Equal(t, workflow.StatusCompleted, byTime[schedule.MustClock("08:00")].Dispensing)
	assert.Equal(t, workflow.StatusFailed, byTime[schedule.MustClock("20:00")].Dispensing)
	assert.Equal(t, workflow.ReasonHospitalized, byTime[schedule.MustClock("20:00")].FailureReason)

	for _, r := range e.recordsOf(t, "needle") {
		assert.True(t, r.Dispensing.Pending(), "injections are not one-click")
	}
	for _, r := range e.recordsOf(t, "oral") {
		assert.Equal(t, "Nurse Lee", r.Preparation.Staff)
		assert.Equal(t, "Nurse Lee", r.Verification.Staff)
	}
}

func TestUnknownStage(t *testing.T) {
	e := setup(t)
	_, err := e.op.CompleteStage(context.Background(), "p-1", schedule.SingleDay(day), "labelling", "Nurse Chan")
	assert.ErrorIs(t, err, workflow.ErrInvalidInput)
}
