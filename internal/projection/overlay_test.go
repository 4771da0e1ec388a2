package projection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carehaven/medround/internal/domain/schedule"
	"github.com/carehaven/medround/internal/domain/workflow"
)

var t0 = time.Date(2025, time.June, 2, 8, 0, 0, 0, time.UTC)

func record(id string) *workflow.Record {
	r := workflow.NewRecord("p-1", "rx-1", schedule.DoseEvent{Date: schedule.DateOf(t0), Time: schedule.MustClock("08:00")}, t0)
	r.ID = id
	return r
}

func TestProjectOverlaysWithoutMutatingServerRecords(t *testing.T) {
	o := New(10, time.Minute).WithClock(func() time.Time { return t0 })
	server := record("r-1")

	o.Begin("r-1", workflow.CompletePatch(workflow.StagePreparation, "Nurse Chan", t0))
	got := o.Project([]*workflow.Record{server, record("r-2")})

	assert.Equal(t, workflow.StatusCompleted, got[0].Preparation.Status)
	assert.True(t, server.Preparation.Pending())
	assert.True(t, got[1].Preparation.Pending())
	assert.Equal(t, server.UpdatedAt, got[0].UpdatedAt)
}

func TestSettledEntriesDisappear(t *testing.T) {
	o := New(10, time.Minute).WithClock(func() time.Time { return t0 })

	tok := o.Begin("r-1", workflow.RevertPatch(workflow.StageDispensing))
	assert.True(t, o.Pending("r-1"))
	o.Confirm(tok)
	assert.False(t, o.Pending("r-1"))

	tok = o.Begin("r-1", workflow.RevertPatch(workflow.StageDispensing))
	o.Discard(tok)
	assert.Zero(t, o.Len())
}

func TestStaleTokenDoesNotClearNewerTransition(t *testing.T) {
	o := New(10, time.Minute).WithClock(func() time.Time { return t0 })

	first := o.Begin("r-1", workflow.CompletePatch(workflow.StagePreparation, "Nurse Chan", t0))
	o.Begin("r-1", workflow.CompletePatch(workflow.StageVerification, "Nurse Chan", t0))
	o.Discard(first)

	require.True(t, o.Pending("r-1"))
	got := o.ProjectOne(record("r-1"))
	assert.Equal(t, workflow.StatusCompleted, got.Preparation.Status)
	assert.Equal(t, workflow.StatusCompleted, got.Verification.Status)
}

func TestOverlayIsBounded(t *testing.T) {
	now := t0
	o := New(2, time.Minute).WithClock(func() time.Time { return now })

	o.Begin("r-1", workflow.RevertPatch(workflow.StagePreparation))
	o.Begin("r-2", workflow.RevertPatch(workflow.StagePreparation))
	o.Begin("r-3", workflow.RevertPatch(workflow.StagePreparation))
	assert.Equal(t, 2, o.Len())
	assert.False(t, o.Pending("r-1"))

	now = now.Add(time.Minute)
	assert.Zero(t, o.Len())
}

func TestTrackSettlesEitherWay(t *testing.T) {
	o := New(10, time.Minute)
	patch := PredictDispense("Nurse Chan", workflow.Success(""), t0)

	_, err := o.Track(context.Background(), "r-1", patch, func(context.Context) (*workflow.Record, error) {
		assert.True(t, o.Pending("r-1"))
		return nil, errors.New("503")
	})
	assert.Error(t, err)
	assert.False(t, o.Pending("r-1"))

	got, err := o.Track(context.Background(), "r-1", patch, func(context.Context) (*workflow.Record, error) {
		return record("r-1"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "r-1", got.ID)
	assert.Zero(t, o.Len())
}

func TestPredictDispenseFailure(t *testing.T) {
	out := workflow.Failure(workflow.ReasonRefused, "")
	out.Notes = "spat out"
	p := PredictDispense("Nurse Chan", out, t0)

	r := record("r-1")
	p.Apply(r, t0)
	assert.Equal(t, workflow.StatusFailed, r.Dispensing.Status)
	assert.Equal(t, workflow.ReasonRefused, r.FailureReason)
	assert.Equal(t, "spat out", r.Notes)
}
