package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/carehaven/medround/internal/domain/schedule"
)

func rec(id string, created time.Time, done ...Stage) *Record {
	r := NewRecord("p-1", "rx-1", schedule.DoseEvent{Date: schedule.NewDate(2024, 3, 3), Time: schedule.MustClock("08:00")}, created)
	r.ID = id
	for _, s := range done {
		st := stamped(StatusCompleted, "Nurse Chan", created)
		if s == StageDispensing {
			st.Status = StatusFailed
		}
		switch s {
		case StagePreparation:
			r.Preparation = st
		case StageVerification:
			r.Verification = st
		case StageDispensing:
			r.Dispensing = st
		}
	}
	return r
}

func TestScoreCountsFailedDispensing(t *testing.T) {
	now := time.Now()
	assert.Equal(t, 0, rec("a", now).Score())
	assert.Equal(t, 1, rec("a", now, StageDispensing).Score())
	assert.Equal(t, 3, rec("a", now, StagePreparation, StageVerification, StageDispensing).Score())
}

func TestBestPrefersProgressOverRecency(t *testing.T) {
	old := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	newer := old.Add(time.Hour)

	advanced := rec("a", old, StagePreparation)
	fresh := rec("b", newer)
	assert.Same(t, advanced, Best([]*Record{fresh, advanced}))

	tiedOld := rec("c", old, StagePreparation)
	tiedNew := rec("d", newer, StagePreparation)
	assert.Same(t, tiedNew, Best([]*Record{tiedOld, tiedNew}))

	twinA := rec("e", old)
	twinB := rec("f", old)
	assert.Same(t, twinA, Best([]*Record{twinB, twinA}))
	assert.Negative(t, Compare(twinA, twinB))
	assert.Zero(t, Compare(twinA, twinA))
}

func TestPatchLeavesSiblingsAlone(t *testing.T) {
	at := time.Date(2024, 3, 3, 8, 0, 0, 0, time.UTC)
	r := rec("a", at, StagePreparation, StageVerification)
	r.Notes = "right arm"

	RevertPatch(StageVerification).Apply(r, at)
	assert.Equal(t, StatusCompleted, r.Preparation.Status)
	assert.True(t, r.Verification.Pending())
	assert.True(t, r.Dispensing.Pending())
	assert.Equal(t, "right arm", r.Notes)
}

func TestParseStage(t *testing.T) {
	s, err := ParseStage(" Verification ")
	assert.NoError(t, err)
	assert.Equal(t, StageVerification, s)

	_, err = ParseStage("labelling")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
