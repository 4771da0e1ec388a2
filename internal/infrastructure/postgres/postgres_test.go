package postgres

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carehaven/medround/internal/domain/prescription"
	"github.com/carehaven/medround/internal/domain/schedule"
	"github.com/carehaven/medround/internal/domain/workflow"
)

// setClause cuts the assignments out of an UPDATE, leaving the RETURNING list
// and WHERE clause behind
func setClause(t *testing.T, query string) string {
	t.Helper()
	_, rest, ok := strings.Cut(query, " SET ")
	require.True(t, ok, "no SET in %q", query)
	set, _, ok := strings.Cut(rest, " WHERE ")
	require.True(t, ok, "no WHERE in %q", query)
	return set
}

func TestBuildUpdateTouchesOnlyPatchedStages(t *testing.T) {
	at := time.Date(2025, time.June, 2, 8, 0, 0, 0, time.UTC)
	query, args, err := buildUpdate("rec-1", workflow.CompletePatch(workflow.StageVerification, "Nurse Chan", at), at)
	require.NoError(t, err)

	assert.Contains(t, query, "verification_status = $1")
	assert.Contains(t, query, "verification_staff = $2")
	assert.Contains(t, query, "updated_at = $4")
	assert.Contains(t, query, "WHERE id = $5")
	set := setClause(t, query)
	assert.Contains(t, set, "verification_time = $3")
	assert.NotContains(t, set, "preparation_")
	assert.NotContains(t, set, "dispensing_")
	assert.NotContains(t, set, "notes")
	assert.Equal(t, 4, strings.Count(set, " = $"))
	require.Len(t, args, 5)
	assert.Equal(t, "completed", args[0])
	assert.Equal(t, "rec-1", args[4])
}

func TestBuildUpdateRevertDispensingClearsExtrasButNotNotes(t *testing.T) {
	query, args, err := buildUpdate("rec-1", workflow.RevertPatch(workflow.StageDispensing), time.Now())
	require.NoError(t, err)

	assert.Contains(t, query, "dispensing_failure_reason = $4")
	assert.Contains(t, query, "inspection_check_result = $6")
	set := setClause(t, query)
	assert.NotContains(t, set, "notes")
	assert.NotContains(t, set, "preparation_")
	assert.Equal(t, "pending", args[0])
	assert.Nil(t, args[3])
	assert.Nil(t, args[5])
}

func TestBuildUpdateEncodesInspection(t *testing.T) {
	notes := "left arm"
	p := workflow.Patch{Dispensing: &workflow.DispensingPatch{
		State:         workflow.StageState{Status: workflow.StatusFailed, Staff: "Nurse Chan"},
		FailureReason: workflow.ReasonHospitalized,
		Inspection:    &prescription.InspectionResult{Hospitalized: true},
		Notes:         &notes,
	}}
	query, args, err := buildUpdate("rec-1", p, time.Now())
	require.NoError(t, err)

	assert.Contains(t, query, "notes = $7")
	raw, ok := args[5].([]byte)
	require.True(t, ok)
	var res prescription.InspectionResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.True(t, res.Hospitalized)
}

func TestBuildUpdateRejectsEmptyPatch(t *testing.T) {
	_, _, err := buildUpdate("rec-1", workflow.Patch{}, time.Now())
	assert.ErrorIs(t, err, workflow.ErrInvalidInput)
}

func TestListPrescriptionsQuery(t *testing.T) {
	r := schedule.DateRange{From: schedule.NewDate(2025, 6, 1), To: schedule.NewDate(2025, 6, 7)}
	query, args := listPrescriptionsQuery("p-1", prescription.Filter{
		Statuses: []prescription.Status{prescription.StatusActive},
		Overlaps: &r,
	})

	assert.Contains(t, query, "status = ANY($2)")
	assert.Contains(t, query, "start_date <= $3 AND (end_date IS NULL OR end_date >= $4)")
	require.Len(t, args, 4)
	assert.Equal(t, []string{"active"}, args[1])
	assert.Equal(t, r.To.Time(), args[2])

	query, args = listPrescriptionsQuery("p-1", prescription.Filter{})
	assert.False(t, strings.Contains(query, "ANY"))
	assert.Len(t, args, 1)
}

func TestEmbeddedMigrations(t *testing.T) {
	migs, err := LoadMigrations(migrationFiles)
	require.NoError(t, err)
	require.NotEmpty(t, migs)
	assert.Equal(t, 1, migs[0].Version)
	assert.Contains(t, migs[0].SQL, "UNIQUE (prescription_id, scheduled_date, scheduled_time)")
}

func TestClockRoundTrip(t *testing.T) {
	c := schedule.MustClock("20:45")
	assert.Equal(t, c, clockOf(clockValue(c)))
}

func TestEntryFromEventKeysByPatient(t *testing.T) {
	rec := workflow.NewRecord("p-9", "rx-1", schedule.DoseEvent{Date: schedule.NewDate(2025, 6, 2), Time: schedule.MustClock("08:00")}, time.Now())
	ev, err := workflow.MaterializedEvent(rec)
	require.NoError(t, err)

	entry, err := EntryFromEvent(ev, WorkflowEventsTopic)
	require.NoError(t, err)
	assert.Equal(t, "p-9", entry.Key)
	assert.Equal(t, WorkflowEventsTopic, entry.Topic)
	assert.Equal(t, string(workflow.EventRecordMaterialized), entry.EventType)
}
