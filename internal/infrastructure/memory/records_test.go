package memory_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carehaven/medround/internal/domain/schedule"
	"github.com/carehaven/medround/internal/domain/workflow"
	"github.com/carehaven/medround/internal/infrastructure/memory"
)

var now = time.Date(2025, time.January, 1, 9, 0, 0, 0, time.UTC)

func record(patientID string, day int) *workflow.Record {
	return workflow.NewRecord(patientID, "rx-"+patientID, schedule.DoseEvent{
		Date: schedule.NewDate(2025, time.January, day),
		Time: schedule.MustClock("08:00"),
	}, now)
}

func TestDeleteRecordsOnePrunedEventPerPatient(t *testing.T) {
	store := memory.NewRecordStore().WithClock(func() time.Time { return now })
	a1, a2, b1 := record("p-a", 1), record("p-a", 2), record("p-b", 1)
	store.Seed(a1, a2, b1)

	n, err := store.Delete(context.Background(), []string{a1.ID, b1.ID, "missing", a2.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Zero(t, store.Len())

	pruned := map[string][]string{}
	for _, ev := range store.Events() {
		require.Equal(t, workflow.EventRecordsPruned, ev.EventType)
		var data workflow.RecordsPrunedData
		require.NoError(t, json.Unmarshal(ev.EventData, &data))
		pruned[ev.PatientID] = data.RecordIDs
	}
	assert.Equal(t, map[string][]string{
		"p-a": {a1.ID, a2.ID},
		"p-b": {b1.ID},
	}, pruned)
}

func TestDeleteNothingRecordsNoEvent(t *testing.T) {
	store := memory.NewRecordStore()
	n, err := store.Delete(context.Background(), []string{"missing"})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, store.Events())
}

func TestListPatientIDsFromRecords(t *testing.T) {
	store := memory.NewRecordStore()
	store.Seed(record("p-b", 2), record("p-a", 3), record("p-a", 4), record("p-c", 20))

	ids, err := store.ListPatientIDs(context.Background(), schedule.DateRange{
		From: schedule.NewDate(2025, time.January, 1),
		To:   schedule.NewDate(2025, time.January, 7),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"p-a", "p-b"}, ids)
}
