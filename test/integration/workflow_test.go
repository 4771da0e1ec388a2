// Package integration runs the workflow engine against a real PostgreSQL.
// Set MEDROUND_TEST_DATABASE_URL to enable it; every run migrates a fresh
// schema and drops it afterwards.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carehaven/medround/internal/app"
	"github.com/carehaven/medround/internal/config"
	"github.com/carehaven/medround/internal/domain/schedule"
	"github.com/carehaven/medround/internal/domain/workflow"
	"github.com/carehaven/medround/internal/infrastructure/postgres"
	"github.com/carehaven/medround/pkg/idempotency"
	"github.com/carehaven/medround/pkg/workerpool"
)

func openEngine(t *testing.T) *app.Engine {
	t.Helper()
	url := os.Getenv("MEDROUND_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MEDROUND_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	admin, err := postgres.NewPool(ctx, postgres.PoolConfig{URL: url, MaxConns: 2})
	require.NoError(t, err)
	schema := "it_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+pgx.Identifier{schema}.Sanitize()+" CASCADE")
		admin.Close()
	})

	n, err := postgres.NewMigrator(admin, nil).Up(ctx, schema)
	require.NoError(t, err)
	require.Positive(t, n)

	engine, err := app.Open(ctx, &config.Config{
		DatabaseURL:        url,
		DBSchema:           schema,
		DBMaxConns:         4,
		Timezone:           "Asia/Hong_Kong",
		ReconcileDaysAhead: 1,
		MaxRangeDays:       93,
		BatchWorkers:       4,
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine
}

func addPrescription(t *testing.T, e *app.Engine, patientID string) string {
	t.Helper()
	id := uuid.NewString()
	_, err := e.Pool.Exec(context.Background(), `
		INSERT INTO prescriptions (id, patient_id, medication_name, start_date, medication_time_slots)
		VALUES ($1, $2, 'Amlodipine 5mg', '2024-03-01', ARRAY['08:00', '20:00'])`, id, patientID)
	require.NoError(t, err)
	return id
}

func TestWorkflowAgainstPostgres(t *testing.T) {
	e := openEngine(t)
	ctx := context.Background()
	patient := uuid.NewString()
	addPrescription(t, e, patient)
	rng := schedule.DateRange{From: schedule.NewDate(2024, time.March, 1), To: schedule.NewDate(2024, time.March, 3)}

	res, err := e.Reconciler.Reconcile(ctx, patient, rng)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Inserted)

	res, err = e.Reconciler.Reconcile(ctx, patient, rng)
	require.NoError(t, err)
	assert.False(t, res.Changed())

	recs, err := e.Records.ListRecords(ctx, patient, rng)
	require.NoError(t, err)
	require.Len(t, recs, 6)
	id := recs[0].ID

	_, err = e.Machine.Complete(ctx, id, workflow.StageVerification, "Nurse Chan")
	assert.ErrorIs(t, err, workflow.ErrPrecondition)

	_, err = e.Machine.Complete(ctx, id, workflow.StagePreparation, "Nurse Chan")
	require.NoError(t, err)
	_, err = e.Machine.Complete(ctx, id, workflow.StageVerification, "Nurse Wong")
	require.NoError(t, err)
	rec, err := e.Machine.Dispense(ctx, id, "Nurse Wong", workflow.Success("with water"))
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, rec.Dispensing.Status)
	assert.Equal(t, "with water", rec.Notes)

	rec, err = e.Machine.Revert(ctx, id, workflow.StageDispensing)
	require.NoError(t, err)
	assert.True(t, rec.Dispensing.Pending())
	assert.Equal(t, "with water", rec.Notes)

	var events int
	require.NoError(t, e.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM outbox WHERE partition_key = $1", patient).Scan(&events))
	assert.Greater(t, events, 6)
}

func TestSweepPrunesEndedPrescriptions(t *testing.T) {
	e := openEngine(t)
	ctx := context.Background()
	patient := uuid.NewString()
	addPrescription(t, e, patient)
	rng := schedule.DateRange{From: schedule.NewDate(2024, time.March, 1), To: schedule.NewDate(2024, time.March, 3)}

	report, err := e.Reconciler.Sweep(ctx, e.Prescriptions, rng, workerpool.DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, 6, report.Total.Inserted)

	_, err = e.Pool.Exec(ctx, `
		UPDATE prescriptions SET start_date = '2024-02-01', end_date = '2024-02-28'
		WHERE patient_id = $1`, patient)
	require.NoError(t, err)
	withRx, err := e.Prescriptions.ListPatientIDs(ctx, rng)
	require.NoError(t, err)
	assert.Empty(t, withRx)
	withRecords, err := e.Records.ListPatientIDs(ctx, rng)
	require.NoError(t, err)
	assert.Equal(t, []string{patient}, withRecords)

	report, err = e.Reconciler.Sweep(ctx, e.Prescriptions, rng, workerpool.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Patients)
	assert.Equal(t, 6, report.Total.Pruned)
	left, err := e.Records.ListRecords(ctx, patient, rng)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestSweepAndInbox(t *testing.T) {
	e := openEngine(t)
	ctx := context.Background()
	patients := []string{uuid.NewString(), uuid.NewString()}
	for _, p := range patients {
		addPrescription(t, e, p)
	}
	rng := schedule.DateRange{From: schedule.NewDate(2024, time.March, 1), To: schedule.NewDate(2024, time.March, 1)}

	ids, err := e.Prescriptions.ListPatientIDs(ctx, rng)
	require.NoError(t, err)
	assert.ElementsMatch(t, patients, ids)

	report, err := e.Reconciler.Sweep(ctx, e.Prescriptions, rng, workerpool.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 4, report.Total.Inserted)

	inbox := idempotency.NewInbox(e.Pool, idempotency.DefaultInboxConfig(), nil)
	key := idempotency.GenerateKey("ev-1", patients[0], "", time.Time{})
	calls := 0
	fn := func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		calls++
		out, err := e.Reconciler.Reconcile(ctx, patients[0], rng)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}

	first, err := inbox.Process(ctx, key, "reconcile-on-change", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.True(t, first.IsNew)
	second, err := inbox.Process(ctx, key, "reconcile-on-change", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.Equal(t, 1, calls)
}

type flakyPublisher struct {
	failures int
	sent     []string
}

func (p *flakyPublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, topic+"|"+key)
	return nil
}

func TestOutboxRelayHoldsPatientOrder(t *testing.T) {
	e := openEngine(t)
	ctx := context.Background()
	patient := uuid.NewString()
	addPrescription(t, e, patient)
	rng := schedule.DateRange{From: schedule.NewDate(2024, time.March, 1), To: schedule.NewDate(2024, time.March, 1)}
	_, err := e.Reconciler.Reconcile(ctx, patient, rng)
	require.NoError(t, err)

	pub := &flakyPublisher{failures: 1}
	relay := postgres.NewRelay(e.Pool, pub, postgres.RelayConfig{BatchSize: 50, MaxAttempts: 3}, nil)

	first, err := relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Failed)
	assert.Equal(t, first.Locked-1, first.Held)
	assert.Empty(t, pub.sent)

	backlog, err := relay.Backlog(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, first.Locked, backlog.Pending)
	assert.EqualValues(t, 1, backlog.Retrying)

	second, err := relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Locked, second.Published)
	for _, s := range pub.sent {
		assert.Equal(t, postgres.WorkflowEventsTopic+"|"+patient, s)
	}

	backlog, err = relay.Backlog(ctx)
	require.NoError(t, err)
	assert.Zero(t, backlog.Pending)
	assert.Nil(t, backlog.OldestPending)
}

func TestInboxRecordsPermanentFailure(t *testing.T) {
	e := openEngine(t)
	ctx := context.Background()
	inbox := idempotency.NewInbox(e.Pool, idempotency.DefaultInboxConfig(), nil)
	key := idempotency.GenerateKey("ev-bad", "", "", time.Time{})

	bad := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, idempotency.Permanent(errors.New("range too long"))
	}
	_, err := inbox.Process(ctx, key, "reconcile-on-change", json.RawMessage(`{}`), bad)
	require.True(t, idempotency.IsPermanent(err))

	_, err = inbox.Process(ctx, key, "reconcile-on-change", json.RawMessage(`{}`), bad)
	assert.ErrorIs(t, err, idempotency.ErrPreviouslyFailed)

	transientKey := idempotency.GenerateKey("ev-flaky", "", "", time.Time{})
	calls := 0
	flaky := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("connection reset")
		}
		return json.RawMessage(`{"ok":true}`), nil
	}
	_, err = inbox.Process(ctx, transientKey, "reconcile-on-change", json.RawMessage(`{}`), flaky)
	require.Error(t, err)
	res, err := inbox.Process(ctx, transientKey, "reconcile-on-change", json.RawMessage(`{}`), flaky)
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
	assert.JSONEq(t, `{"ok":true}`, string(res.Result))
}
