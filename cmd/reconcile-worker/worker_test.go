package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/carehaven/medround/internal/domain/reconcile"
	"github.com/carehaven/medround/internal/domain/schedule"
	"github.com/carehaven/medround/internal/infrastructure/redpanda"
	"github.com/carehaven/medround/pkg/idempotency"
)

// memInbox mimics the Postgres inbox state machine
type memInbox struct {
	finished map[string]json.RawMessage
	failed   map[string]bool
}

func newMemInbox() *memInbox {
	return &memInbox{finished: map[string]json.RawMessage{}, failed: map[string]bool{}}
}

func (m *memInbox) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	if r, ok := m.finished[key]; ok {
		return &idempotency.ProcessResult{Result: r}, nil
	}
	if m.failed[key] {
		return nil, fmt.Errorf("%w: %s", idempotency.ErrPreviouslyFailed, key)
	}
	out, err := fn(ctx, payload)
	if err != nil {
		if idempotency.IsPermanent(err) {
			m.failed[key] = true
		}
		return nil, err
	}
	m.finished[key] = out
	return &idempotency.ProcessResult{IsNew: true, Result: out}, nil
}

type fakeReconciler struct {
	calls []string
	err   error
}

func (f *fakeReconciler) Reconcile(_ context.Context, patientID string, _ schedule.DateRange) (reconcile.Result, error) {
	f.calls = append(f.calls, patientID)
	if f.err != nil {
		return reconcile.Result{}, f.err
	}
	return reconcile.Result{Inserted: 2}, nil
}

type capture struct {
	topic, key string
	value      []byte
	err        error
}

func (c *capture) Publish(_ context.Context, topic, key string, value []byte) error {
	c.topic, c.key, c.value = topic, key, value
	return c.err
}

var window = schedule.DateRange{From: schedule.NewDate(2024, time.March, 1), To: schedule.NewDate(2024, time.March, 15)}

func newWorker(r reconciler) (*worker, *memInbox) {
	in := newMemInbox()
	return &worker{inbox: in, reconciler: r, window: func() schedule.DateRange { return window }, logger: zap.NewNop()}, in
}

func change(t *testing.T, eventID string) *redpanda.ConsumedMessage {
	t.Helper()
	v, err := (&redpanda.PrescriptionChange{
		EventID:        eventID,
		PatientID:      "p-1",
		PrescriptionID: "rx-1",
		ChangedAt:      time.Date(2024, time.March, 3, 1, 0, 0, 0, time.UTC),
	}).Encode()
	require.NoError(t, err)
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicPrescriptionChanges, Key: []byte("p-1"), Value: v}
}

func TestHandleReconcilesOncePerChange(t *testing.T) {
	rec := &fakeReconciler{}
	w, in := newWorker(rec)

	require.NoError(t, w.handle(context.Background(), change(t, "ev-1")))
	require.NoError(t, w.handle(context.Background(), change(t, "ev-1")))
	require.NoError(t, w.handle(context.Background(), change(t, "ev-2")))

	assert.Equal(t, []string{"p-1", "p-1"}, rec.calls)
	assert.Len(t, in.finished, 2)
}

func TestHandleMalformedIsNotRetryable(t *testing.T) {
	w, _ := newWorker(&fakeReconciler{})

	err := w.handle(context.Background(), &redpanda.ConsumedMessage{Value: []byte(`{"prescription_id":"rx-1"}`)})
	assert.ErrorIs(t, err, redpanda.ErrMalformedMessage)
	assert.False(t, redpanda.Retryable(err))
}

func TestHandleTransientFailureIsRetried(t *testing.T) {
	rec := &fakeReconciler{err: errors.New("connection reset")}
	w, in := newWorker(rec)

	err := w.handle(context.Background(), change(t, "ev-1"))
	require.Error(t, err)
	assert.True(t, redpanda.Retryable(err))

	rec.err = nil
	require.NoError(t, w.handle(context.Background(), change(t, "ev-1")))
	assert.Len(t, rec.calls, 2)
	assert.Len(t, in.finished, 1)
}

func TestHandleInvalidWindowFailsPermanently(t *testing.T) {
	rec := &fakeReconciler{err: fmt.Errorf("reconcile: %w", schedule.ErrInvalidRange)}
	w, in := newWorker(rec)

	err := w.handle(context.Background(), change(t, "ev-1"))
	require.Error(t, err)
	assert.True(t, idempotency.IsPermanent(err))
	assert.Len(t, in.failed, 1)

	require.NoError(t, w.handle(context.Background(), change(t, "ev-1")))
	assert.Len(t, rec.calls, 1)
}

func TestDeadLetterPayload(t *testing.T) {
	at := time.Date(2024, time.March, 3, 1, 2, 3, 0, time.UTC)
	c := &capture{}
	dl := deadLetterTo(c, func() time.Time { return at })

	msg := &redpanda.ConsumedMessage{Topic: redpanda.TopicPrescriptionChanges, Partition: 2, Offset: 41, Value: []byte("not json")}
	require.NoError(t, dl(context.Background(), msg, redpanda.ErrMalformedMessage))

	assert.Equal(t, redpanda.TopicDeadLetter, c.topic)
	assert.Equal(t, "prescription.changes/41", c.key)

	var got deadLetter
	require.NoError(t, json.Unmarshal(c.value, &got))
	assert.Equal(t, int32(2), got.Partition)
	assert.Equal(t, "malformed message", got.Error)
	assert.Equal(t, "not json", got.Raw)
	assert.Empty(t, got.Value)
	assert.True(t, got.FailedAt.Equal(at))

	c.err = errors.New("broker down")
	valid := change(t, "ev-1")
	assert.Error(t, dl(context.Background(), valid, errors.New("boom")))
	assert.Equal(t, "p-1", c.key)
	require.NoError(t, json.Unmarshal(c.value, &got))
	assert.JSONEq(t, string(valid.Value), string(got.Value))
}
