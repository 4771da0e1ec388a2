package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/carehaven/medround/internal/domain/reconcile"
	"github.com/carehaven/medround/internal/domain/schedule"
	"github.com/carehaven/medround/internal/infrastructure/redpanda"
	"github.com/carehaven/medround/pkg/idempotency"
)

const handlerName = "reconcile-on-change"

type inbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

type reconciler interface {
	Reconcile(ctx context.Context, patientID string, rng schedule.DateRange) (reconcile.Result, error)
}

type publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// worker reconciles a patient's rolling window whenever one of their
// prescriptions changes
type worker struct {
	inbox      inbox
	reconciler reconciler
	window     func() schedule.DateRange
	logger     *zap.Logger
}

// handle is the consumer's message handler. Redelivered changes are absorbed
// by the inbox; a change that failed permanently is acknowledged and skipped.
func (w *worker) handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	ch, err := redpanda.DecodePrescriptionChange(msg.Value)
	if err != nil {
		return err
	}
	key := idempotency.GenerateKey(ch.EventID, ch.PatientID, ch.PrescriptionID, ch.ChangedAt)
	rng := w.window()

	res, err := w.inbox.Process(ctx, key, handlerName, msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		out, err := w.reconciler.Reconcile(ctx, ch.PatientID, rng)
		if err != nil {
			if errors.Is(err, schedule.ErrInvalidRange) {
				return nil, idempotency.Permanent(err)
			}
			return nil, err
		}
		return json.Marshal(out)
	})
	switch {
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		w.logger.Warn("skipping change that failed permanently",
			zap.String("patient_id", ch.PatientID),
			zap.String("key", key))
		return nil
	case err != nil:
		return err
	}

	w.logger.Info("patient reconciled",
		zap.String("patient_id", ch.PatientID),
		zap.String("prescription_id", ch.PrescriptionID),
		zap.Bool("duplicate", !res.IsNew && !res.WasRecovered),
		zap.String("from", rng.From.String()),
		zap.String("to", rng.To.String()))
	return nil
}

// deadLetter is what the dead-letter topic carries for a failed change
type deadLetter struct {
	Topic     string          `json:"topic"`
	Partition int32           `json:"partition"`
	Offset    int64           `json:"offset"`
	Error     string          `json:"error"`
	Value     json.RawMessage `json:"value,omitempty"`
	Raw       string          `json:"raw,omitempty"`
	FailedAt  time.Time       `json:"failed_at"`
}

func deadLetterTo(p publisher, now func() time.Time) redpanda.DeadLetterFunc {
	return func(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) error {
		dl := deadLetter{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Error:     cause.Error(),
			FailedAt:  now().UTC(),
		}
		if json.Valid(msg.Value) {
			dl.Value = msg.Value
		} else {
			dl.Raw = string(msg.Value)
		}
		b, err := json.Marshal(dl)
		if err != nil {
			return fmt.Errorf("encode dead letter: %w", err)
		}
		key := string(msg.Key)
		if key == "" {
			key = msg.Topic + "/" + strconv.FormatInt(msg.Offset, 10)
		}
		return p.Publish(ctx, redpanda.TopicDeadLetter, key, b)
	}
}
