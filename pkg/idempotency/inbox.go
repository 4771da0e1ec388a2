// Package idempotency records which prescription-change messages the
// reconcile worker has already handled, so redeliveries run the handler once.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the lifecycle state of an inbox row
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrMessageInProgress means another worker holds a fresh claim on the key
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed means the handler failed permanently on an earlier delivery
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// DefaultTTL is how long a row is kept after its last claim
	DefaultTTL time.Duration
	// CleanupInterval is how often expired rows are deleted
	CleanupInterval time.Duration
	// RecoveryTimeout is how long a STARTED claim may go without finishing
	// before another delivery may take it over
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig keeps a week of history, comfortably longer than any
// consumer-group redelivery
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// ProcessResult describes one call to Process
type ProcessResult struct {
	// IsNew is true the first time the key was seen
	IsNew bool
	// WasRecovered is true when an earlier failed or abandoned claim was retaken
	WasRecovered bool
	// Result is the handler output, or the stored output for a duplicate
	Result json.RawMessage
}

// ProcessFunc handles a message payload and returns a JSON result to store
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Inbox is a Postgres-backed claim table keyed by idempotency key
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox over the inbox table
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// claimSQL inserts a STARTED row, or retakes a RECOVERABLE or stale STARTED
// one. No row comes back when the key is finished, failed or freshly claimed.
const claimSQL = `
	INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
	VALUES ($1, $2, 'STARTED', $3, $4)
	ON CONFLICT (idempotency_key) DO UPDATE
	SET status = 'STARTED',
	    attempts = inbox.attempts + 1,
	    handler_name = EXCLUDED.handler_name,
	    expires_at = EXCLUDED.expires_at,
	    updated_at = NOW()
	WHERE inbox.status = 'RECOVERABLE'
	   OR (inbox.status = 'STARTED' AND inbox.updated_at < NOW() - make_interval(secs => $5))
	RETURNING attempts`

// Process runs fn at most once to completion per key. A duplicate of a
// finished message returns the stored result without calling fn. A handler
// error leaves the key RECOVERABLE, or FAILED when wrapped with Permanent.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	var attempts int
	err := i.pool.QueryRow(ctx, claimSQL,
		key, handlerName, payload,
		time.Now().Add(i.config.DefaultTTL),
		i.config.RecoveryTimeout.Seconds(),
	).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return i.existing(ctx, span, key)
	}
	if err != nil {
		return nil, fmt.Errorf("claim inbox key: %w", err)
	}
	span.SetAttributes(attribute.Int("attempts", attempts))

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if IsPermanent(handlerErr) {
			status = StatusFailed
		}
		if err := i.settle(ctx, key, status, nil, handlerErr.Error()); err != nil {
			i.logger.Error("failed to record handler failure",
				zap.String("idempotency_key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		span.SetStatus(codes.Error, handlerErr.Error())
		return nil, handlerErr
	}

	// the handler's effects are already committed; a lost FINISHED mark only
	// costs a rerun after RecoveryTimeout
	if err := i.settle(ctx, key, StatusFinished, result, ""); err != nil {
		i.logger.Error("failed to mark inbox key finished",
			zap.String("idempotency_key", key), zap.Error(err))
	}
	return &ProcessResult{
		IsNew:        attempts == 1,
		WasRecovered: attempts > 1,
		Result:       result,
	}, nil
}

func (i *Inbox) existing(ctx context.Context, span trace.Span, key string) (*ProcessResult, error) {
	var (
		status Status
		result json.RawMessage
	)
	err := i.pool.QueryRow(ctx,
		`SELECT status, result FROM inbox WHERE idempotency_key = $1`, key,
	).Scan(&status, &result)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// expired between the claim and the lookup; the next delivery claims it
		return nil, ErrMessageInProgress
	case err != nil:
		return nil, fmt.Errorf("read inbox key: %w", err)
	}

	switch status {
	case StatusFinished:
		span.SetAttributes(attribute.Bool("duplicate", true))
		return &ProcessResult{Result: result}, nil
	case StatusFailed:
		span.SetAttributes(attribute.Bool("previously_failed", true))
		return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
	default:
		return nil, ErrMessageInProgress
	}
}

func (i *Inbox) settle(ctx context.Context, key string, status Status, result json.RawMessage, lastErr string) error {
	var errText *string
	if lastErr != "" {
		errText = &lastErr
	}
	_, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = $2, result = $3, last_error = $4, updated_at = NOW()
		WHERE idempotency_key = $1`,
		key, status, result, errText)
	return err
}

// StartCleanup deletes expired rows every CleanupInterval until Stop
func (i *Inbox) StartCleanup() {
	go func() {
		defer close(i.done)
		ticker := time.NewTicker(i.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-i.ctx.Done():
				return
			case <-ticker.C:
				n, err := i.Cleanup(i.ctx)
				if err != nil {
					i.logger.Error("inbox cleanup failed", zap.Error(err))
				} else if n > 0 {
					i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
				}
			}
		}
	}()
}

// Stop ends the cleanup loop started by StartCleanup
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

// Cleanup deletes expired rows and reports how many went
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired inbox rows: %w", err)
	}
	return tag.RowsAffected(), nil
}
