package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carehaven/medround/internal/domain/workflow"
)

// DeadLetterTopic receives entries that exhausted their publish attempts
const DeadLetterTopic = "medication.workflow.dlq"

// OutboxEntry is one workflow event waiting to be relayed
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Topic         string
	Key           string
	CreatedAt     time.Time
	Attempts      int
	LastError     *string
}

// EntryFromEvent wraps a workflow event for the outbox. Entries are keyed by
// patient so one patient's events stay ordered within a partition.
func EntryFromEvent(ev *workflow.Event, topic string) (*OutboxEntry, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.EventType, err)
	}
	return &OutboxEntry{
		AggregateID:   ev.AggregateID,
		AggregateType: ev.AggregateType,
		EventType:     string(ev.EventType),
		Payload:       payload,
		Topic:         topic,
		Key:           ev.PatientID,
	}, nil
}

// WriteEntry inserts entry inside tx, the transaction that changed the records
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, topic, partition_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		entry.AggregateID, entry.AggregateType, entry.EventType,
		entry.Payload, entry.Topic, entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// RelayConfig holds configuration for the outbox relay
type RelayConfig struct {
	// BatchSize is how many entries one pass locks and publishes
	BatchSize int
	// PollInterval is the pause between passes
	PollInterval time.Duration
	// MaxAttempts is how often an entry is published before it is dead-lettered
	MaxAttempts int
}

// DefaultRelayConfig returns defaults for the relay
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:    100,
		PollInterval: 200 * time.Millisecond,
		MaxAttempts:  5,
	}
}

// Publisher sends one message to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Relay moves outbox entries to the broker. Each pass locks its batch with
// FOR UPDATE SKIP LOCKED, so several relays can run against one database.
type Relay struct {
	pool      *pgxpool.Pool
	publisher Publisher
	config    RelayConfig
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewRelay creates a relay over the outbox table
func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg RelayConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRelayConfig().BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRelayConfig().MaxAttempts
	}
	return &Relay{
		pool:      pool,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
		tracer:    otel.Tracer("outbox-relay"),
	}
}

// Run drains the outbox every PollInterval until ctx is done. A full batch
// that made progress is followed immediately by the next pass.
func (r *Relay) Run(ctx context.Context) error {
	for {
		res, err := r.Drain(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("outbox pass failed", zap.Error(err))
		}
		if err == nil && res.Locked == r.config.BatchSize && res.Failed == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.config.PollInterval):
		}
	}
}

// DrainResult counts what one pass did
type DrainResult struct {
	Locked       int
	Published    int
	DeadLettered int
	Failed       int
	// Held counts entries skipped because an earlier entry with the same key
	// failed in this pass
	Held int
}

// Drain runs one relay pass. A failed publish holds back the rest of that
// patient's entries until the next pass, so per-patient order survives.
func (r *Relay) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	ctx, span := r.tracer.Start(ctx, "outbox_drain")
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin relay pass: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       topic, partition_key, created_at, attempts, last_error
		FROM outbox
		WHERE processed_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, r.config.BatchSize)
	if err != nil {
		return res, fmt.Errorf("lock outbox batch: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanOutboxEntry)
	if err != nil {
		return res, fmt.Errorf("scan outbox batch: %w", err)
	}
	res.Locked = len(entries)
	span.SetAttributes(attribute.Int("outbox.locked", len(entries)))

	held := make(map[string]bool)
	for _, e := range entries {
		if held[e.Key] {
			res.Held++
			continue
		}
		if e.Attempts >= r.config.MaxAttempts {
			if err := r.deadLetter(ctx, e); err != nil {
				r.logger.Error("dead-letter publish failed", zap.Int64("id", e.ID), zap.Error(err))
				held[e.Key] = true
				res.Failed++
				continue
			}
			res.DeadLettered++
		} else if err := r.publisher.Publish(ctx, e.Topic, e.Key, e.Payload); err != nil {
			r.logger.Warn("outbox publish failed",
				zap.Int64("id", e.ID),
				zap.String("event_type", e.EventType),
				zap.Int("attempt", e.Attempts+1),
				zap.Error(err))
			if _, uerr := tx.Exec(ctx, `
				UPDATE outbox SET attempts = attempts + 1, last_error = $2, updated_at = NOW()
				WHERE id = $1`, e.ID, err.Error()); uerr != nil {
				return res, fmt.Errorf("record publish failure: %w", uerr)
			}
			held[e.Key] = true
			res.Failed++
			continue
		} else {
			res.Published++
		}

		if _, err := tx.Exec(ctx,
			`UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, e.ID); err != nil {
			return res, fmt.Errorf("mark outbox entry %d: %w", e.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("commit relay pass: %w", err)
	}
	return res, nil
}

func (r *Relay) deadLetter(ctx context.Context, e *OutboxEntry) error {
	body, err := json.Marshal(map[string]any{
		"original_topic": e.Topic,
		"event_type":     e.EventType,
		"aggregate_id":   e.AggregateID,
		"payload":        e.Payload,
		"attempts":       e.Attempts,
		"last_error":     e.LastError,
		"created_at":     e.CreatedAt,
	})
	if err != nil {
		return err
	}
	return r.publisher.Publish(ctx, DeadLetterTopic, e.Key, body)
}

func scanOutboxEntry(row pgx.CollectableRow) (*OutboxEntry, error) {
	e := &OutboxEntry{}
	err := row.Scan(
		&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
		&e.Topic, &e.Key, &e.CreatedAt, &e.Attempts, &e.LastError,
	)
	return e, err
}

// Backlog describes unrelayed entries
type Backlog struct {
	Pending       int64
	Retrying      int64
	OldestPending *time.Time
}

// Backlog reports the unrelayed entries
func (r *Relay) Backlog(ctx context.Context) (Backlog, error) {
	var b Backlog
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE attempts > 0), MIN(created_at)
		FROM outbox
		WHERE processed_at IS NULL`,
	).Scan(&b.Pending, &b.Retrying, &b.OldestPending)
	if err != nil {
		return b, fmt.Errorf("read outbox backlog: %w", err)
	}
	return b, nil
}

// Prune deletes relayed entries older than retention
func (r *Relay) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - make_interval(secs => $1)`,
		retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("prune outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}
