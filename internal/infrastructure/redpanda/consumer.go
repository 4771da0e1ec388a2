package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carehaven/medround/internal/observability/metrics"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// SessionTimeout is how long the group waits before reassigning partitions
	SessionTimeout time.Duration
	// MaxPollRecords bounds one poll
	MaxPollRecords int
	// FromStart begins a new group at the earliest offset instead of the latest
	FromStart bool
	// HandlerRetries is how often a failing record is retried before it is
	// handed to the dead-letter function
	HandlerRetries int
	// RetryBackoff grows linearly per attempt
	RetryBackoff time.Duration
}

// DefaultConsumerConfig returns defaults for the reconcile worker
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:        []string{"localhost:9092"},
		GroupID:        "medround-reconcile-worker",
		Topics:         []string{TopicPrescriptionChanges},
		SessionTimeout: 30 * time.Second,
		MaxPollRecords: 100,
		FromStart:      true,
		HandlerRetries: 3,
		RetryBackoff:   200 * time.Millisecond,
	}
}

// MessageHandler is called for each consumed message
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// DeadLetterFunc receives a message whose handler kept failing
type DeadLetterFunc func(ctx context.Context, msg *ConsumedMessage, cause error) error

// ConsumedMessage is a record as the handler sees it
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer reads records in order, runs the handler and marks each offset for
// commit only once the record has been handled or dead-lettered. A record
// that can be neither halts the consumer so nothing after it is committed.
type Consumer struct {
	client     *kgo.Client
	config     ConsumerConfig
	logger     *zap.Logger
	tracer     trace.Tracer
	metrics    *metrics.Metrics
	handler    MessageHandler
	deadLetter DeadLetterFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	handled      atomic.Int64
	failures     atomic.Int64
	deadLettered atomic.Int64
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*Consumer)

// WithDeadLetter routes exhausted messages to fn instead of dropping them
func WithDeadLetter(fn DeadLetterFunc) ConsumerOption {
	return func(c *Consumer) { c.deadLetter = fn }
}

// WithConsumerMetrics counts handled messages in m
func WithConsumerMetrics(m *metrics.Metrics) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

// NewConsumer joins cfg.GroupID with handler as the per-record callback
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger, opts ...ConsumerOption) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}

	reset := kgo.NewOffset().AtEnd()
	if cfg.FromStart {
		reset = kgo.NewOffset().AtStart()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.ConsumeResetOffset(reset),
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start begins consuming in the background
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Done is closed once the consumer stops, including after a halt
func (c *Consumer) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Stop ends consumption, commits marked offsets and closes the client
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.client.CommitMarkedOffsets(ctx)
	c.client.Close()
	if err != nil {
		return fmt.Errorf("commit on stop: %w", err)
	}
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for c.ctx.Err() == nil {
		fetches := c.client.PollRecords(c.ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		iter := fetches.RecordIter()
		for !iter.Done() {
			record := iter.Next()
			if !c.processRecord(record) {
				if c.ctx.Err() == nil {
					c.logger.Error("consumer halted on an unhandled record",
						zap.String("topic", record.Topic),
						zap.Int32("partition", record.Partition),
						zap.Int64("offset", record.Offset))
				}
				c.cancel()
				return
			}
			c.client.MarkCommitRecords(record)
		}
	}
}

// processRecord runs the handler with retries and reports whether the
// record's offset may be committed
func (c *Consumer) processRecord(record *kgo.Record) bool {
	ctx, span := c.tracer.Start(extractTraceContext(c.ctx, record), "process "+record.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.source", record.Topic),
			attribute.Int64("messaging.kafka.partition", int64(record.Partition)),
			attribute.Int64("messaging.kafka.offset", record.Offset),
		))
	defer span.End()

	msg := toMessage(record)
	var err error
	for attempt := 1; ; attempt++ {
		if err = c.handler(ctx, msg); err == nil {
			c.handled.Add(1)
			c.metrics.MessageConsumed()
			return true
		}
		c.failures.Add(1)
		c.logger.Warn("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int64("offset", record.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt > c.config.HandlerRetries || !Retryable(err) {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.config.RetryBackoff * time.Duration(attempt)):
		}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if c.deadLetter == nil {
		c.logger.Error("dropping message after handler failures",
			zap.String("topic", record.Topic),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		return true
	}
	if dlErr := c.deadLetter(ctx, msg, err); dlErr != nil {
		c.logger.Error("dead-letter publish failed", zap.Error(dlErr))
		return false
	}
	c.deadLettered.Add(1)
	return true
}

// Retryable reports whether a handler error is worth retrying
func Retryable(err error) bool {
	return !errors.Is(err, ErrMalformedMessage) &&
		!errors.Is(err, context.Canceled)
}

func toMessage(record *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// ConsumerStats holds consumer counters
type ConsumerStats struct {
	Handled      int64 `json:"handled"`
	Failures     int64 `json:"failures"`
	DeadLettered int64 `json:"dead_lettered"`
}

// Stats returns current consumer counters
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Handled:      c.handled.Load(),
		Failures:     c.failures.Load(),
		DeadLettered: c.deadLettered.Load(),
	}
}
