// Package redpanda carries workflow events out of the outbox and
// prescription-change notifications into the reconcile worker over
// Kafka-compatible streaming with franz-go.
package redpanda

import (
	"context"
	"fmt"
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

// ProducerConfig holds configuration for the Redpanda producer
type ProducerConfig struct {
	Brokers []string
	// Linger is how long a partial batch waits for more records
	Linger time.Duration
	// BatchMaxBytes caps one produce batch
	BatchMaxBytes int32
	// Compression is lz4, snappy, gzip, zstd or empty for none
	Compression string
	// LeaderAckOnly trades durability for latency; workflow events keep it off
	LeaderAckOnly bool
	// Retries is how often one record is retried by the client
	Retries int
	// RetryBackoff grows linearly per attempt
	RetryBackoff time.Duration
}

// DefaultProducerConfig returns defaults sized for a care home's event volume:
// small, infrequent events that every replica must acknowledge
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:       []string{"localhost:9092"},
		Linger:        10 * time.Millisecond,
		BatchMaxBytes: 1 << 20,
		Compression:   "lz4",
		Retries:       3,
		RetryBackoff:  100 * time.Millisecond,
	}
}

func (cfg ProducerConfig) opts() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(cfg.Linger),
		kgo.ProducerBatchMaxBytes(cfg.BatchMaxBytes),
		kgo.RecordRetries(cfg.Retries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return cfg.RetryBackoff * time.Duration(attempt+1)
		}),
	}
	if cfg.LeaderAckOnly {
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	} else {
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}
	if codec, ok := compressionCodec(cfg.Compression); ok {
		opts = append(opts, kgo.ProducerBatchCompression(codec))
	}
	return opts
}

func compressionCodec(name string) (kgo.CompressionCodec, bool) {
	switch name {
	case "lz4":
		return kgo.Lz4Compression(), true
	case "snappy":
		return kgo.SnappyCompression(), true
	case "gzip":
		return kgo.GzipCompression(), true
	case "zstd":
		return kgo.ZstdCompression(), true
	}
	return kgo.NoCompression(), false
}

// Producer publishes records synchronously. It serves as the outbox relay's
// publisher and the reconcile worker's dead-letter sink.
type Producer struct {
	client  *kgo.Client
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics

	sent   atomic.Int64
	bytes  atomic.Int64
	failed atomic.Int64
}

// NewProducer creates a Redpanda producer. m may be nil.
func NewProducer(cfg ProducerConfig, m *metrics.Metrics, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := kgo.NewClient(cfg.opts()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Producer{
		client:  client,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-producer"),
		metrics: m,
	}, nil
}

// Publish sends value keyed by key and waits for the broker acknowledgment.
// The caller's trace context travels in the record headers.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "publish "+topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", topic),
			attribute.String("messaging.kafka.message_key", key),
		))
	defer span.End()

	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	injectTraceHeaders(ctx, record)

	r, err := p.client.ProduceSync(ctx, record).First()
	if err != nil {
		p.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	p.sent.Add(1)
	p.bytes.Add(int64(len(value)))
	p.metrics.MessageProduced()
	span.SetAttributes(
		attribute.Int64("messaging.kafka.partition", int64(r.Partition)),
		attribute.Int64("messaging.kafka.offset", r.Offset))
	return nil
}

// Close flushes buffered records and closes the client
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("error flushing on close", zap.Error(err))
	}
	p.client.Close()
	return nil
}

// ProducerStats holds producer counters
type ProducerStats struct {
	MessagesSent int64 `json:"messages_sent"`
	BytesSent    int64 `json:"bytes_sent"`
	Errors       int64 `json:"errors"`
}

// Stats returns current producer counters
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent: p.sent.Load(),
		BytesSent:    p.bytes.Load(),
		Errors:       p.failed.Load(),
	}
}
