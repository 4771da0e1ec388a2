// Package main provides the reconcile worker entry point. It consumes
// prescription changes and keeps every patient's rolling window of workflow
// records materialized, sweeping all patients periodically so upcoming days
// appear without a change event.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/carehaven/medround/internal/app"
	"github.com/carehaven/medround/internal/config"
	"github.com/carehaven/medround/internal/domain/reconcile"
	"github.com/carehaven/medround/internal/domain/schedule"
	"github.com/carehaven/medround/internal/infrastructure/redpanda"
	"github.com/carehaven/medround/internal/observability/logging"
	"github.com/carehaven/medround/internal/observability/metrics"
	"github.com/carehaven/medround/internal/observability/tracing"
	"github.com/carehaven/medround/pkg/idempotency"
	"github.com/carehaven/medround/pkg/workerpool"
)

const serviceName = "reconcile-worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := logging.Must(cfg.LogLevel, cfg.LogFormat)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New(nil)
	engine, err := app.Open(ctx, cfg, m, logger)
	if err != nil {
		logger.Fatal("engine init failed", zap.Error(err))
	}
	defer engine.Close()

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client failed", zap.Error(err))
	}
	if _, err := admin.EnsureTopics(ctx); err != nil {
		logger.Warn("ensure topics failed", zap.Error(err))
	}
	admin.Close()

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(pcfg, m, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	inbox := idempotency.NewInbox(engine.Pool, idempotency.DefaultInboxConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	w := &worker{
		inbox:      inbox,
		reconciler: engine.Reconciler,
		window:     engine.Window,
		logger:     logger,
	}

	ccfg := redpanda.DefaultConsumerConfig()
	ccfg.Brokers = cfg.KafkaBrokers
	ccfg.GroupID = cfg.ConsumerGroup
	consumer, err := redpanda.NewConsumer(ccfg, w.handle, logger,
		redpanda.WithDeadLetter(deadLetterTo(producer, time.Now)),
		redpanda.WithConsumerMetrics(m))
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()
	logger.Info("reconcile worker started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", ccfg.GroupID),
		zap.Duration("sweep_interval", cfg.SweepInterval))

	pool := workerpool.DefaultConfig()
	pool.Workers = cfg.BatchWorkers
	go sweepLoop(ctx, engine, pool, cfg.SweepInterval, logger)

	select {
	case <-ctx.Done():
	case <-consumer.Done():
		logger.Error("consumer stopped unexpectedly")
	}

	logger.Info("shutting down")
	stop()
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop failed", zap.Error(err))
	}
	logger.Info("reconcile worker stopped", zap.Any("stats", consumer.Stats()))
}

// sweepLoop reconciles every patient at startup and then on each tick
func sweepLoop(ctx context.Context, engine *app.Engine, pool workerpool.Config, every time.Duration, logger *zap.Logger) {
	if every <= 0 {
		logger.Info("periodic sweep disabled")
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		sweep(ctx, engine.Reconciler, engine.Prescriptions, engine.Window(), pool, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sweep(ctx context.Context, r *reconcile.Reconciler, patients reconcile.PatientLister, rng schedule.DateRange, pool workerpool.Config, logger *zap.Logger) {
	report, err := r.Sweep(ctx, patients, rng, pool)
	if err != nil {
		logger.Error("sweep failed", zap.Error(err))
		return
	}
	if len(report.Failed) > 0 {
		logger.Warn("sweep finished with failures",
			zap.Int("failed", len(report.Failed)),
			zap.Any("patients", report.Failed))
	}
}
