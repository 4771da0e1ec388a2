// Package main provides the outbox relay entry point. It publishes workflow
// events written by the record store to Redpanda, keyed by patient.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/carehaven/medround/internal/config"
	"github.com/carehaven/medround/internal/infrastructure/postgres"
	"github.com/carehaven/medround/internal/infrastructure/redpanda"
	"github.com/carehaven/medround/internal/observability/logging"
	"github.com/carehaven/medround/internal/observability/metrics"
	"github.com/carehaven/medround/internal/observability/tracing"
)

const serviceName = "outbox-relay"

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

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		Schema:   cfg.DBSchema,
	})
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	m := metrics.New(nil)

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, m, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	relay := postgres.NewRelay(pool, producer, postgres.DefaultRelayConfig(), logger)
	relayDone := make(chan error, 1)
	go func() { relayDone <- relay.Run(ctx) }()
	logger.Info("outbox relay started")

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-ticker.C:
			reportBacklog(ctx, relay, m, logger)
		case <-prune.C:
			n, err := relay.Prune(ctx, 7*24*time.Hour)
			if err != nil {
				logger.Warn("outbox prune failed", zap.Error(err))
				continue
			}
			logger.Info("outbox pruned", zap.Int64("deleted", n))
		}
	}

	logger.Info("shutting down")
	<-relayDone
	logger.Info("outbox relay stopped", zap.Any("producer", producer.Stats()))
}

// reportBacklog exports the unrelayed count and warns when entries keep failing
func reportBacklog(ctx context.Context, relay *postgres.Relay, m *metrics.Metrics, logger *zap.Logger) {
	b, err := relay.Backlog(ctx)
	if err != nil {
		logger.Warn("outbox backlog failed", zap.Error(err))
		return
	}
	m.SetOutboxPending(b.Pending)
	if b.Retrying > 0 {
		fields := []zap.Field{zap.Int64("retrying", b.Retrying)}
		if b.OldestPending != nil {
			fields = append(fields, zap.Duration("oldest_age", time.Since(*b.OldestPending)))
		}
		logger.Warn("outbox entries are failing to publish", fields...)
	}
}
