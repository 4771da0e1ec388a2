// Package main provides the workflow API service entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/carehaven/medround/internal/api/handlers"
	"github.com/carehaven/medround/internal/api/middleware"
	"github.com/carehaven/medround/internal/app"
	"github.com/carehaven/medround/internal/config"
	"github.com/carehaven/medround/internal/observability/logging"
	"github.com/carehaven/medround/internal/observability/metrics"
	"github.com/carehaven/medround/internal/observability/tracing"
)

const serviceName = "workflow-api"

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

	ctx := context.Background()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	m := metrics.New(nil)
	engine, err := app.Open(ctx, cfg, m, logger)
	if err != nil {
		logger.Fatal("engine init failed", zap.Error(err))
	}
	defer engine.Close()
	logger.Info("connected to database", zap.String("schema", cfg.DBSchema))

	h := handlers.NewWorkflowHandler(handlers.Deps{
		Records:       engine.Records,
		Prescriptions: engine.Prescriptions,
		Machine:       engine.Machine,
		Reconciler:    engine.Reconciler,
		Batch:         engine.Batch,
		Location:      engine.Location,
		Now:           time.Now,
		DaysBack:      cfg.ReconcileDaysBack,
		DaysAhead:     cfg.ReconcileDaysAhead,
		MaxRangeDays:  cfg.MaxRangeDays,
	}, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := engine.Pool.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ready",
			"episodes": engine.Breaker.Health(),
		})
	})
	r.Handle("/metrics", metrics.Handler())

	r.With(middleware.StaffIdentity).Mount("/api/v1", h.Routes())

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting workflow API", zap.String("port", cfg.Port), zap.String("timezone", cfg.Timezone))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": serviceName,
		"version": tracing.Version,
	})
}
