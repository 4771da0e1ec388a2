// Package app assembles the workflow engine from configuration. Every binary
// builds the same graph of stores, machine, reconciler and batch operator.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carehaven/medround/internal/config"
	"github.com/carehaven/medround/internal/domain/batch"
	"github.com/carehaven/medround/internal/domain/episode"
	"github.com/carehaven/medround/internal/domain/reconcile"
	"github.com/carehaven/medround/internal/domain/schedule"
	"github.com/carehaven/medround/internal/domain/workflow"
	"github.com/carehaven/medround/internal/infrastructure/postgres"
	"github.com/carehaven/medround/internal/observability/metrics"
	"github.com/carehaven/medround/pkg/circuitbreaker"
)

// Engine is the assembled workflow engine
type Engine struct {
	Pool          *pgxpool.Pool
	Records       *postgres.RecordStore
	Prescriptions *postgres.PrescriptionStore
	Breaker       *circuitbreaker.CircuitBreaker
	Machine       *workflow.Machine
	Reconciler    *reconcile.Reconciler
	Batch         *batch.Operator
	Location      *time.Location

	cfg *config.Config
}

// Open connects to the database and wires the engine. m may be nil.
func Open(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		Schema:   cfg.DBSchema,
	})
	if err != nil {
		return nil, err
	}

	bcfg := circuitbreaker.DefaultConfig("episodes")
	if cfg.EpisodeBreakerTimeout > 0 {
		bcfg.Timeout = cfg.EpisodeBreakerTimeout
	}
	bcfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Gauge())
	}
	breaker, err := circuitbreaker.New(bcfg, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create episode breaker: %w", err)
	}

	records := postgres.NewRecordStore(pool, logger)
	rxs := postgres.NewPrescriptionStore(pool, logger)
	checker := episode.NewChecker(postgres.NewEpisodeStore(pool), loc, breaker, logger)
	machine := workflow.NewMachine(records, rxs, checker, logger, workflow.WithMetrics(m))

	return &Engine{
		Pool:          pool,
		Records:       records,
		Prescriptions: rxs,
		Breaker:       breaker,
		Machine:       machine,
		Reconciler: reconcile.New(rxs, records, logger,
			reconcile.WithMetrics(m),
			reconcile.WithMaxRangeDays(cfg.MaxRangeDays)),
		Batch:    batch.New(records, rxs, machine, logger, batch.WithWorkers(cfg.BatchWorkers), batch.WithMetrics(m)),
		Location: loc,
		cfg:      cfg,
	}, nil
}

// Window is the configured rolling window around the current care-home date
func (e *Engine) Window() schedule.DateRange {
	return reconcile.Window(time.Now().In(e.Location), e.cfg.ReconcileDaysBack, e.cfg.ReconcileDaysAhead)
}

// Close releases the connection pool
func (e *Engine) Close() {
	e.Pool.Close()
}
