package episode

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carehaven/medround/internal/domain/schedule"
	"github.com/carehaven/medround/pkg/circuitbreaker"
)

// Source lists the episodes recorded for a patient
type Source interface {
	ListEpisodes(ctx context.Context, patientID string) ([]Episode, error)
}

// Checker answers whether a patient is hospitalized or on leave at a
// scheduled dose time, interpreted as wall-clock time in the home's zone.
type Checker struct {
	source  Source
	loc     *time.Location
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewChecker creates a new checker. breaker may be nil.
func NewChecker(source Source, loc *time.Location, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Checker {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		source:  source,
		loc:     loc,
		breaker: breaker,
		logger:  logger,
		tracer:  otel.Tracer("episode-checker"),
	}
}

// Check returns both flags for the dose instant
func (c *Checker) Check(ctx context.Context, patientID string, date schedule.Date, at schedule.Clock) (Status, error) {
	ctx, span := c.tracer.Start(ctx, "episode.check",
		trace.WithAttributes(
			attribute.String("patient_id", patientID),
			attribute.String("date", date.String()),
		))
	defer span.End()

	episodes, err := circuitbreaker.Do(ctx, c.breaker, func(ctx context.Context) ([]Episode, error) {
		return c.source.ListEpisodes(ctx, patientID)
	})
	if err != nil {
		span.RecordError(err)
		return Status{}, fmt.Errorf("failed to list episodes for %s: %w", patientID, err)
	}

	s := StatusAt(episodes, date.In(c.loc, at))
	span.SetAttributes(
		attribute.Bool("hospitalized", s.Hospitalized),
		attribute.Bool("on_leave", s.OnLeave),
	)
	return s, nil
}

// IsWithinHospitalization reports whether the dose instant falls in a hospital stay
func (c *Checker) IsWithinHospitalization(ctx context.Context, patientID string, date schedule.Date, at schedule.Clock) (bool, error) {
	s, err := c.Check(ctx, patientID, date, at)
	return s.Hospitalized, err
}

// IsWithinLeave reports whether the dose instant falls in a home leave
func (c *Checker) IsWithinLeave(ctx context.Context, patientID string, date schedule.Date, at schedule.Clock) (bool, error) {
	s, err := c.Check(ctx, patientID, date, at)
	return s.OnLeave, err
}
