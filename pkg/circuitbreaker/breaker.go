// Package circuitbreaker guards calls to collaborators the workflow can run
// without, such as the hospitalization/leave episode source.
// Wraps sony/gobreaker with OpenTelemetry counters and zap logging.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrUnavailable is returned without calling through while the circuit is open
var ErrUnavailable = errors.New("circuit open")

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies the circuit breaker
	Name string
	// MaxRequests is max requests allowed in half-open state
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts in closed state
	Interval time.Duration
	// Timeout is how long to wait before transitioning from open to half-open
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold uint32
	// FailureRatio opens the circuit once MinRequests have been seen
	FailureRatio float64
	MinRequests  uint32
	// OnStateChange is called after every transition when set
	OnStateChange func(name string, to State)
}

// DefaultConfig returns defaults for a lookup that sits on the dispensing path.
// It trips quickly so a slow episode source cannot stall a medication round.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 3,
		FailureRatio:     0.5,
		MinRequests:      10,
	}
}

// CircuitBreaker wraps gobreaker with observability
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	hook   func(string, State)
	logger *zap.Logger
	tracer trace.Tracer

	requestCounter  metric.Int64Counter
	rejectedCounter metric.Int64Counter
}

// New creates a new circuit breaker
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	meter := otel.Meter("circuit-breaker")
	cb := &CircuitBreaker{
		name:   cfg.Name,
		hook:   cfg.OnStateChange,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
	}

	var err error
	cb.requestCounter, err = meter.Int64Counter("circuit_breaker_requests_total",
		metric.WithDescription("Requests through circuit breaker by result"))
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}
	cb.rejectedCounter, err = meter.Int64Counter("circuit_breaker_rejected_total",
		metric.WithDescription("Requests rejected while the circuit was open"))
	if err != nil {
		return nil, fmt.Errorf("failed to create rejected counter: %w", err)
	}

	cb.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			cb.onStateChange(from, to)
		},
		IsSuccessful: func(err error) bool {
			// a cancelled caller says nothing about the collaborator's health
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return cb, nil
}

// Do runs fn through the breaker. An open circuit yields ErrUnavailable.
func Do[T any](ctx context.Context, c *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if c == nil {
		return fn(ctx)
	}

	ctx, span := c.tracer.Start(ctx, "circuit_breaker_execute",
		trace.WithAttributes(
			attribute.String("breaker_name", c.name),
			attribute.String("state", string(c.State())),
		))
	defer span.End()

	out, err := c.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.rejectedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("name", c.name)))
			span.SetAttributes(attribute.Bool("circuit_open", true))
			return zero, fmt.Errorf("%s: %w", c.name, ErrUnavailable)
		}
		c.requestCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("name", c.name), attribute.String("result", "failure")))
		span.RecordError(err)
		return zero, err
	}

	c.requestCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", c.name), attribute.String("result", "success")))
	return out.(T), nil
}

// State returns the current circuit breaker state. An open circuit whose
// timeout has passed already reports half-open.
func (c *CircuitBreaker) State() State {
	return mapState(c.cb.State())
}

// Counts returns the current counts from the circuit breaker
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Counts()
}

func (c *CircuitBreaker) onStateChange(from, to gobreaker.State) {
	toState := mapState(to)
	c.logger.Warn("circuit breaker state changed",
		zap.String("breaker", c.name),
		zap.String("from", string(mapState(from))),
		zap.String("to", string(toState)))
	if c.hook != nil {
		c.hook(c.name, toState)
	}
}

// Gauge maps a state onto the value exported by the breaker-state gauge
func (s State) Gauge() float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	}
	return 0
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// HealthStatus summarizes a breaker for the readiness endpoint
type HealthStatus struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
	Healthy  bool   `json:"healthy"`
}

// Health returns the breaker's current health
func (c *CircuitBreaker) Health() HealthStatus {
	counts := c.Counts()
	state := c.State()
	return HealthStatus{
		Name:     c.name,
		State:    state,
		Requests: counts.Requests,
		Failures: counts.TotalFailures,
		Healthy:  state == StateClosed,
	}
}
