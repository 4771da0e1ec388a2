// Package workerpool provides bounded concurrency for workflow fan-out: a
// long-lived retrying Pool for patient sweeps and Run for one-shot batch
// operations.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no room
	ErrQueueFull = errors.New("task queue is full")
	// ErrStopped is returned by Submit after Stop
	ErrStopped = errors.New("pool is shutting down")
)

// Task is one unit of work. Context, when set, bounds the task instead of
// the pool's lifetime.
type Task[T any] struct {
	ID      string
	Payload T
	Context context.Context
}

// Result is the settled outcome of a task
type Result[R any] struct {
	TaskID   string
	Value    R
	Err      error
	Attempts int
}

// OK reports whether the task succeeded
func (r *Result[R]) OK() bool { return r.Err == nil }

// WorkerFunc processes one task
type WorkerFunc[T, R any] func(ctx context.Context, task *Task[T]) (R, error)

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize bounds both pending tasks and unread results
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the first backoff; each retry doubles it
	RetryDelay time.Duration
	// MaxRetryDelay caps the backoff
	MaxRetryDelay time.Duration
	// Retryable decides whether a failure is retried. Nil retries everything
	// except context cancellation.
	Retryable func(error) bool
	// GracefulShutdownTimeout is the timeout for graceful shutdown
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for per-patient reconciliation
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               1024,
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		MaxRetryDelay:           5 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// backoff is the delay before retry n, counting from zero
func (c Config) backoff(n int) time.Duration {
	d := c.RetryDelay << min(n, 16)
	if c.MaxRetryDelay > 0 && d > c.MaxRetryDelay {
		d = c.MaxRetryDelay
	}
	return d
}

func (c Config) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return c.Retryable == nil || c.Retryable(err)
}

// Pool runs tasks on a fixed set of workers
type Pool[T, R any] struct {
	config Config
	fn     WorkerFunc[T, R]
	logger *zap.Logger

	tasks   chan *Task[T]
	results chan *Result[R]
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	stop   sync.Once

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	active    atomic.Int64
	depth     atomic.Int64
}

// New creates a new worker pool
func New[T, R any](cfg Config, fn WorkerFunc[T, R], logger *zap.Logger) (*Pool[T, R], error) {
	if fn == nil {
		return nil, errors.New("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool[T, R]{
		config:  cfg,
		fn:      fn,
		logger:  logger,
		tasks:   make(chan *Task[T], cfg.QueueSize),
		results: make(chan *Result[R], cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches all workers
func (p *Pool[T, R]) Start() {
	for i := range p.config.Workers {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Debug("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit adds a task to the queue without blocking
func (p *Pool[T, R]) Submit(task *Task[T]) error {
	if p.ctx.Err() != nil {
		return ErrStopped
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		p.depth.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Results delivers one result per submitted task. It is closed by Stop.
func (p *Pool[T, R]) Results() <-chan *Result[R] {
	return p.results
}

// Stop stops accepting tasks and waits for the workers, then closes Results.
// Queued tasks without a Context of their own settle as cancelled.
func (p *Pool[T, R]) Stop() error {
	var err error
	p.stop.Do(func() {
		p.cancel()
		close(p.tasks)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(p.config.GracefulShutdownTimeout):
			err = fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
			p.logger.Warn("worker pool shutdown timed out")
			return
		}
		close(p.results)
	})
	return err
}

func (p *Pool[T, R]) worker(id int) {
	defer p.wg.Done()
	p.active.Add(1)
	defer p.active.Add(-1)

	for task := range p.tasks {
		p.depth.Add(-1)
		res := p.run(task)
		if res.OK() {
			p.completed.Add(1)
		} else {
			p.failed.Add(1)
			p.logger.Warn("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker_id", id),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Err))
		}
		// results are buffered to QueueSize; a reader that stops early
		// must Stop the pool
		p.results <- res
	}
}

// run executes a task, retrying retryable failures with backoff
func (p *Pool[T, R]) run(task *Task[T]) *Result[R] {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}
	res := &Result[R]{TaskID: task.ID}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		res.Attempts = attempt + 1
		res.Value, res.Err = p.fn(ctx, task)
		if res.Err == nil || attempt >= p.config.MaxRetries || !p.config.retryable(res.Err) {
			return res
		}

		p.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", res.Attempts),
			zap.Error(res.Err))
		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			return res
		case <-time.After(p.config.backoff(attempt)):
		}
	}
}

// Stats is a snapshot of pool counters
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool[T, R]) Stats() Stats {
	return Stats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksRetried:   p.retried.Load(),
		ActiveWorkers:  p.active.Load(),
		QueueDepth:     p.depth.Load(),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}
