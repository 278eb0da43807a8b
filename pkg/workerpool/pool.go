// Package workerpool runs tasks on a fixed number of goroutines behind a
// bounded queue, retrying failed attempts with backoff.
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

// Task is one unit of work
type Task struct {
	ID      string
	Payload any
	// Context bounds every attempt of the task; nil uses the pool's context.
	Context context.Context
	// Done, when set, receives the final result exactly once.
	Done func(*Result)
}

// Result is the outcome of a task after its last attempt
type Result struct {
	TaskID   string
	Success  bool
	Error    error
	Attempts int
}

// WorkerFunc processes one attempt of a task
type WorkerFunc func(ctx context.Context, task *Task) error

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("worker pool is stopped")

// Config holds worker pool configuration
type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries is the number of attempts after the first
	MaxRetries int
	// RetryDelay is the wait after the first failure; it doubles per retry up
	// to MaxRetryDelay
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// Retryable decides whether a failed attempt is retried. Nil retries everything.
	Retryable func(error) bool
	// GracefulShutdownTimeout bounds how long Stop waits for queued tasks
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		MaxRetryDelay:           5 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

func (c Config) delay(retry int) time.Duration {
	d := c.RetryDelay << (retry - 1)
	if c.MaxRetryDelay > 0 && (d > c.MaxRetryDelay || d <= 0) {
		return c.MaxRetryDelay
	}
	return d
}

func (c Config) retryable(err error) bool {
	return c.Retryable == nil || c.Retryable(err)
}

// Pool is a fixed set of workers reading one queue
type Pool struct {
	config Config
	fn     WorkerFunc
	logger *zap.Logger

	queue chan *Task
	wg    sync.WaitGroup

	// mu guards stopped and the close of queue against concurrent sends
	mu      sync.RWMutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	active    atomic.Int64
}

// New creates a pool; zero config fields take their defaults.
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, errors.New("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config: cfg,
		fn:     fn,
		logger: logger,
		queue:  make(chan *Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task, blocking while the queue is full until ctx is done.
func (p *Pool) Submit(ctx context.Context, task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}
}

// Stop lets the workers drain the queue, up to the graceful shutdown timeout.
// Past the timeout pending retries are abandoned.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(p.config.GracefulShutdownTimeout)
	defer timer.Stop()

	select {
	case <-drained:
		p.cancel()
		p.logger.Info("worker pool stopped")
		return nil
	case <-timer.C:
		p.cancel()
		<-drained
		p.logger.Warn("worker pool shutdown timed out",
			zap.Int64("active", p.active.Load()))
		return fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool) work(id int) {
	defer p.wg.Done()

	for task := range p.queue {
		p.active.Add(1)
		res := p.run(task)
		p.active.Add(-1)

		if res.Success {
			p.completed.Add(1)
		} else {
			p.failed.Add(1)
			p.logger.Warn("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker", id),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Error))
		}
		if task.Done != nil {
			task.Done(res)
		}
	}
}

func (p *Pool) run(task *Task) *Result {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	res := &Result{TaskID: task.ID}
	for {
		if err := ctx.Err(); err != nil {
			res.Error = err
			return res
		}

		res.Attempts++
		res.Error = p.fn(ctx, task)
		if res.Error == nil {
			res.Success = true
			return res
		}
		if res.Attempts > p.config.MaxRetries || !p.config.retryable(res.Error) {
			return res
		}

		p.retried.Add(1)
		wait := p.config.delay(res.Attempts)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", res.Attempts),
			zap.Duration("wait", wait),
			zap.Error(res.Error))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Error = ctx.Err()
			return res
		case <-p.ctx.Done():
			// shutdown timed out; report the last attempt's error
			timer.Stop()
			return res
		case <-timer.C:
		}
	}
}

// Stats holds pool counters
type Stats struct {
	Submitted     int64 `json:"submitted"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	Retried       int64 `json:"retried"`
	Active        int64 `json:"active"`
	QueueDepth    int   `json:"queue_depth"`
	QueueCapacity int   `json:"queue_capacity"`
	Workers       int   `json:"workers"`
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:     p.submitted.Load(),
		Completed:     p.completed.Load(),
		Failed:        p.failed.Load(),
		Retried:       p.retried.Load(),
		Active:        p.active.Load(),
		QueueDepth:    len(p.queue),
		QueueCapacity: p.config.QueueSize,
		Workers:       p.config.Workers,
	}
}

// IsHealthy reports whether the pool accepts work and its queue is below 90%.
func (p *Pool) IsHealthy() bool {
	p.mu.RLock()
	stopped := p.stopped
	p.mu.RUnlock()
	return !stopped && len(p.queue)*10 < p.config.QueueSize*9
}
