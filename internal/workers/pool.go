// Package workers provides the bounded worker pool that executes probe tasks.
// A single token bucket throttles dispatch across all workers, and the run
// context is checked before every dispatch: once it is done, queued jobs are
// skipped instead of executed. A job that has been dispatched always runs to
// completion; it receives a context that is never cancelled by the pool.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	scanerrors "github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/metrics"
)

// ErrPoolClosed is returned by Submit after Shutdown.
var ErrPoolClosed = errors.New("worker pool is shut down")

// Job represents a unit of work to be executed by a worker.
type Job interface {
	// Execute performs the job and returns an error if it fails.
	Execute(ctx context.Context) error
	// ID returns a unique identifier for the job.
	ID() string
	// Type returns the job type for metrics and logging.
	Type() string
}

// Skipper is implemented by jobs that want to know when they were dequeued
// but never dispatched because the run context was done.
type Skipper interface {
	Skip(err error)
}

// Result represents the result of executing a job.
type Result struct {
	JobID    string
	JobType  string
	Error    error
	Duration time.Duration
	Retries  int
	Skipped  bool
}

// Config holds configuration for the worker pool.
type Config struct {
	// Size is the number of worker goroutines to create.
	Size int
	// QueueSize is the maximum number of jobs that can be queued.
	QueueSize int
	// MaxRetries is the maximum number of retries for jobs failing with a
	// retryable error.
	MaxRetries int
	// RetryDelay is the delay between retries.
	RetryDelay time.Duration
	// ShutdownTimeout is the maximum time to wait for workers to finish.
	ShutdownTimeout time.Duration
	// Rate is the maximum number of dispatches per second across all
	// workers (0 = no limit).
	Rate float64
	// Burst is the token bucket depth. Defaults to 1 when Rate is set.
	Burst int
}

// DefaultConfig returns a default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Size:            256,
		QueueSize:       1024,
		MaxRetries:      0,
		RetryDelay:      100 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Size <= 0 {
		c.Size = d.Size
	}
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.Rate > 0 && c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// Pool manages a pool of worker goroutines for concurrent job execution.
type Pool struct {
	config   Config
	jobs     chan Job
	results  chan Result
	external chan Result
	limiter  *rate.Limiter
	registry metrics.MetricsRegistry
	logger   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	closed     bool
	wg         sync.WaitGroup
	done       chan struct{}
	startOnce  sync.Once
	dispatched atomic.Int64
	skipped    atomic.Int64
	reserved   atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithMetrics reports pool activity to registry instead of the default.
func WithMetrics(registry metrics.MetricsRegistry) Option {
	return func(p *Pool) {
		if registry != nil {
			p.registry = registry
		}
	}
}

// WithLogger sets the pool logger.
func WithLogger(logger *logging.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a new worker pool with the given configuration.
func New(config Config, opts ...Option) *Pool {
	config = config.normalized()

	limit := rate.Inf
	if config.Rate > 0 {
		limit = rate.Limit(config.Rate)
	}

	p := &Pool{
		config:   config,
		jobs:     make(chan Job, config.QueueSize),
		results:  make(chan Result, max(config.QueueSize, config.Size)),
		external: make(chan Result, max(config.QueueSize, config.Size)),
		limiter:  rate.NewLimiter(limit, config.Burst),
		registry: metrics.Default(),
		logger:   logging.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithComponent("workers")
	p.ctx, p.cancel = context.WithCancel(context.Background())
	go p.processResults()
	return p
}

// Start launches the workers. Jobs are dispatched while ctx is live; after
// ctx is done every queued or newly submitted job is skipped.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.cancel()
		p.ctx, p.cancel = context.WithCancel(ctx)

		p.logger.Debug("Starting worker pool",
			"worker_count", p.config.Size,
			"queue_size", p.config.QueueSize,
			"rate_limit", p.config.Rate)

		for i := 0; i < p.config.Size; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}

		p.registry.Gauge(metrics.MetricWorkerPoolSize, float64(p.config.Size), metrics.Labels{
			metrics.LabelComponent: "workers",
		})
	})
}

// Submit queues job, blocking while the queue is full. It fails when ctx or
// the pool's run context is done, or after Shutdown.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- job:
		p.registry.Counter(metrics.MetricJobsSubmitted, metrics.Labels{
			metrics.LabelJobType: job.Type(),
		})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// TrySubmit queues job without blocking.
func (p *Pool) TrySubmit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- job:
		p.registry.Counter(metrics.MetricJobsSubmitted, metrics.Labels{
			metrics.LabelJobType: job.Type(),
		})
		return nil
	default:
		return fmt.Errorf("job queue is full")
	}
}

// SetRate changes the dispatch rate. A rate <= 0 removes the limit.
func (p *Pool) SetRate(r float64) {
	if r <= 0 {
		p.limiter.SetLimit(rate.Inf)
		return
	}
	p.limiter.SetLimit(rate.Limit(r))
	if p.limiter.Burst() < 1 {
		p.limiter.SetBurst(1)
	}
}

// Reserve takes n more tokens from the dispatch limiter on behalf of a
// running job that sends extra probes. It fails once ctx or the pool's run
// context is done.
func (p *Pool) Reserve(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := p.ctx.Err(); err != nil {
			return err
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		p.reserved.Add(1)
	}
	return nil
}

// Reserved returns how many extra tokens jobs have taken through Reserve.
func (p *Pool) Reserved() int64 { return p.reserved.Load() }

// Dispatched returns how many jobs have been handed to Execute.
func (p *Pool) Dispatched() int64 { return p.dispatched.Load() }

// Skipped returns how many jobs were dequeued after cancellation.
func (p *Pool) Skipped() int64 { return p.skipped.Load() }

// Results returns a channel for receiving job results. Results are dropped
// when nobody reads them.
func (p *Pool) Results() <-chan Result {
	return p.external
}

// Shutdown stops accepting jobs, lets workers drain the queue and waits for
// them up to the configured timeout.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	var err error
	select {
	case <-finished:
		p.logger.Debug("Worker pool shutdown completed")
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("Worker pool shutdown timeout, cancelling queued jobs")
		p.cancel()
		<-finished
		err = scanerrors.NewScanError(scanerrors.CodeTimeout, "worker pool shutdown timed out")
	}

	close(p.results)
	<-p.done
	p.cancel()
	return err
}

// Wait blocks until the pool has shut down.
func (p *Pool) Wait() {
	<-p.done
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.dispatch(id, job)
	}
}

// dispatch waits for a rate token, re-checks cancellation and then runs job.
func (p *Pool) dispatch(id int, job Job) {
	if err := p.limiter.Wait(p.ctx); err != nil {
		p.skip(job, err)
		return
	}
	if err := p.ctx.Err(); err != nil {
		p.skip(job, err)
		return
	}

	p.dispatched.Add(1)
	timer := metrics.NewTimerOn(p.registry, metrics.MetricJobDuration, metrics.Labels{
		metrics.LabelJobType: job.Type(),
	})
	runCtx := context.WithoutCancel(p.ctx)

	var err error
	retries := 0
	for attempt := 0; ; attempt++ {
		err = job.Execute(runCtx)
		if err == nil || attempt >= p.config.MaxRetries || !scanerrors.IsRetryable(err) {
			break
		}
		retries++
		p.logger.Debug("Job failed, retrying",
			"job_id", job.ID(),
			"job_type", job.Type(),
			"attempt", attempt+1,
			"worker_id", id,
			"error", err)
		select {
		case <-time.After(p.config.RetryDelay):
		case <-p.ctx.Done():
		}
		if p.ctx.Err() != nil {
			break
		}
	}
	duration := timer.Stop()

	status := "success"
	if err != nil {
		status = "error"
		p.logger.Debug("Job failed",
			"job_id", job.ID(),
			"job_type", job.Type(),
			"retries", retries,
			"worker_id", id,
			"error", err)
	}
	p.registry.Counter(metrics.MetricJobsCompleted, metrics.Labels{
		metrics.LabelJobType: job.Type(),
		metrics.LabelStatus:  status,
	})
	p.results <- Result{
		JobID:    job.ID(),
		JobType:  job.Type(),
		Error:    err,
		Duration: duration,
		Retries:  retries,
	}
}

func (p *Pool) skip(job Job, err error) {
	p.skipped.Add(1)
	if s, ok := job.(Skipper); ok {
		s.Skip(err)
	}
	p.registry.Counter(metrics.MetricJobsSkipped, metrics.Labels{
		metrics.LabelJobType: job.Type(),
	})
	p.results <- Result{
		JobID:   job.ID(),
		JobType: job.Type(),
		Error:   err,
		Skipped: true,
	}
}

// processResults fans results out to Results() until the pool shuts down.
func (p *Pool) processResults() {
	defer close(p.done)
	defer close(p.external)

	for result := range p.results {
		select {
		case p.external <- result:
		default:
		}
	}
}

// FuncJob adapts a function to the Job interface.
type FuncJob struct {
	id      string
	jobType string
	fn      func(ctx context.Context) error
	onSkip  func(err error)
}

// NewFuncJob creates a job running fn. onSkip may be nil.
func NewFuncJob(id, jobType string, fn func(ctx context.Context) error, onSkip func(err error)) *FuncJob {
	return &FuncJob{id: id, jobType: jobType, fn: fn, onSkip: onSkip}
}

// Execute implements the Job interface.
func (j *FuncJob) Execute(ctx context.Context) error { return j.fn(ctx) }

// ID implements the Job interface.
func (j *FuncJob) ID() string { return j.id }

// Type implements the Job interface.
func (j *FuncJob) Type() string { return j.jobType }

// Skip implements Skipper.
func (j *FuncJob) Skip(err error) {
	if j.onSkip != nil {
		j.onSkip(err)
	}
}
