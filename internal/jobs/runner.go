// Package jobs runs fire-and-forget work (token pruning, bid settlement) off
// the request path on a fixed pool of workers.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultWorkers    = 2
	defaultQueueSize  = 64
	defaultJobTimeout = 2 * time.Minute

	metricSubmitted = "jobs.submitted"
	metricDropped   = "jobs.dropped"
	metricSucceeded = "jobs.succeeded"
	metricFailed    = "jobs.failed"
	metricPanicked  = "jobs.panicked"
)

var (
	// ErrRunnerStopped indicates Start was called after Stop.
	ErrRunnerStopped = errors.New("jobs.runner_stopped")
	// ErrRunnerStarted indicates Start was called twice.
	ErrRunnerStarted = errors.New("jobs.runner_started")
)

// Counter receives job lifecycle events.
type Counter interface {
	Increment(event string)
}

// Config sizes the runner.
type Config struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
}

type job struct {
	name string
	run  func(ctx context.Context) error
}

// Runner executes submitted jobs on a bounded queue.
type Runner struct {
	logger  *zap.Logger
	metrics Counter
	timeout time.Duration
	workers int
	queue   chan job

	mutex   sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	group   sync.WaitGroup
}

// NewRunner builds a Runner. Nil logger and metrics are allowed.
func NewRunner(configuration Config, logger *zap.Logger, metrics Counter) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := configuration.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := configuration.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	timeout := configuration.JobTimeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	return &Runner{
		logger:  logger,
		metrics: metrics,
		timeout: timeout,
		workers: workers,
		queue:   make(chan job, queueSize),
	}
}

// Start launches the workers. They exit when ctx is cancelled or Stop is called.
func (runner *Runner) Start(ctx context.Context) error {
	runner.mutex.Lock()
	defer runner.mutex.Unlock()
	if runner.stopped {
		return ErrRunnerStopped
	}
	if runner.started {
		return ErrRunnerStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	runner.cancel = cancel
	runner.started = true
	for index := 0; index < runner.workers; index++ {
		runner.group.Add(1)
		go runner.work(runCtx)
	}
	runner.logger.Info("job runner started", zap.Int("workers", runner.workers), zap.Int("queue_size", cap(runner.queue)))
	return nil
}

// Submit enqueues fn without blocking. It returns false when the job was dropped.
func (runner *Runner) Submit(name string, fn func(ctx context.Context) error) bool {
	if fn == nil {
		return false
	}
	runner.mutex.Lock()
	defer runner.mutex.Unlock()
	if runner.stopped {
		runner.logger.Warn("job dropped", zap.String("code", "jobs.runner_stopped"), zap.String("job", name))
		runner.increment(metricDropped)
		return false
	}
	select {
	case runner.queue <- job{name: name, run: fn}:
		runner.increment(metricSubmitted)
		return true
	default:
		runner.logger.Warn("job dropped", zap.String("code", "jobs.queue_full"), zap.String("job", name))
		runner.increment(metricDropped)
		return false
	}
}

// Stop drains queued jobs and waits for the workers, or gives up when ctx ends.
func (runner *Runner) Stop(ctx context.Context) error {
	runner.mutex.Lock()
	if runner.stopped {
		runner.mutex.Unlock()
		return nil
	}
	runner.stopped = true
	started := runner.started
	close(runner.queue)
	runner.mutex.Unlock()

	if !started {
		return nil
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		runner.group.Wait()
	}()
	select {
	case <-done:
		runner.cancel()
		runner.logger.Info("job runner stopped")
		return nil
	case <-ctx.Done():
		runner.cancel()
		return fmt.Errorf("jobs.stop: %w", ctx.Err())
	}
}

func (runner *Runner) work(ctx context.Context) {
	defer runner.group.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-runner.queue:
			if !ok {
				return
			}
			runner.execute(ctx, next)
		}
	}
}

func (runner *Runner) execute(ctx context.Context, next job) {
	jobCtx, cancel := context.WithTimeout(ctx, runner.timeout)
	defer cancel()
	started := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			runner.logger.Error("job panicked",
				zap.String("code", "jobs.panic"),
				zap.String("job", next.name),
				zap.Any("panic", recovered),
			)
			runner.increment(metricPanicked)
		}
	}()
	if err := next.run(jobCtx); err != nil {
		runner.logger.Warn("job failed",
			zap.String("code", "jobs.failed"),
			zap.String("job", next.name),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err),
		)
		runner.increment(metricFailed)
		return
	}
	runner.logger.Debug("job finished", zap.String("job", next.name), zap.Duration("elapsed", time.Since(started)))
	runner.increment(metricSucceeded)
}

func (runner *Runner) increment(event string) {
	if runner.metrics != nil {
		runner.metrics.Increment(event)
	}
}
