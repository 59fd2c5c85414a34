package assistant

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxConcurrent = 8
	defaultTaskTimeout   = 3 * time.Minute
)

// ErrRunnerClosed is returned by Go once Wait has been called.
var ErrRunnerClosed = errors.New("assistant: runner is closed")

// RunnerConfig configures Runner.
type RunnerConfig struct {
	MaxConcurrent int64
	TaskTimeout   time.Duration
	Logger        *zap.Logger
}

// Runner executes work that outlives the HTTP request. Tasks run on a context detached from
// the request, bounded by a per-task timeout and a concurrency weight.
type Runner struct {
	base        context.Context
	cancel      context.CancelFunc
	slots       *semaphore.Weighted
	taskTimeout time.Duration
	logger      *zap.Logger

	mu     sync.Mutex
	closed bool
	tasks  sync.WaitGroup
}

// NewRunner constructs a runner.
func NewRunner(cfg RunnerConfig) *Runner {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	taskTimeout := cfg.TaskTimeout
	if taskTimeout <= 0 {
		taskTimeout = defaultTaskTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		base:        base,
		cancel:      cancel,
		slots:       semaphore.NewWeighted(maxConcurrent),
		taskTimeout: taskTimeout,
		logger:      logger,
	}
}

// Go schedules task without blocking the caller. The task waits for a free slot.
func (r *Runner) Go(name string, task func(ctx context.Context)) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRunnerClosed
	}
	r.tasks.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.tasks.Done()
		if err := r.slots.Acquire(r.base, 1); err != nil {
			r.logger.Warn("background task dropped", zap.String("task", name), zap.Error(err))
			return
		}
		defer r.slots.Release(1)

		ctx, cancel := context.WithTimeout(r.base, r.taskTimeout)
		defer cancel()
		defer func() {
			if recovered := recover(); recovered != nil {
				r.logger.Error("background task panicked", zap.String("task", name), zap.Any("panic", recovered))
			}
		}()
		task(ctx)
	}()
	return nil
}

// Wait stops accepting tasks and blocks until scheduled tasks finish or ctx ends. When ctx
// ends first the remaining tasks are cancelled.
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
}
