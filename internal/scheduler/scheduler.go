package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is a named periodic task. Spec uses the standard five-field cron syntax or a descriptor
// such as "@daily".
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Config configures the Scheduler.
type Config struct {
	Location   *time.Location
	JobTimeout time.Duration
	Logger     *zap.Logger
}

// Scheduler runs maintenance jobs (admission reset, retention pruning) on a cron clock.
type Scheduler struct {
	cron       *cron.Cron
	ctx        context.Context
	cancel     context.CancelFunc
	jobTimeout time.Duration
	logger     *zap.Logger
}

// New creates a scheduler evaluating specs in cfg.Location.
func New(cfg Config) *Scheduler {
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:       cron.New(cron.WithLocation(location)),
		ctx:        ctx,
		cancel:     cancel,
		jobTimeout: jobTimeout,
		logger:     logger,
	}
}

// Register adds job. It must be called before Start.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("scheduler: job name and run function are required")
	}
	_, err := s.cron.AddFunc(job.Spec, func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.jobTimeout)
		defer cancel()
		started := time.Now()
		if err := job.Run(ctx); err != nil {
			s.logger.Error("scheduled job failed", zap.String("job", job.Name), zap.Error(err))
			return
		}
		s.logger.Info("scheduled job completed", zap.String("job", job.Name), zap.Duration("elapsed", time.Since(started)))
	})
	if err != nil {
		return fmt.Errorf("scheduler: register %s: %w", job.Name, err)
	}
	s.logger.Info("scheduled job registered", zap.String("job", job.Name), zap.String("spec", job.Spec))
	return nil
}

// Start begins running registered jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop waits for running jobs and cancels their context.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("scheduler stopped")
}

// JobCount reports how many jobs are registered.
func (s *Scheduler) JobCount() int {
	return len(s.cron.Entries())
}
