// Package scheduler runs the periodic maintenance jobs: projection refresh,
// delegation expiry, audit retention and database pool stats.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// ErrUnknownJob is returned by RunNow for a name that was never added
var ErrUnknownJob = errors.New("unknown job")

// Job is a named unit of periodic work
type Job struct {
	Name string
	// Spec is a standard five-field cron expression or a descriptor such as "@every 1m"
	Spec string
	Run  func(ctx context.Context) error
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithCron overrides the underlying cron instance
func WithCron(c *cron.Cron) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithMetrics records job outcomes on JobRuns
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the scheduler logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithJobTimeout bounds every job run
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Scheduler wraps cron with panic recovery, per-run timeouts and metrics
type Scheduler struct {
	cron    *cron.Cron
	metrics *observability.Metrics
	logger  logrus.FieldLogger
	timeout time.Duration

	mu      sync.Mutex
	jobs    map[string]Job
	running map[string]bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a Scheduler. Jobs are added with Add and begin firing after Start.
func New(opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:    cron.New(cron.WithLogger(cron.DiscardLogger)),
		logger:  logrus.StandardLogger(),
		timeout: 5 * time.Minute,
		jobs:    make(map[string]Job),
		running: make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a job. An empty Spec registers the job for RunNow only.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("scheduler: job requires a name and a run function")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("scheduler: job %q already registered", job.Name)
	}
	if job.Spec != "" {
		if _, err := s.cron.AddFunc(job.Spec, func() { _ = s.execute(s.ctx, job) }); err != nil {
			return fmt.Errorf("scheduler: job %q: %w", job.Name, err)
		}
	}
	s.jobs[job.Name] = job
	return nil
}

// Start begins firing scheduled jobs
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.WithField("jobs", len(s.jobs)).Info("Scheduler started")
}

// Stop prevents new runs, cancels in-flight ones and waits for them or ctx
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow executes a registered job synchronously
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, job)
}

// Jobs returns the registered job names
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

func (s *Scheduler) execute(ctx context.Context, job Job) (err error) {
	if !s.claim(job.Name) {
		s.count(job.Name, "skipped")
		s.logger.WithField("job", job.Name).Debug("Previous run still in progress, skipping")
		return nil
	}
	defer s.release(job.Name)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	logger := s.logger.WithField("job", job.Name)
	start := time.Now()

	defer observability.RecoverPanic(logger, "scheduler:"+job.Name, func(r any) {
		err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		s.count(job.Name, "panic")
	})

	err = job.Run(ctx)
	if err != nil {
		logger.WithError(err).WithField("duration", time.Since(start)).Error("Scheduled job failed")
		s.count(job.Name, "error")
		return err
	}

	logger.WithField("duration", time.Since(start)).Debug("Scheduled job completed")
	s.count(job.Name, "success")
	return nil
}

func (s *Scheduler) claim(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] {
		return false
	}
	s.running[name] = true
	return true
}

func (s *Scheduler) release(name string) {
	s.mu.Lock()
	delete(s.running, name)
	s.mu.Unlock()
}

func (s *Scheduler) count(job, status string) {
	if s.metrics != nil {
		s.metrics.JobRuns.WithLabelValues(job, status).Inc()
	}
}
