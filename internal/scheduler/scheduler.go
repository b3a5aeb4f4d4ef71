// Package scheduler runs periodic maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/vtcast/internal/observability"
)

var (
	// ErrJobExists is returned when a job name is registered twice.
	ErrJobExists = errors.New("job already registered")

	// ErrJobNotFound is returned for an unknown job name.
	ErrJobNotFound = errors.New("job not found")

	// ErrAlreadyStarted is returned by Start on a running scheduler.
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

// JobStatus describes a registered job.
type JobStatus struct {
	Name         string        `json:"name"`
	Schedule     string        `json:"schedule"`
	Runs         uint64        `json:"runs"`
	Failures     uint64        `json:"failures"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
	Next         time.Time     `json:"next,omitempty"`
}

type entry struct {
	name     string
	schedule string
	job      Job
	id       cron.EntryID

	// running guards against overlapping executions of the same job.
	running sync.Mutex

	mu       sync.Mutex
	runs     uint64
	failures uint64
	lastRun  time.Time
	lastDur  time.Duration
	lastErr  string
}

// SchedulerConfig holds configuration for the scheduler.
type SchedulerConfig struct {
	// JobTimeout bounds a single job execution.
	// Default: 1 minute
	JobTimeout time.Duration
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{JobTimeout: time.Minute}
}

// Scheduler owns a cron instance and the jobs registered with it.
type Scheduler struct {
	mu sync.RWMutex

	cron   *cron.Cron
	parser cron.Parser
	logger *slog.Logger

	jobs       map[string]*entry
	jobTimeout time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewScheduler creates a scheduler. Schedules use six fields, seconds first,
// and descriptors such as @every 30s are accepted.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron:       cron.New(cron.WithParser(parser)),
		parser:     parser,
		logger:     observability.WithComponent(slog.Default(), "scheduler"),
		jobs:       make(map[string]*entry),
		jobTimeout: DefaultSchedulerConfig().JobTimeout,
	}
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	if logger != nil {
		s.logger = observability.WithComponent(logger, "scheduler")
	}
	return s
}

// WithConfig applies configuration to the scheduler.
func (s *Scheduler) WithConfig(config SchedulerConfig) *Scheduler {
	if config.JobTimeout > 0 {
		s.jobTimeout = config.JobTimeout
	}
	return s
}

// Register adds a job under name. It may be called before or after Start.
func (s *Scheduler) Register(name, spec string, job Job) error {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid cron expression for %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("%w: %s", ErrJobExists, name)
	}
	e := &entry{name: name, schedule: spec, job: job}
	e.id = s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(e) }))
	s.jobs[name] = e

	s.logger.Debug("job registered",
		slog.String("job", name),
		slog.String("schedule", spec))
	return nil
}

// Start begins firing jobs. Jobs run with a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.cron.Start()

	s.logger.Info("scheduler started", slog.Int("jobs", len(s.jobs)))
	return nil
}

// Stop stops firing jobs and waits for running ones to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// RunNow executes the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	e, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return s.run(ctx, e)
}

// fire is the cron callback. A run that is still in progress when the
// schedule fires again causes the new firing to be skipped.
func (s *Scheduler) fire(e *entry) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if !e.running.TryLock() {
		s.logger.Debug("job still running, skipping", slog.String("job", e.name))
		return
	}
	defer e.running.Unlock()
	_ = s.execute(ctx, e)
}

func (s *Scheduler) run(ctx context.Context, e *entry) error {
	e.running.Lock()
	defer e.running.Unlock()
	return s.execute(ctx, e)
}

// execute runs e once. e.running must be held.
func (s *Scheduler) execute(ctx context.Context, e *entry) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", e.name, r)
		}

		e.mu.Lock()
		e.runs++
		e.lastRun = start
		e.lastDur = time.Since(start)
		e.lastErr = ""
		if err != nil {
			e.failures++
			e.lastErr = err.Error()
		}
		e.mu.Unlock()

		if err != nil {
			s.logger.Warn("job failed",
				slog.String("job", e.name),
				slog.Duration("duration", time.Since(start)),
				slog.String("error", err.Error()))
			return
		}
		s.logger.Debug("job completed",
			slog.String("job", e.name),
			slog.Duration("duration", time.Since(start)))
	}()

	return e.job(ctx)
}

// Jobs returns the status of every registered job, ordered by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		e.mu.Lock()
		st := JobStatus{
			Name:         e.name,
			Schedule:     e.schedule,
			Runs:         e.runs,
			Failures:     e.failures,
			LastRun:      e.lastRun,
			LastDuration: e.lastDur,
			LastError:    e.lastErr,
		}
		e.mu.Unlock()
		if s.started {
			st.Next = s.cron.Entry(e.id).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ParseCron validates a cron expression and returns the next run time.
func (s *Scheduler) ParseCron(expr string) (time.Time, error) {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule.Next(time.Now()), nil
}

// ValidateCron validates a cron expression.
func (s *Scheduler) ValidateCron(expr string) error {
	_, err := s.parser.Parse(expr)
	return err
}
