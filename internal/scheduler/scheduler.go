// Package scheduler runs recurring jobs. Jobs are registered against the
// Scheduler interface so tests can fire them directly.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one run of a recurring task. The context is cancelled on Stop.
type Job func(ctx context.Context)

// Scheduler registers recurring jobs.
type Scheduler interface {
	// Every runs job at a fixed interval.
	Every(name string, interval time.Duration, job Job) error
	// Daily runs job once a day at hh:mm in loc.
	Daily(name, at string, loc *time.Location, job Job) error
}

var (
	ErrInvalidInterval = errors.New("interval must be positive")
	ErrInvalidTime     = errors.New("time of day must be HH:MM")
	ErrDuplicateJob    = errors.New("job already registered")
)

// CronScheduler is the production Scheduler backed by robfig/cron. A run
// still in progress when its next tick fires is skipped.
type CronScheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID
	running bool
}

var _ Scheduler = (*CronScheduler)(nil)

// NewCron creates a stopped scheduler.
func NewCron(logger *zap.Logger) *CronScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "scheduler"))
	cronLogger := zapCronLogger{logger.Sugar()}

	ctx, cancel := context.WithCancel(context.Background())
	return &CronScheduler{
		cron:    cron.New(cron.WithLogger(cronLogger)),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}
}

// Every implements Scheduler.
func (s *CronScheduler) Every(name string, interval time.Duration, job Job) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}
	return s.add(name, cron.Every(interval), job)
}

// Daily implements Scheduler.
func (s *CronScheduler) Daily(name, at string, loc *time.Location, job Job) error {
	spec, err := DailySpec(at, loc)
	if err != nil {
		return err
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("parsing schedule %q: %w", spec, err)
	}
	return s.add(name, schedule, job)
}

// DailySpec builds the cron expression for hh:mm in loc.
func DailySpec(at string, loc *time.Location) (string, error) {
	t, err := time.Parse("15:04", at)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidTime, at)
	}
	if loc == nil {
		loc = time.UTC
	}
	return fmt.Sprintf("CRON_TZ=%s %d %d * * *", loc.String(), t.Minute(), t.Hour()), nil
}

func (s *CronScheduler) add(name string, schedule cron.Schedule, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}

	cronLogger := zapCronLogger{s.logger.Sugar()}
	wrapped := cron.NewChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)).
		Then(cron.FuncJob(func() {
			start := time.Now()
			job(s.ctx)
			s.logger.Debug("job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
		}))

	s.entries[name] = s.cron.Schedule(schedule, wrapped)
	s.logger.Info("job registered", zap.String("job", name))
	return nil
}

// Start begins firing jobs in the background.
func (s *CronScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
}

// Stop halts scheduling, cancels in-flight jobs and waits for them or ctx.
func (s *CronScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.cancel()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether Start was called without a matching Stop.
func (s *CronScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Next returns the next fire time of a registered job.
func (s *CronScheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Names lists registered jobs.
func (s *CronScheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// zapCronLogger adapts zap to cron.Logger.
type zapCronLogger struct {
	sugar *zap.SugaredLogger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
