package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Registration describes one job registered on a Manual scheduler.
type Registration struct {
	Name     string
	Interval time.Duration
	At       string
	Location *time.Location
	Job      Job
}

// Manual records registrations and runs jobs only when asked.
type Manual struct {
	mu   sync.Mutex
	jobs map[string]Registration
}

var _ Scheduler = (*Manual)(nil)

// NewManual creates an empty manual scheduler.
func NewManual() *Manual {
	return &Manual{jobs: make(map[string]Registration)}
}

// Every implements Scheduler.
func (m *Manual) Every(name string, interval time.Duration, job Job) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}
	return m.add(Registration{Name: name, Interval: interval, Job: job})
}

// Daily implements Scheduler.
func (m *Manual) Daily(name, at string, loc *time.Location, job Job) error {
	if _, err := DailySpec(at, loc); err != nil {
		return err
	}
	return m.add(Registration{Name: name, At: at, Location: loc, Job: job})
}

func (m *Manual) add(r Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[r.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, r.Name)
	}
	m.jobs[r.Name] = r
	return nil
}

// Get returns the registration for name.
func (m *Manual) Get(name string) (Registration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.jobs[name]
	return r, ok
}

// Run fires the named job synchronously.
func (m *Manual) Run(ctx context.Context, name string) error {
	r, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("no job named %s", name)
	}
	r.Job(ctx)
	return nil
}
