package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mtzanidakis/concord/internal/config"
	"github.com/mtzanidakis/concord/internal/schedule"
)

// JobFunc is one run of a maintenance job.
type JobFunc func(ctx context.Context) error

// EventPublisher receives a job_executed event after every run.
type EventPublisher interface {
	PublishEvent(kind string, data any)
}

// JobStatus is the externally visible state of a registered job.
type JobStatus struct {
	Name       string    `json:"name"`
	Schedule   string    `json:"schedule"`
	NextRun    time.Time `json:"next_run"`
	LastRun    time.Time `json:"last_run,omitzero"`
	LastStatus string    `json:"last_status,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Runs       int       `json:"runs"`
}

type job struct {
	status   JobStatus
	schedule schedule.Schedule
	fn       JobFunc
}

type Scheduler struct {
	mu           sync.Mutex
	jobs         map[string]*job
	pollInterval time.Duration
	events       EventPublisher
	now          func() time.Time
	reloadCh     chan struct{}
}

type Option func(*Scheduler)

func WithEvents(p EventPublisher) Option {
	return func(s *Scheduler) { s.events = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(cfg config.SchedulerConfig, opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:         make(map[string]*job),
		pollInterval: cfg.PollInterval,
		now:          time.Now,
		reloadCh:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds or replaces a job. An empty spec removes the job, which is
// how a schedule is disabled from config.
func (s *Scheduler) Register(name, spec string, fn JobFunc) error {
	if spec == "" {
		s.mu.Lock()
		delete(s.jobs, name)
		s.mu.Unlock()
		slog.Info("scheduler job disabled", "job", name)
		return nil
	}
	sched, err := schedule.Parse(spec)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	next, err := sched.Next(s.now())
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}

	s.mu.Lock()
	j, ok := s.jobs[name]
	if !ok {
		j = &job{status: JobStatus{Name: name}}
		s.jobs[name] = j
	}
	j.schedule = sched
	j.fn = fn
	j.status.Schedule = spec
	j.status.NextRun = next
	s.mu.Unlock()

	slog.Info("scheduler job registered", "job", name, "schedule", sched.String(), "next_run", next)
	return nil
}

// Jobs lists the registered jobs sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.status)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// UpdateConfig updates the poll interval, then signals the run loop to
// reset its ticker.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	s.mu.Lock()
	s.pollInterval = pollInterval
	s.mu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollInterval <= 0 {
		s.pollInterval = time.Second
	}
	return s.pollInterval
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.interval())

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.interval())
			slog.Info("scheduler config reloaded", "poll_interval", s.interval())
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll runs every due job in name order and returns how many ran.
func (s *Scheduler) poll(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.status.NextRun.After(now) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()
	sort.Slice(due, func(i, k int) bool { return due[i].status.Name < due[k].status.Name })

	for _, j := range due {
		s.execute(ctx, j)
	}
	return len(due)
}

func (s *Scheduler) execute(ctx context.Context, j *job) {
	s.mu.Lock()
	name, fn, sched := j.status.Name, j.fn, j.schedule
	s.mu.Unlock()

	slog.Debug("executing scheduled job", "job", name)
	err := fn(ctx)

	lastStatus, lastError := "success", ""
	if err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("scheduled job failed", "job", name, "error", err)
	}

	ranAt := s.now()
	next, nerr := sched.Next(ranAt)
	if nerr != nil {
		slog.Error("failed to compute next run", "job", name, "error", nerr)
		next = ranAt.Add(s.interval())
	}

	s.mu.Lock()
	j.status.LastRun = ranAt
	j.status.LastStatus = lastStatus
	j.status.LastError = lastError
	j.status.NextRun = next
	j.status.Runs++
	s.mu.Unlock()

	if s.events != nil {
		s.events.PublishEvent("job_executed", map[string]any{
			"job":    name,
			"status": lastStatus,
		})
	}
}
