// Package cron runs the periodic maintenance jobs of the agent session layer,
// such as lazy link expiry and idle session sweeping.
package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"bizagent/pkg/logger"
)

// Func is the body of a maintenance job.
type Func func(ctx context.Context) error

// Job describes a registered maintenance job.
type Job struct {
	Name        string    `json:"name"`
	Schedule    string    `json:"schedule"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	LastRun     time.Time `json:"last_run"`
	NextRun     time.Time `json:"next_run"`
	RunCount    int       `json:"run_count"`
	LastError   string    `json:"last_error"`
	LastSuccess bool      `json:"last_success"`

	fn Func
}

// Manager manages maintenance jobs.
type Manager struct {
	log *logger.Logger

	scheduler *cron.Cron
	jobs      map[string]*Job
	entries   map[string]cron.EntryID
	mu        sync.RWMutex

	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new cron manager.
func New(log *logger.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		log:       log,
		scheduler: cron.New(),
		jobs:      make(map[string]*Job),
		entries:   make(map[string]cron.EntryID),
		timeout:   time.Minute,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start starts the scheduler.
func (m *Manager) Start() error {
	m.log.Info("Starting cron manager", zap.Int("jobs", len(m.ListJobs())))
	m.scheduler.Start()
	return nil
}

// Stop stops the scheduler and waits for running jobs.
func (m *Manager) Stop() error {
	m.log.Info("Stopping cron manager")

	m.cancel()
	ctx := m.scheduler.Stop()
	<-ctx.Done()

	m.log.Info("Cron manager stopped")
	return nil
}

// AddJob registers a named job. An empty schedule registers it disabled.
func (m *Manager) AddJob(name, schedule string, fn Func) (*Job, error) {
	if name == "" {
		return nil, fmt.Errorf("job name is required")
	}
	if fn == nil {
		return nil, fmt.Errorf("job %s has no body", name)
	}
	if schedule != "" {
		if _, err := cron.ParseStandard(schedule); err != nil {
			return nil, fmt.Errorf("invalid cron schedule: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[name]; exists {
		return nil, fmt.Errorf("job %s already registered", name)
	}

	job := &Job{
		Name:      name,
		Schedule:  schedule,
		Enabled:   schedule != "",
		CreatedAt: time.Now(),
		fn:        fn,
	}
	m.jobs[name] = job

	if job.Enabled {
		if err := m.scheduleJob(job); err != nil {
			delete(m.jobs, name)
			return nil, fmt.Errorf("scheduling job: %w", err)
		}
	}

	m.log.Info("Added cron job",
		zap.String("name", name),
		zap.String("schedule", schedule))

	jobCopy := *job
	return &jobCopy, nil
}

// RunNow executes a job synchronously outside its schedule.
func (m *Manager) RunNow(name string) error {
	m.mu.RLock()
	_, exists := m.jobs[name]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("job not found: %s", name)
	}
	return m.executeJob(name)
}

// ListJobs returns all jobs sorted by name.
func (m *Manager) ListJobs() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobCopy := *job
		jobCopy.fn = nil
		jobs = append(jobs, &jobCopy)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

// scheduleJob schedules a job in the cron scheduler.
// Caller must hold m.mu lock.
func (m *Manager) scheduleJob(job *Job) error {
	if entryID, exists := m.entries[job.Name]; exists {
		m.scheduler.Remove(entryID)
	}

	name := job.Name
	entryID, err := m.scheduler.AddFunc(job.Schedule, func() {
		_ = m.executeJob(name)
	})
	if err != nil {
		return err
	}

	m.entries[job.Name] = entryID
	if sched, err := cron.ParseStandard(job.Schedule); err == nil {
		job.NextRun = sched.Next(time.Now())
	}
	return nil
}

func (m *Manager) executeJob(name string) error {
	m.mu.RLock()
	job, exists := m.jobs[name]
	if !exists {
		m.mu.RUnlock()
		return fmt.Errorf("job not found: %s", name)
	}
	fn := job.fn
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(m.ctx, m.timeout)
	defer cancel()

	err := fn(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if job, exists := m.jobs[name]; exists {
		job.LastRun = time.Now()
		job.RunCount++
		if err != nil {
			job.LastSuccess = false
			job.LastError = err.Error()
			m.log.Warn("Cron job failed",
				zap.String("name", name),
				zap.Error(err))
		} else {
			job.LastSuccess = true
			job.LastError = ""
		}
		if entryID, exists := m.entries[name]; exists {
			job.NextRun = m.scheduler.Entry(entryID).Next
		}
	}
	return err
}
