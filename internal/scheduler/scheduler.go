package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Trigger is the slice of the sync manager the scheduler drives.
type Trigger interface {
	SyncNow(ctx context.Context, namespace string) error
	SyncAll(ctx context.Context) error
	PurgeFailed(ctx context.Context, olderThan time.Duration) int
}

const defaultRetention = 72 * time.Hour

// Scheduler runs registered jobs until stopped.
type Scheduler struct {
	trigger Trigger
	logger  *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*Job
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler driving the given trigger.
func New(trigger Trigger, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		trigger: trigger,
		logger:  logger.With("component", "scheduler"),
		jobs:    make(map[string]*Job),
	}
}

// AddJob registers a job. Jobs added while running start immediately.
func (s *Scheduler) AddJob(job *Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("job %q: %w", job.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %q already registered", job.ID)
	}
	s.jobs[job.ID] = job

	if s.running && job.Enabled {
		s.startJob(job)
	}
	return nil
}

// Start launches runners for all enabled jobs.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.runCtx = runCtx

	started := 0
	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		s.startJob(job)
		started++
	}
	s.logger.Info("scheduler started", "jobs", started)
}

// Stop terminates all runners and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// startJob launches one runner goroutine. Caller holds the lock.
func (s *Scheduler) startJob(job *Job) {
	s.wg.Add(1)
	go s.run(s.runCtx, job)
}

func (s *Scheduler) run(ctx context.Context, job *Job) {
	defer s.wg.Done()

	logger := s.logger.With("job", job.ID)
	for {
		next, err := job.NextRun(time.Now())
		if err != nil {
			logger.Error("cannot compute next run", "error", err)
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.execute(ctx, job, logger)
	}
}

func (s *Scheduler) execute(ctx context.Context, job *Job, logger *slog.Logger) {
	start := time.Now()
	var err error

	switch job.Action.Kind {
	case "sync":
		if job.Action.Namespace != "" {
			err = s.trigger.SyncNow(ctx, job.Action.Namespace)
		} else {
			err = s.trigger.SyncAll(ctx)
		}
	case "purge":
		retention := defaultRetention
		if job.Action.RetentionHours > 0 {
			retention = time.Duration(job.Action.RetentionHours) * time.Hour
		}
		s.trigger.PurgeFailed(ctx, retention)
	}

	if err != nil {
		logger.Warn("job failed", "error", err, "duration", time.Since(start))
	} else {
		logger.Debug("job completed", "duration", time.Since(start))
	}
}
