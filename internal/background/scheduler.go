// Package background runs the process's periodic sweeps and the
// fire-and-forget bookkeeping that must not delay HTTP responses.
package background

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Job is a named periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler owns every periodic sweep in the process. Jobs run on their own
// tickers; a slow job delays only its own next tick.
type Scheduler struct {
	mu     sync.Mutex
	jobs   []Job
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewScheduler returns an empty, stopped scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Every registers fn to run every interval once Start is called.
// Registering after Start has no effect until the next Start.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, Job{Name: name, Interval: interval, Run: fn})
}

// Start launches one goroutine per job. Jobs stop when ctx is cancelled or Stop is called.
// Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		s.group.Go(func() error {
			runJob(ctx, job)
			return nil
		})
	}
	slog.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop cancels every job and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, group := s.cancel, s.group
	s.cancel, s.group = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	_ = group.Wait()
	slog.Info("scheduler stopped")
}

func runJob(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			start := time.Now()
			if err := job.Run(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("scheduled job failed", "job", job.Name, "error", err)
				continue
			}
			slog.Debug("scheduled job complete", "job", job.Name, "took", time.Since(start))
		case <-ctx.Done():
			return
		}
	}
}
