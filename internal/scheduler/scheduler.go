// Package scheduler runs a task on a fixed wall-clock interval.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is the work a Scheduler runs on each tick.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// Scheduler runs a task at every multiple of its interval. Runs are
// aligned to the wall clock, so a one-minute interval fires at the top of
// each minute regardless of when Start was called.
type Scheduler struct {
	name     string
	interval time.Duration
	task     Task
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates a scheduler for task.
func NewScheduler(name string, interval time.Duration, task Task) *Scheduler {
	return &Scheduler{
		name:     name,
		interval: interval,
		task:     task,
		stopCh:   make(chan struct{}),
	}
}

// Start blocks running the task until ctx is done or Stop is called.
// A failing run is logged and the schedule continues.
func (s *Scheduler) Start(ctx context.Context) error {
	timer := time.NewTimer(s.untilNext())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.stopCh:
			return nil

		case <-timer.C:
			start := time.Now()
			if err := s.task.Execute(ctx); err != nil {
				slog.Error("scheduled task failed", "task", s.name, "error", err)
			}
			slog.Debug("scheduled task finished", "task", s.name, "took", time.Since(start))

			timer.Reset(s.untilNext())
		}
	}
}

// untilNext is the wait until the next interval boundary.
func (s *Scheduler) untilNext() time.Duration {
	now := time.Now()
	next := now.Truncate(s.interval).Add(s.interval)
	return next.Sub(now)
}

// Stop ends Start. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
