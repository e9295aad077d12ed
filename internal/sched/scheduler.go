// Package sched runs the engine's periodic tasks. Every task is isolated:
// a panic or error in one tick is logged and the task keeps its schedule,
// so a failing reconciler can never halt candle finalization.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Task is one periodic job. Offset delays the first run so tasks sharing
// an interval do not burst together.
type Task struct {
	Name   string
	Every  time.Duration
	Offset time.Duration
	Fn     func(context.Context) error
}

type dailyTask struct {
	name   string
	hour   int
	minute int
	loc    *time.Location
	fn     func(context.Context) error
}

// Scheduler owns the periodic and daily tasks.
type Scheduler struct {
	tasks   []Task
	dailies []dailyTask
	logger  *slog.Logger
	wg      sync.WaitGroup

	now func() time.Time
}

func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger: logger.With("component", "scheduler"),
		now:    time.Now,
	}
}

// Every registers a periodic task.
func (s *Scheduler) Every(name string, every, offset time.Duration, fn func(context.Context) error) {
	s.tasks = append(s.tasks, Task{Name: name, Every: every, Offset: offset, Fn: fn})
}

// DailyAt registers a task that runs once a day at "HH:MM" local to loc.
func (s *Scheduler) DailyAt(name, at string, loc *time.Location, fn func(context.Context) error) error {
	var hour, minute int
	if _, err := fmt.Sscanf(at, "%d:%d", &hour, &minute); err != nil {
		return fmt.Errorf("daily task %s: parse %q: %w", name, at, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return fmt.Errorf("daily task %s: %q out of range", name, at)
	}
	s.dailies = append(s.dailies, dailyTask{name: name, hour: hour, minute: minute, loc: loc, fn: fn})
	return nil
}

// Start launches one goroutine per task. Tasks stop when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	for _, t := range s.tasks {
		s.wg.Add(1)
		go func(t Task) {
			defer s.wg.Done()
			s.runPeriodic(ctx, t)
		}(t)
	}
	for _, d := range s.dailies {
		s.wg.Add(1)
		go func(d dailyTask) {
			defer s.wg.Done()
			s.runDaily(ctx, d)
		}(d)
	}
	s.logger.Info("scheduler started",
		"periodic_tasks", len(s.tasks), "daily_tasks", len(s.dailies))
}

// Wait blocks until every task goroutine has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runPeriodic(ctx context.Context, t Task) {
	if t.Offset > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.Offset):
		}
	}
	ticker := time.NewTicker(t.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.invoke(ctx, t.Name, t.Fn)
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context, d dailyTask) {
	for {
		wait := time.Until(nextDaily(s.now().In(d.loc), d.hour, d.minute))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			s.invoke(ctx, d.name, d.fn)
		}
	}
}

// invoke runs one task tick. A panic is logged with its stack and the
// schedule continues.
func (s *Scheduler) invoke(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked",
				"task", name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("task failed", "task", name, "error", err)
	}
}

// nextDaily returns the next occurrence of hour:minute strictly after now,
// in now's location.
func nextDaily(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
