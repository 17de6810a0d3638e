// Package scheduler implements the Scheduler (C10): cron-style
// per-server-per-task scheduling backed by the schedule_done ledger, so a
// restart never re-runs (or silently skips) a task it already started.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/jianglibo/bkoverssh/internal/config"
	"github.com/jianglibo/bkoverssh/internal/store"
)

// cronParser accepts the standard 5-field expression plus the @every /
// @daily style descriptors; minute is the finest granularity this
// scheduler drives its tick loop at.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Task names one (server_yml_path, schedule task) pair and the cron
// schedule it runs on, plus whether a missed tick should be caught up.
type Task struct {
	ServerYmlPath string
	TaskName      string
	CronExpr      string
	CatchUp       bool

	schedule cron.Schedule
}

// Runner executes one matched task. Callers supply a closure that builds
// and runs a driver.Driver for the server; tests substitute a fake.
type Runner func(ctx context.Context, serverYmlPath, taskName string) error

// Scheduler owns a fixed tick loop (deliberately not cron.Cron's own
// goroutine-per-entry scheduler, so a single minute tick can be observed
// and tested deterministically) and the schedule_done ledger.
type Scheduler struct {
	Store         store.IndexStore
	Dispatch      Runner
	Logger        *slog.Logger
	TickInterval  time.Duration // defaults to time.Minute
	RetentionDays int           // defaults to config.DefaultScheduleRetentionDays
	Now           func() time.Time

	tasks []Task
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}

	return time.Now().UTC()
}

func (s *Scheduler) tickInterval() time.Duration {
	if s.TickInterval > 0 {
		return s.TickInterval
	}

	return time.Minute
}

func (s *Scheduler) retentionDays() int {
	if s.RetentionDays > 0 {
		return s.RetentionDays
	}

	return config.DefaultScheduleRetentionDays
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}

	return slog.Default()
}

// LoadServer registers every schedule entry of one server spec, identified
// by the path its YAML document was loaded from (the schedule_done ledger
// key). Call once per server before Run.
func (s *Scheduler) LoadServer(serverYmlPath string, server config.ServerSpec) error {
	for _, item := range server.Schedules {
		schedule, err := cronParser.Parse(item.Cron)
		if err != nil {
			return fmt.Errorf("scheduler: server %s task %s: bad cron %q: %w", serverYmlPath, item.Task, item.Cron, err)
		}

		s.tasks = append(s.tasks, Task{
			ServerYmlPath: serverYmlPath,
			TaskName:      item.Task,
			CronExpr:      item.Cron,
			CatchUp:       server.CatchUp,
			schedule:      schedule,
		})
	}

	return nil
}

// Run blocks, ticking every TickInterval until ctx is cancelled. Each tick
// evaluates every loaded task against the current instant.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tickInterval())
	defer ticker.Stop()

	s.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.Tick(ctx, now.UTC())
			s.prune(ctx)
		}
	}
}

// Tick evaluates every loaded task against instant now, firing any that are
// due. Exported so tests can drive the scheduler deterministically without
// a real ticker.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	for _, task := range s.tasks {
		s.evaluate(ctx, task, now)
	}
}

// evaluate decides whether task is due at now and, if so, runs it. A task
// is due when the most recently scheduled slot at or before now has not
// already been recorded in schedule_done. With CatchUp unset, only the
// slot matching the current tick (truncated to minute) is considered; with
// CatchUp set, the most recent missed slot since the last done row fires
// once.
func (s *Scheduler) evaluate(ctx context.Context, task Task, now time.Time) {
	slot := s.dueSlot(task, now)
	if slot.IsZero() {
		return
	}

	last, err := s.Store.FindNextExecute(ctx, task.ServerYmlPath, task.TaskName)
	if err != nil && err != store.ErrNotFound {
		s.logger().Error("scheduler lookup failed", "server_yml", task.ServerYmlPath, "task", task.TaskName, "err", err)
		return
	}

	if err == nil {
		if !last.Done {
			// A run from a previous slot is still in flight (or crashed
			// mid-run); don't pile another one on top of it.
			return
		}

		if !last.TimeExecution.Before(slot) {
			// Already recorded this slot (or a later one).
			return
		}
	}

	if err := s.Store.InsertNextExecute(ctx, task.ServerYmlPath, task.TaskName, slot); err != nil {
		s.logger().Error("scheduler insert failed", "server_yml", task.ServerYmlPath, "task", task.TaskName, "err", err)
		return
	}

	s.logger().Info("scheduler firing task", "server_yml", task.ServerYmlPath, "task", task.TaskName, "slot", slot)

	runErr := s.Dispatch(ctx, task.ServerYmlPath, task.TaskName)
	if runErr != nil {
		s.logger().Error("scheduled task failed", "server_yml", task.ServerYmlPath, "task", task.TaskName, "err", runErr)
	}

	row, err := s.Store.FindNextExecute(ctx, task.ServerYmlPath, task.TaskName)
	if err != nil {
		s.logger().Error("scheduler re-find after run failed", "server_yml", task.ServerYmlPath, "task", task.TaskName, "err", err)
		return
	}

	if err := s.Store.UpdateNextExecuteDone(ctx, row.ID); err != nil {
		s.logger().Error("scheduler mark-done failed", "server_yml", task.ServerYmlPath, "task", task.TaskName, "err", err)
	}
}

// dueSlot returns the cron slot task should fire for at now, or the zero
// Time if nothing is due. Without CatchUp, a task is only due in the
// minute its own schedule lands on. With CatchUp, it is also due the first
// tick after a gap, firing once for the most recently missed slot within
// the last 25 hours; a slot older than that is not found.
func (s *Scheduler) dueSlot(task Task, now time.Time) time.Time {
	truncated := now.Truncate(time.Minute)

	if !task.CatchUp {
		next := task.schedule.Next(truncated.Add(-time.Minute))
		if next.Equal(truncated) {
			return truncated
		}

		return time.Time{}
	}

	// CatchUp: step forward through the slots from 25 hours before now and
	// keep the last one at or before now; that is the slot to fire (whether
	// or not it was the exact current minute).
	candidate := task.schedule.Next(truncated.Add(-25 * time.Hour))
	last := time.Time{}

	for !candidate.After(truncated) {
		last = candidate
		candidate = task.schedule.Next(candidate)
	}

	return last
}

// prune deletes done schedule_done rows older than the retention window.
func (s *Scheduler) prune(ctx context.Context) {
	cutoff := s.now().AddDate(0, 0, -s.retentionDays())

	n, err := s.Store.PruneScheduleDone(ctx, cutoff)
	if err != nil {
		s.logger().Error("scheduler prune failed", "err", err)
		return
	}

	if n > 0 {
		s.logger().Info("scheduler pruned schedule_done rows", "count", n, "cutoff", cutoff)
	}
}
