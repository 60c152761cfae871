// Package scheduler owns everything time-driven: firing cron triggers,
// waking executions parked on delays, scheduled retries, and expired
// approvals, and purging old terminal executions.
//
// Next-fire times are held in memory and recomputed from the cron
// expressions at startup, so a downtime window never replays missed
// firings; the next occurrence after boot wins.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/definition"
	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/id"
)

// StartFunc creates and enqueues an execution for a schedule firing.
type StartFunc func(ctx context.Context, def *definition.Definition) error

// WakeFunc advances an execution whose wait came due.
type WakeFunc func(ctx context.Context, executionID id.ExecutionID) error

// Scheduler runs the periodic tick loop.
type Scheduler struct {
	cfg    loom.Config
	defs   definition.Store
	execs  execution.Store
	start  StartFunc
	wake   WakeFunc
	logger *slog.Logger

	mu       sync.Mutex
	nextFire map[string]time.Time // workflowID/version -> next occurrence
}

// New creates a Scheduler. start runs on due cron triggers; wake runs on
// due waits.
func New(cfg loom.Config, defs definition.Store, execs execution.Store, start StartFunc, wake WakeFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		defs:     defs,
		execs:    execs,
		start:    start,
		wake:     wake,
		logger:   logger,
		nextFire: make(map[string]time.Time),
	}
}

// Run ticks until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastPurge time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
			if s.cfg.Retention > 0 && now.Sub(lastPurge) >= time.Hour {
				s.purge(ctx, now)
				lastPurge = now
			}
		}
	}
}

// Tick runs one scheduling pass. Exported so tests drive time directly.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.fireSchedules(ctx, now)
	s.wakeDue(ctx, now)
}

func (s *Scheduler) fireSchedules(ctx context.Context, now time.Time) {
	actives, err := s.defs.ListActive(ctx)
	if err != nil {
		s.logger.Error("list active definitions failed", slog.String("error", err.Error()))
		return
	}

	seen := make(map[string]bool, len(actives))
	for _, def := range actives {
		t := def.Trigger
		if t.Kind != definition.TriggerSchedule || !t.Enabled {
			continue
		}
		schedule, err := cron.ParseStandard(t.Schedule)
		if err != nil {
			// Validation rejects these at publish; a bad expression here
			// means a store written around the API.
			s.logger.Error("invalid cron expression on active definition",
				slog.String("workflow_id", def.ID.String()),
				slog.String("schedule", t.Schedule),
				slog.String("error", err.Error()),
			)
			continue
		}

		key := scheduleKey(def)
		seen[key] = true

		s.mu.Lock()
		next, known := s.nextFire[key]
		if !known {
			next = schedule.Next(now)
			s.nextFire[key] = next
		}
		due := known && !next.After(now)
		if due {
			s.nextFire[key] = schedule.Next(now)
		}
		s.mu.Unlock()

		if !due {
			continue
		}

		if err := s.start(ctx, def); err != nil {
			s.logger.Warn("schedule firing rejected",
				slog.String("workflow_id", def.ID.String()),
				slog.Int("version", def.Version),
				slog.String("error", err.Error()),
			)
		}
	}

	// Forget schedules whose definitions are no longer active.
	s.mu.Lock()
	for key := range s.nextFire {
		if !seen[key] {
			delete(s.nextFire, key)
		}
	}
	s.mu.Unlock()
}

func (s *Scheduler) wakeDue(ctx context.Context, now time.Time) {
	due, err := s.execs.ListDue(ctx, now)
	if err != nil {
		s.logger.Error("list due executions failed", slog.String("error", err.Error()))
		return
	}
	for _, e := range due {
		if err := s.wake(ctx, e.ID); err != nil {
			s.logger.Warn("waking execution failed",
				slog.String("execution_id", e.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *Scheduler) purge(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.cfg.Retention)
	n, err := s.execs.PurgeTerminalBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention purge failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.logger.Info("purged terminal executions",
			slog.Int("count", n),
			slog.Duration("retention", s.cfg.Retention),
		)
	}
}

func scheduleKey(def *definition.Definition) string {
	return def.ID.String() + "/" + def.Trigger.Schedule
}
