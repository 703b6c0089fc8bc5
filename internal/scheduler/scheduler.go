// Package scheduler starts runs of stored workflows on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultInterval is how often the scheduler looks for due schedules.
const DefaultInterval = time.Minute

// Last-run statuses recorded on a schedule.
const (
	StatusStarted = "started"
	StatusError   = "error"
)

// Launcher starts a background run of a stored workflow. *runner.Runner
// satisfies it.
type Launcher interface {
	Start(ctx context.Context, workflowID string, inputs map[string]any) (*store.Run, error)
}

// Scheduler polls the store for due schedules and launches their runs.
type Scheduler struct {
	store    store.Store
	launcher Launcher
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs being launched (dedup)
}

// NewScheduler creates a Scheduler. interval <= 0 selects DefaultInterval.
func NewScheduler(s store.Store, launcher Launcher, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		launcher: launcher,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval: interval,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// Create stores an enabled schedule for workflowID. The cron expression is
// checked and the first run time computed up front.
func (s *Scheduler) Create(ctx context.Context, workflowID, cronExpr string, inputs map[string]any) (*store.Schedule, error) {
	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	next, err := s.CalculateNextRun(cronExpr, s.now())
	if err != nil {
		return nil, err
	}
	sched := &store.Schedule{
		ID:             uuid.New().String(),
		WorkflowID:     workflowID,
		CronExpression: cronExpr,
		Inputs:         inputs,
		Enabled:        true,
		NextRunAt:      &next,
	}
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	s.logger.Info("schedule created",
		slog.String("schedule_id", sched.ID),
		slog.String("workflow_id", workflowID),
		slog.String("cron", cronExpr),
		slog.Time("next_run_at", next))
	return sched, nil
}

// SetEnabled pauses or resumes a schedule. Resuming recomputes the next run
// so runs missed while paused are skipped.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	update := store.ScheduleUpdate{Enabled: &enabled}
	if enabled {
		next, err := s.CalculateNextRun(sched.CronExpression, s.now())
		if err != nil {
			return err
		}
		update.NextRunAt = &next
	}
	return s.store.UpdateSchedule(ctx, id, update)
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick launches every enabled schedule that is due.
func (s *Scheduler) tick(ctx context.Context) int {
	enabled := true
	scheds, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return 0
	}

	now := s.now()
	launched := 0
	for _, sched := range scheds {
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue
		}
		if err := s.launch(ctx, sched, now); err != nil {
			s.logger.Error("failed to launch scheduled run",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
		} else {
			launched++
		}
		s.release(sched.ID)
	}
	return launched
}

// launch starts the run of sched and records the outcome. A failed launch
// still advances the schedule so one broken run does not repeat every tick.
func (s *Scheduler) launch(ctx context.Context, sched *store.Schedule, now time.Time) error {
	s.logger.Info("launching scheduled run",
		slog.String("schedule_id", sched.ID),
		slog.String("workflow_id", sched.WorkflowID),
	)

	status, runID := StatusStarted, ""
	run, launchErr := s.launcher.Start(ctx, sched.WorkflowID, sched.Inputs)
	if launchErr != nil {
		status = StatusError
	} else {
		runID = run.ID
	}

	next, err := s.CalculateNextRun(sched.CronExpression, now)
	if err != nil {
		return err
	}
	if err := s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
		LastRunID:     runID,
	}); err != nil {
		return fmt.Errorf("update schedule %q: %w", sched.ID, err)
	}
	return launchErr
}

// tryAcquire marks the schedule as in flight unless it already is.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the first activation of cronExpr after from.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}
	return sched.Next(from), nil
}

// Stop shuts the loop down and waits for the current tick.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed launches, once each, the schedules whose next run passed
// while no scheduler was running.
func (s *Scheduler) RecoverMissed(ctx context.Context) (int, error) {
	enabled := true
	scheds, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		return 0, fmt.Errorf("list missed schedules: %w", err)
	}

	now := s.now()
	recovered := 0
	for _, sched := range scheds {
		if sched.NextRunAt == nil || !sched.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue
		}
		if err := s.launch(ctx, sched, now); err != nil {
			s.logger.Error("failed to recover missed schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
			s.release(sched.ID)
			continue
		}
		s.release(sched.ID)
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return recovered, nil
}
