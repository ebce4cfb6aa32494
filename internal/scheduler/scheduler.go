// Package scheduler periodically evaluates due schedules and enqueues
// workflow-start jobs. Recurrence expressions are validated before any
// trigger computation, and failures are isolated per schedule: one corrupt
// row can never take down the tick loop.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"workflow-automation/internal/models"
	"workflow-automation/internal/telemetry"
)

// Store is the schedule persistence contract.
type Store interface {
	ListSchedules(ctx context.Context, enabledOnly bool) ([]models.Schedule, error)
	ListDueSchedules(ctx context.Context, now time.Time) ([]models.Schedule, error)
	UpdateSchedule(ctx context.Context, sc *models.Schedule) error
	DisableSchedule(ctx context.Context, id, reason string) error
}

// EnqueueFunc is the callback used to enqueue a workflow-start job for a
// due schedule. The worker wiring provides the implementation; the
// scheduler never talks to the queue directly.
type EnqueueFunc func(ctx context.Context, sc models.Schedule) (jobID string, err error)

// cronParser accepts standard 5-field cron plus descriptors like
// "@every 30m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ValidateExpression is a pure check of a recurrence expression. It is
// called at schedule creation and again before every dispatch, so a row
// corrupted after creation is caught before any trigger is built.
func ValidateExpression(expr string) error {
	if expr == "" {
		return fmt.Errorf("%w: empty expression", models.ErrInvalidRecurrence)
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidRecurrence, err)
	}
	return nil
}

// NextAfter returns the first occurrence of expr strictly after t.
func NextAfter(expr string, t time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", models.ErrInvalidRecurrence, err)
	}
	return sched.Next(t), nil
}

// parsedEntry pairs a compiled schedule with the expression it was built
// from, so an expression updated in the store invalidates the cache.
type parsedEntry struct {
	expression string
	schedule   cronlib.Schedule
}

// Scheduler owns an explicit registry of parsed schedules keyed by
// schedule id. The registry lives and dies with the Scheduler instance —
// no process-wide timer maps surviving restarts.
type Scheduler struct {
	store   Store
	enqueue EnqueueFunc
	logger  *slog.Logger

	tickInterval time.Duration

	mu     sync.Mutex
	parsed map[string]parsedEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(store Store, enqueue EnqueueFunc, tickInterval time.Duration, logger *slog.Logger) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:        store,
		enqueue:      enqueue,
		logger:       logger,
		tickInterval: tickInterval,
		parsed:       make(map[string]parsedEntry),
		stopCh:       make(chan struct{}),
	}
}

// Init loads enabled schedules into the registry, disabling any whose
// expression no longer parses.
func (s *Scheduler) Init(ctx context.Context) error {
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	for _, sc := range schedules {
		if err := s.register(sc); err != nil {
			s.disable(ctx, sc, err)
		}
	}
	s.logger.Info("scheduler initialized", slog.Int("schedules", len(schedules)))
	return nil
}

// Teardown clears the registry. Safe to call more than once.
func (s *Scheduler) Teardown() {
	s.mu.Lock()
	s.parsed = make(map[string]parsedEntry)
	s.mu.Unlock()
}

// Run ticks on a fixed interval until the context is cancelled or Stop is
// called. It runs in its own process, never inside a worker.
func (s *Scheduler) Run(ctx context.Context) error {
	s.wg.Add(1)
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Teardown()
			return ctx.Err()
		case <-s.stopCh:
			s.Teardown()
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Stop signals Run to exit and waits for it.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Tick evaluates all due schedules once. Exported so tests and the CLI
// can drive the scheduler without the timer.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("list due schedules", slog.String("error", err.Error()))
		return
	}

	for _, sc := range due {
		s.fire(ctx, sc, now)
	}
}

// fire dispatches one due schedule. Every failure path returns instead of
// propagating, so the next schedule in the tick still runs.
func (s *Scheduler) fire(ctx context.Context, sc models.Schedule, now time.Time) {
	// Re-validate before building anything; the expression may have been
	// corrupted since creation.
	if err := ValidateExpression(sc.Expression); err != nil {
		s.disable(ctx, sc, err)
		return
	}

	jobID, err := s.enqueue(ctx, sc)
	if err != nil {
		// Leave next_run_at alone so the next tick retries the dispatch.
		s.logger.Error("enqueue for schedule failed",
			slog.String("schedule_id", sc.ID),
			slog.String("workflow_id", sc.WorkflowID),
			slog.String("error", err.Error()),
		)
		return
	}

	sched, err := s.getOrParse(sc.ID, sc.Expression)
	if err != nil {
		s.disable(ctx, sc, err)
		return
	}

	ran := now
	sc.LastRunAt = &ran
	sc.NextRunAt = sched.Next(now)
	if err := s.store.UpdateSchedule(ctx, &sc); err != nil {
		s.logger.Error("update schedule after dispatch",
			slog.String("schedule_id", sc.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	telemetry.SchedulesDispatched.Inc()
	s.logger.Info("schedule fired",
		slog.String("schedule_id", sc.ID),
		slog.String("workflow_id", sc.WorkflowID),
		slog.String("job_id", jobID),
		slog.Time("next_run_at", sc.NextRunAt),
	)
}

// disable turns a schedule off with the failure recorded, never deleting
// it, and drops it from the registry.
func (s *Scheduler) disable(ctx context.Context, sc models.Schedule, cause error) {
	s.mu.Lock()
	delete(s.parsed, sc.ID)
	s.mu.Unlock()

	if err := s.store.DisableSchedule(ctx, sc.ID, cause.Error()); err != nil {
		s.logger.Error("disable schedule",
			slog.String("schedule_id", sc.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	telemetry.SchedulesDisabled.Inc()
	s.logger.Warn("schedule disabled",
		slog.String("schedule_id", sc.ID),
		slog.String("expression", sc.Expression),
		slog.String("reason", cause.Error()),
	)
}

func (s *Scheduler) register(sc models.Schedule) error {
	sched, err := cronParser.Parse(sc.Expression)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidRecurrence, err)
	}
	s.mu.Lock()
	s.parsed[sc.ID] = parsedEntry{expression: sc.Expression, schedule: sched}
	s.mu.Unlock()
	return nil
}

// getOrParse returns the compiled schedule for expr, re-parsing when the
// cached entry was built from a different expression (the row was updated
// since it was registered).
func (s *Scheduler) getOrParse(id, expr string) (cronlib.Schedule, error) {
	s.mu.Lock()
	entry, ok := s.parsed[id]
	s.mu.Unlock()
	if ok && entry.expression == expr {
		return entry.schedule, nil
	}
	if err := s.register(models.Schedule{ID: id, Expression: expr}); err != nil {
		return nil, err
	}
	s.mu.Lock()
	entry = s.parsed[id]
	s.mu.Unlock()
	return entry.schedule, nil
}
