// Package engine advances durable workflows one step at a time. All state
// lives in the store, so a process crash mid-step loses nothing but the
// in-flight handler call; the lock staleness window lets another worker
// pick the workflow back up.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"workflow-automation/internal/models"
	"workflow-automation/internal/steps"
	"workflow-automation/internal/telemetry"
)

// Store is the persistence contract the engine needs. *store.Store and
// *memory.Store both satisfy it.
type Store interface {
	GetWorkflow(ctx context.Context, id string) (models.Workflow, error)
	CreateWorkflow(ctx context.Context, wf *models.Workflow) error
	UpdateWorkflow(ctx context.Context, wf *models.Workflow) error
	AcquireWorkflowLock(ctx context.Context, id string, now, staleBefore time.Time) (bool, error)
	ReleaseWorkflowLock(ctx context.Context, id string) error
}

// Options tunes lock reclaim and retry backoff.
type Options struct {
	// LockStaleAfter is the window after which a held lock is presumed
	// abandoned by a crashed executor and may be reclaimed.
	LockStaleAfter time.Duration
	// BaseDelay is the base for per-step retry backoff:
	// delay = BaseDelay * backoffFactor^attempt, capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Result reports what Advance did and what the caller should do next.
type Result struct {
	Workflow models.Workflow
	// FollowUp is true when the workflow has more work: either the next
	// step is ready, or the current step should be retried after Delay.
	FollowUp bool
	Delay    time.Duration
}

// Engine executes workflow steps through the handler registry.
type Engine struct {
	store    Store
	registry *steps.Registry
	opts     Options
	logger   *slog.Logger
}

func New(store Store, registry *steps.Registry, opts Options, logger *slog.Logger) *Engine {
	if opts.LockStaleAfter <= 0 {
		opts.LockStaleAfter = 10 * time.Minute
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 5 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, registry: registry, opts: opts, logger: logger}
}

// Advance executes the current step of one workflow. It acquires the
// workflow lock first; callers seeing ErrWorkflowLocked should back off
// and retry, never spin. Step failures are absorbed into retry/backoff
// decisions and never surface as errors — only lookup and persistence
// problems do.
func (e *Engine) Advance(ctx context.Context, workflowID string) (Result, error) {
	now := time.Now().UTC()
	acquired, err := e.store.AcquireWorkflowLock(ctx, workflowID, now, now.Add(-e.opts.LockStaleAfter))
	if err != nil {
		return Result{}, err
	}
	if !acquired {
		return Result{}, fmt.Errorf("workflow %s: %w", workflowID, models.ErrWorkflowLocked)
	}

	// Reload under the lock; the record may have moved since any earlier read.
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		_ = e.store.ReleaseWorkflowLock(ctx, workflowID)
		return Result{}, err
	}

	if wf.Terminal() {
		if relErr := e.store.ReleaseWorkflowLock(ctx, workflowID); relErr != nil {
			return Result{}, relErr
		}
		wf.Locked = false
		wf.LockedAt = nil
		return Result{Workflow: wf}, nil
	}

	if wf.CurrentStepIndex >= len(wf.Steps) {
		// Nothing left to run; settle the status and stop.
		wf.Status = models.WorkflowCompleted
		wf.LastError = nil
		return e.persist(ctx, &wf, Result{})
	}

	step := wf.Steps[wf.CurrentStepIndex]
	wf.Status = models.WorkflowRunning

	output, stepErr := e.registry.Dispatch(ctx, step.Type, step.Config, wf.Context)
	if stepErr == nil {
		return e.applySuccess(ctx, &wf, step, output)
	}
	return e.applyFailure(ctx, &wf, step, stepErr)
}

func (e *Engine) applySuccess(ctx context.Context, wf *models.Workflow, step models.Step, output map[string]any) (Result, error) {
	if wf.Context == nil {
		wf.Context = map[string]any{}
	}
	for k, v := range output {
		wf.Context[k] = v
	}
	wf.ClearRetryCount(step.ID)
	wf.CurrentStepIndex++
	wf.LastError = nil
	telemetry.StepsSucceeded.Inc()
	if wf.CurrentStepIndex == len(wf.Steps) {
		wf.Status = models.WorkflowCompleted
		telemetry.WorkflowsCompleted.Inc()
	}

	e.logger.Info("step completed",
		slog.String("workflow_id", wf.ID),
		slog.String("step", step.Name),
		slog.Int("next_index", wf.CurrentStepIndex),
	)

	return e.persist(ctx, wf, Result{FollowUp: wf.Status == models.WorkflowRunning})
}

func (e *Engine) applyFailure(ctx context.Context, wf *models.Workflow, step models.Step, stepErr error) (Result, error) {
	msg := stepErr.Error()
	wf.LastError = &msg
	telemetry.StepsFailed.Inc()

	if errors.Is(stepErr, models.ErrUnknownStepType) {
		// Registry miss: no amount of backoff fixes a missing handler.
		wf.Status = models.WorkflowFailed
		telemetry.WorkflowsFailed.Inc()
		e.logger.Error("unknown step type",
			slog.String("workflow_id", wf.ID),
			slog.String("step_type", step.Type),
		)
		return e.persist(ctx, wf, Result{})
	}

	attempt := wf.RetryCount(step.ID) + 1
	if attempt <= step.MaxRetries {
		wf.SetRetryCount(step.ID, attempt)
		delay := retryDelay(e.opts.BaseDelay, step.BackoffFactor, attempt, e.opts.MaxDelay)
		e.logger.Warn("step failed, retry scheduled",
			slog.String("workflow_id", wf.ID),
			slog.String("step", step.Name),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", msg),
		)
		return e.persist(ctx, wf, Result{FollowUp: true, Delay: delay})
	}

	// Retries exhausted. Step retries are local; reviving the workflow is
	// an explicit Reset.
	wf.Status = models.WorkflowFailed
	telemetry.WorkflowsFailed.Inc()
	e.logger.Error("step retries exhausted",
		slog.String("workflow_id", wf.ID),
		slog.String("step", step.Name),
		slog.Int("attempts", attempt),
		slog.String("error", msg),
	)
	return e.persist(ctx, wf, Result{})
}

// persist writes the workflow back with the lock released in the same
// update, then fills the result.
func (e *Engine) persist(ctx context.Context, wf *models.Workflow, res Result) (Result, error) {
	wf.Locked = false
	wf.LockedAt = nil
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		return Result{}, err
	}
	res.Workflow = *wf
	return res, nil
}

// Reset rewinds a workflow to its first step: index zero, retry counters
// cleared, status pending. Context history is preserved unless
// clearContext is set.
func (e *Engine) Reset(ctx context.Context, workflowID string, clearContext bool) (models.Workflow, error) {
	now := time.Now().UTC()
	acquired, err := e.store.AcquireWorkflowLock(ctx, workflowID, now, now.Add(-e.opts.LockStaleAfter))
	if err != nil {
		return models.Workflow{}, err
	}
	if !acquired {
		return models.Workflow{}, fmt.Errorf("workflow %s: %w", workflowID, models.ErrWorkflowLocked)
	}

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		_ = e.store.ReleaseWorkflowLock(ctx, workflowID)
		return models.Workflow{}, err
	}

	wf.CurrentStepIndex = 0
	wf.Status = models.WorkflowPending
	wf.LastError = nil
	if clearContext {
		wf.Context = map[string]any{}
	} else {
		wf.ClearRetryCounters()
	}

	res, err := e.persist(ctx, &wf, Result{})
	if err != nil {
		return models.Workflow{}, err
	}
	return res.Workflow, nil
}

// StartRun clones a workflow's step list into a fresh pending instance
// with empty context. Schedules fire through this so completed runs stay
// around for audit.
func (e *Engine) StartRun(ctx context.Context, templateID string) (models.Workflow, error) {
	tpl, err := e.store.GetWorkflow(ctx, templateID)
	if err != nil {
		return models.Workflow{}, err
	}

	run := models.Workflow{
		Name:    tpl.Name,
		Steps:   append([]models.Step(nil), tpl.Steps...),
		Context: map[string]any{},
		Status:  models.WorkflowPending,
	}
	if err := e.store.CreateWorkflow(ctx, &run); err != nil {
		return models.Workflow{}, err
	}

	e.logger.Info("workflow run started",
		slog.String("workflow_id", run.ID),
		slog.String("template_id", templateID),
		slog.Int("steps", len(run.Steps)),
	)
	return run, nil
}

// retryDelay computes baseDelay * factor^attempt with a cap. A factor at
// or below zero falls back to doubling.
func retryDelay(base time.Duration, factor float64, attempt int, max time.Duration) time.Duration {
	if factor <= 0 {
		factor = 2
	}
	d := time.Duration(float64(base) * math.Pow(factor, float64(attempt)))
	if d > max || d < 0 {
		return max
	}
	return d
}
