package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"workflow-automation/internal/config"
	"workflow-automation/internal/engine"
	"workflow-automation/internal/models"
	"workflow-automation/internal/queue"
	"workflow-automation/internal/telemetry"
)

// Handler executes a job of a given type.
type Handler func(ctx context.Context, job models.Job) error

// Processor drives the worker loop: claim a job, run its handler, report
// the outcome back to the queue. Workflow jobs call into the engine one
// step at a time and enqueue a follow-up job while steps remain, so a
// worker crash mid-workflow loses at most the in-flight step.
type Processor struct {
	cfg      config.Config
	queue    *queue.Queue
	jobs     queue.JobStore
	engine   *engine.Engine
	handlers map[string]Handler
	queues   []string
	workerID string
	logger   *slog.Logger
}

func NewProcessor(cfg config.Config, q *queue.Queue, jobs queue.JobStore, eng *engine.Engine, workerID string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		cfg:      cfg,
		queue:    q,
		jobs:     jobs,
		engine:   eng,
		handlers: make(map[string]Handler),
		queues:   []string{models.QueueWorkflows, models.QueueMaintenance},
		workerID: workerID,
		logger:   logger,
	}
	p.RegisterHandler(models.JobTypeWorkflowStart, p.handleWorkflowStart)
	p.RegisterHandler(models.JobTypeWorkflowAdvance, p.handleWorkflowAdvance)
	p.RegisterHandler(models.JobTypeQueueSweep, p.handleQueueSweep)
	return p
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.maintain(ctx)

		job, claimed := p.claimNext(ctx)
		if !claimed {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		p.runJob(ctx, job)
	}
}

// maintain promotes due scheduled jobs, reclaims expired leases, and
// refreshes the depth gauge.
func (p *Processor) maintain(ctx context.Context) {
	_, _ = p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize))

	reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100)
	for _, id := range reclaimed {
		telemetry.InFlightGauge.Dec()
		if job, err := p.jobs.GetJob(ctx, id); err == nil && job.Status == models.JobActive {
			_ = p.jobs.RequeueJob(ctx, id, job.Attempts, time.Now().UTC(), "visibility timeout expired")
		}
	}

	if depth, err := p.queue.ReadyDepth(ctx, p.queues...); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

// claimNext tries each queue in order.
func (p *Processor) claimNext(ctx context.Context) (models.Job, bool) {
	for _, name := range p.queues {
		job, ok, err := p.queue.Claim(ctx, name)
		if err != nil {
			p.logger.Error("claim failed", slog.String("queue", name), slog.String("error", err.Error()))
			continue
		}
		if ok {
			return job, true
		}
	}
	return models.Job{}, false
}

func (p *Processor) runJob(ctx context.Context, job models.Job) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		// No handler will ever appear for this type; fail the attempt and
		// let max_attempts retire it.
		_ = p.queue.Fail(ctx, job.ID, fmt.Errorf("no handler registered for job type %q", job.Type))
		return
	}

	if err := handler(ctx, job); err != nil {
		p.logger.Warn("job failed",
			slog.String("job_id", job.ID),
			slog.String("type", job.Type),
			slog.Int("attempts", job.Attempts+1),
			slog.String("worker_id", p.workerID),
			slog.String("error", err.Error()),
		)
		_ = p.queue.Fail(ctx, job.ID, err)
		return
	}

	if err := p.queue.Complete(ctx, job.ID); err != nil {
		p.logger.Error("complete job", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
}

// handleQueueSweep runs a maintenance pass on demand. Every worker loop
// already sweeps between claims; a repeated sweep job adds redundancy
// for deployments where the loop is mostly busy with long steps.
func (p *Processor) handleQueueSweep(ctx context.Context, _ models.Job) error {
	p.maintain(ctx)
	return nil
}

// handleWorkflowStart clones the schedule's workflow template into a new
// run and queues its first advance.
func (p *Processor) handleWorkflowStart(ctx context.Context, job models.Job) error {
	templateID, ok := job.Payload["workflow_id"].(string)
	if !ok || templateID == "" {
		return fmt.Errorf("workflow.start payload missing workflow_id")
	}

	run, err := p.engine.StartRun(ctx, templateID)
	if err != nil {
		return err
	}

	_, err = p.queue.AddJob(ctx, models.QueueWorkflows, models.JobTypeWorkflowAdvance,
		map[string]any{"workflow_id": run.ID},
		queue.Options{Priority: &job.Priority, MaxAttempts: job.MaxAttempts},
	)
	return err
}

// handleWorkflowAdvance executes one step. Lock contention is returned as
// an error so the job's own retry/backoff absorbs it; a needed follow-up
// (next step, or a step retry after its backoff delay) becomes a new job.
func (p *Processor) handleWorkflowAdvance(ctx context.Context, job models.Job) error {
	workflowID, ok := job.Payload["workflow_id"].(string)
	if !ok || workflowID == "" {
		return fmt.Errorf("workflow.advance payload missing workflow_id")
	}

	res, err := p.engine.Advance(ctx, workflowID)
	if err != nil {
		if errors.Is(err, models.ErrWorkflowLocked) {
			return err // another executor holds it; job backoff retries
		}
		return err
	}

	if !res.FollowUp {
		return nil
	}

	_, err = p.queue.AddJob(ctx, job.Queue, models.JobTypeWorkflowAdvance,
		map[string]any{"workflow_id": workflowID},
		queue.Options{
			Priority:    &job.Priority,
			MaxAttempts: job.MaxAttempts,
			RunAt:       time.Now().UTC().Add(res.Delay),
		},
	)
	return err
}
