package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"workflow-automation/internal/config"
	"workflow-automation/internal/engine"
	"workflow-automation/internal/models"
	"workflow-automation/internal/queue"
	"workflow-automation/internal/steps"
	"workflow-automation/internal/store/memory"
)

func newTestProcessor(t *testing.T, registry *steps.Registry) (*Processor, *queue.Queue, *memory.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := memory.New()
	cfg := config.Config{
		VisibilityTimeout:  30 * time.Second,
		WorkerPollInterval: time.Millisecond,
		MaxAttempts:        3,
		BackoffInitial:     time.Millisecond,
		BackoffMax:         10 * time.Millisecond,
		ScheduledBatchSize: 100,
	}
	q := queue.NewWithClient(client, st, cfg)

	eng := engine.New(st, registry, engine.Options{
		LockStaleAfter: 10 * time.Minute,
		BaseDelay:      time.Millisecond,
		MaxDelay:       10 * time.Millisecond,
	}, nil)

	return NewProcessor(cfg, q, st, eng, "test-worker", nil), q, st
}

// pump runs claim/execute iterations until the queues drain, promoting
// scheduled jobs between rounds so backoff delays do not stall the test.
func pump(t *testing.T, p *Processor, q *queue.Queue, rounds int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < rounds; i++ {
		_, _ = q.PromoteScheduled(ctx, time.Now().Add(time.Hour), 100)
		job, ok := p.claimNext(ctx)
		if !ok {
			continue
		}
		p.runJob(ctx, job)
	}
}

func TestWorkflowAdvanceJobDrivesWorkflowToCompletion(t *testing.T) {
	registry := steps.NewRegistry()
	registry.Register("ok", func(_ context.Context, _ json.RawMessage, _ map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})

	p, q, st := newTestProcessor(t, registry)
	ctx := context.Background()

	wf := models.Workflow{
		Name: "three-steps",
		Steps: []models.Step{
			{ID: "s1", Name: "a", Type: "ok"},
			{ID: "s2", Name: "b", Type: "ok"},
			{ID: "s3", Name: "c", Type: "ok"},
		},
		Context: map[string]any{},
		Status:  models.WorkflowPending,
	}
	if err := st.CreateWorkflow(ctx, &wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if _, err := q.AddJob(ctx, models.QueueWorkflows, models.JobTypeWorkflowAdvance,
		map[string]any{"workflow_id": wf.ID}, queue.Options{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pump(t, p, q, 20)

	final, err := st.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if final.Status != models.WorkflowCompleted {
		t.Fatalf("expected completed, got %s (last_error=%v)", final.Status, final.LastError)
	}
	if final.CurrentStepIndex != 3 {
		t.Fatalf("expected index 3, got %d", final.CurrentStepIndex)
	}
}

func TestWorkflowStartJobClonesTemplate(t *testing.T) {
	registry := steps.NewRegistry()
	registry.Register("ok", func(_ context.Context, _ json.RawMessage, _ map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})

	p, q, st := newTestProcessor(t, registry)
	ctx := context.Background()

	tpl := models.Workflow{
		Name:    "template",
		Steps:   []models.Step{{ID: "s1", Name: "a", Type: "ok"}},
		Context: map[string]any{},
		Status:  models.WorkflowPending,
	}
	if err := st.CreateWorkflow(ctx, &tpl); err != nil {
		t.Fatalf("create template: %v", err)
	}
	if _, err := q.AddJob(ctx, models.QueueWorkflows, models.JobTypeWorkflowStart,
		map[string]any{"workflow_id": tpl.ID, "schedule_id": "sch-1"}, queue.Options{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pump(t, p, q, 10)

	all, err := st.ListWorkflows(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected template plus one run, got %d workflows", len(all))
	}

	var run *models.Workflow
	for i := range all {
		if all[i].ID != tpl.ID {
			run = &all[i]
		}
	}
	if run == nil {
		t.Fatalf("run not found")
	}
	if run.Status != models.WorkflowCompleted {
		t.Fatalf("expected run completed, got %s", run.Status)
	}

	// The template itself was never advanced.
	gotTpl, _ := st.GetWorkflow(ctx, tpl.ID)
	if gotTpl.CurrentStepIndex != 0 || gotTpl.Status != models.WorkflowPending {
		t.Fatalf("template mutated: index=%d status=%s", gotTpl.CurrentStepIndex, gotTpl.Status)
	}
}

func TestFailingStepExhaustsWorkflowNotJob(t *testing.T) {
	registry := steps.NewRegistry()
	registry.Register("broken", func(_ context.Context, _ json.RawMessage, _ map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	})

	p, q, st := newTestProcessor(t, registry)
	ctx := context.Background()

	wf := models.Workflow{
		Name:    "doomed",
		Steps:   []models.Step{{ID: "s1", Name: "a", Type: "broken", MaxRetries: 1}},
		Context: map[string]any{},
		Status:  models.WorkflowPending,
	}
	if err := st.CreateWorkflow(ctx, &wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if _, err := q.AddJob(ctx, models.QueueWorkflows, models.JobTypeWorkflowAdvance,
		map[string]any{"workflow_id": wf.ID}, queue.Options{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pump(t, p, q, 20)

	final, _ := st.GetWorkflow(ctx, wf.ID)
	if final.Status != models.WorkflowFailed {
		t.Fatalf("expected workflow failed, got %s", final.Status)
	}
	if final.LastError == nil || *final.LastError != "boom" {
		t.Fatalf("expected last_error recorded, got %v", final.LastError)
	}
}

func TestUnhandledJobTypeRetires(t *testing.T) {
	p, q, st := newTestProcessor(t, steps.NewRegistry())
	ctx := context.Background()

	id, err := q.AddJob(ctx, models.QueueMaintenance, "no.such.type", nil, queue.Options{MaxAttempts: 2})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pump(t, p, q, 10)

	job, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != models.JobFailed {
		t.Fatalf("expected job failed, got %s", job.Status)
	}

	dlq, _ := q.DLQPeek(ctx, 10)
	if len(dlq) != 1 || dlq[0] != id {
		t.Fatalf("expected job dead-lettered, got %v", dlq)
	}
}

func TestCustomHandlerRegistration(t *testing.T) {
	p, q, st := newTestProcessor(t, steps.NewRegistry())
	ctx := context.Background()

	ran := 0
	p.RegisterHandler("custom.cleanup", func(_ context.Context, _ models.Job) error {
		ran++
		return nil
	})

	id, _ := q.AddJob(ctx, models.QueueMaintenance, "custom.cleanup", nil, queue.Options{})
	pump(t, p, q, 5)

	if ran != 1 {
		t.Fatalf("expected handler to run once, got %d", ran)
	}
	job, _ := st.GetJob(ctx, id)
	if job.Status != models.JobCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
}
