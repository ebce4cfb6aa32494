package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"workflow-automation/internal/models"
	"workflow-automation/internal/steps"
	"workflow-automation/internal/store/memory"
)

func newTestEngine(registry *steps.Registry) (*Engine, *memory.Store) {
	st := memory.New()
	eng := New(st, registry, Options{
		LockStaleAfter: 10 * time.Minute,
		BaseDelay:      time.Millisecond,
		MaxDelay:       10 * time.Millisecond,
	}, nil)
	return eng, st
}

func createWorkflow(t *testing.T, st *memory.Store, steps []models.Step) models.Workflow {
	t.Helper()
	wf := models.Workflow{
		Name:    "test",
		Steps:   steps,
		Context: map[string]any{},
		Status:  models.WorkflowPending,
	}
	if err := st.CreateWorkflow(context.Background(), &wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return wf
}

// drive advances until the workflow stops asking for follow-ups.
func drive(t *testing.T, eng *Engine, id string) models.Workflow {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		res, err := eng.Advance(ctx, id)
		if err != nil {
			t.Fatalf("advance: %v", err)
		}
		if !res.FollowUp {
			return res.Workflow
		}
	}
	t.Fatalf("workflow %s never settled", id)
	return models.Workflow{}
}

func TestAdvanceRetriesUntilSuccess(t *testing.T) {
	registry := steps.NewRegistry()
	registry.Register("ok", func(_ context.Context, _ json.RawMessage, _ map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})
	failures := 0
	registry.Register("flaky", func(_ context.Context, _ json.RawMessage, _ map[string]any) (map[string]any, error) {
		if failures < 2 {
			failures++
			return nil, fmt.Errorf("transient failure %d", failures)
		}
		return map[string]any{"flaky_done": true}, nil
	})

	eng, st := newTestEngine(registry)
	wf := createWorkflow(t, st, []models.Step{
		{ID: "s1", Name: "first", Type: "ok"},
		{ID: "s2", Name: "second", Type: "flaky", MaxRetries: 2, BackoffFactor: 2},
		{ID: "s3", Name: "third", Type: "ok"},
	})

	final := drive(t, eng, wf.ID)
	if final.Status != models.WorkflowCompleted {
		t.Fatalf("expected completed, got %s (last_error=%v)", final.Status, final.LastError)
	}
	if final.CurrentStepIndex != 3 {
		t.Fatalf("expected index 3, got %d", final.CurrentStepIndex)
	}
	if final.LastError != nil {
		t.Fatalf("expected last_error cleared, got %q", *final.LastError)
	}
	if failures != 2 {
		t.Fatalf("expected 2 failures before success, got %d", failures)
	}
	if n := final.RetryCount("s2"); n != 0 {
		t.Fatalf("expected retry counter cleared after success, got %d", n)
	}
	if final.Locked {
		t.Fatalf("expected lock released")
	}
}

func TestAdvanceExhaustsRetries(t *testing.T) {
	registry := steps.NewRegistry()
	calls := 0
	registry.Register("broken", func(_ context.Context, _ json.RawMessage, _ map[string]any) (map[string]any, error) {
		calls++
		return nil, errors.New("permanently broken")
	})

	eng, st := newTestEngine(registry)
	wf := createWorkflow(t, st, []models.Step{
		{ID: "s1", Name: "only", Type: "broken", MaxRetries: 2, BackoffFactor: 2},
	})

	final := drive(t, eng, wf.ID)
	if final.Status != models.WorkflowFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.CurrentStepIndex != 0 {
		t.Fatalf("failed workflow should stay at the failing step, got index %d", final.CurrentStepIndex)
	}
	if final.LastError == nil || *final.LastError != "permanently broken" {
		t.Fatalf("expected last_error recorded, got %v", final.LastError)
	}
	// Initial attempt plus two retries.
	if calls != 3 {
		t.Fatalf("expected 3 handler calls, got %d", calls)
	}

	// A terminal workflow is a no-op to advance.
	res, err := eng.Advance(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("advance terminal: %v", err)
	}
	if res.FollowUp || calls != 3 {
		t.Fatalf("terminal workflow must not run steps")
	}
}

func TestAdvanceMissingWorkflow(t *testing.T) {
	eng, _ := newTestEngine(steps.NewRegistry())
	ctx := context.Background()

	// A nonexistent id must surface as not-found, never as lock
	// contention.
	_, err := eng.Advance(ctx, "no-such-workflow")
	if !errors.Is(err, models.ErrWorkflowNotFound) {
		t.Fatalf("advance: expected ErrWorkflowNotFound, got %v", err)
	}
	if errors.Is(err, models.ErrWorkflowLocked) {
		t.Fatalf("advance: missing workflow reported as locked")
	}

	if _, err := eng.Reset(ctx, "no-such-workflow", false); !errors.Is(err, models.ErrWorkflowNotFound) {
		t.Fatalf("reset: expected ErrWorkflowNotFound, got %v", err)
	}
}

func TestAdvanceHeldLock(t *testing.T) {
	registry := steps.NewRegistry()
	registry.Register("ok", func(_ context.Context, _ json.RawMessage, _ map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})

	eng, st := newTestEngine(registry)
	wf := createWorkflow(t, st, []models.Step{{ID: "s1", Name: "only", Type: "ok"}})

	ctx := context.Background()
	now := time.Now().UTC()
	acquired, err := st.AcquireWorkflowLock(ctx, wf.ID, now, now.Add(-10*time.Minute))
	if err != nil || !acquired {
		t.Fatalf("setup lock: acquired=%v err=%v", acquired, err)
	}

	if _, err := eng.Advance(ctx, wf.ID); !errors.Is(err, models.ErrWorkflowLocked) {
		t.Fatalf("expected ErrWorkflowLocked, got %v", err)
	}

	got, _ := st.GetWorkflow(ctx, wf.ID)
	if got.CurrentStepIndex != 0 || got.Status != models.WorkflowPending {
		t.Fatalf("locked workflow must not move: index=%d status=%s", got.CurrentStepIndex, got.Status)
	}
}

func TestAdvanceReclaimsStaleLock(t *testing.T) {
	registry := steps.NewRegistry()
	registry.Register("ok", func(_ context.Context, _ json.RawMessage, _ map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})

	eng, st := newTestEngine(registry)
	wf := createWorkflow(t, st, []models.Step{{ID: "s1", Name: "only", Type: "ok"}})

	ctx := context.Background()
	// Simulate a crashed executor: lock held since well past the stale
	// window.
	stale := time.Now().UTC().Add(-time.Hour)
	wf.Locked = true
	wf.LockedAt = &stale
	if err := st.UpdateWorkflow(ctx, &wf); err != nil {
		t.Fatalf("plant stale lock: %v", err)
	}

	res, err := eng.Advance(ctx, wf.ID)
	if err != nil {
		t.Fatalf("expected stale lock reclaimed, got %v", err)
	}
	if res.Workflow.Status != models.WorkflowCompleted {
		t.Fatalf("expected completed, got %s", res.Workflow.Status)
	}
}

func TestAdvanceUnknownStepType(t *testing.T) {
	eng, st := newTestEngine(steps.NewRegistry())
	wf := createWorkflow(t, st, []models.Step{
		{ID: "s1", Name: "ghost", Type: "does.not.exist", MaxRetries: 5},
	})

	res, err := eng.Advance(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if res.FollowUp {
		t.Fatalf("unknown step type must not be retried")
	}
	if res.Workflow.Status != models.WorkflowFailed {
		t.Fatalf("expected failed, got %s", res.Workflow.Status)
	}
	if res.Workflow.LastError == nil {
		t.Fatalf("expected last_error set")
	}
}

func TestContextFlowsBetweenSteps(t *testing.T) {
	registry := steps.NewRegistry()
	registry.Register("produce", func(_ context.Context, _ json.RawMessage, _ map[string]any) (map[string]any, error) {
		return map[string]any{"report": "a,b\n1,2"}, nil
	})
	registry.Register("consume", func(_ context.Context, _ json.RawMessage, wfContext map[string]any) (map[string]any, error) {
		raw, ok := wfContext["report"].(string)
		if !ok {
			return nil, errors.New("report missing from context")
		}
		return map[string]any{"length": len(raw)}, nil
	})

	eng, st := newTestEngine(registry)
	wf := createWorkflow(t, st, []models.Step{
		{ID: "s1", Name: "produce", Type: "produce"},
		{ID: "s2", Name: "consume", Type: "consume"},
	})

	final := drive(t, eng, wf.ID)
	if final.Status != models.WorkflowCompleted {
		t.Fatalf("expected completed, got %s (last_error=%v)", final.Status, final.LastError)
	}
	if final.Context["report"] != "a,b\n1,2" {
		t.Fatalf("expected first step output preserved, got %v", final.Context["report"])
	}
	// Lengths round-trip through JSON as float64 in the memory store.
	if n, ok := final.Context["length"].(float64); !ok || int(n) != 7 {
		t.Fatalf("expected length 7, got %v", final.Context["length"])
	}
}

func TestReset(t *testing.T) {
	registry := steps.NewRegistry()
	registry.Register("broken", func(_ context.Context, _ json.RawMessage, _ map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	})

	eng, st := newTestEngine(registry)
	wf := createWorkflow(t, st, []models.Step{
		{ID: "s1", Name: "only", Type: "broken"},
	})

	failed := drive(t, eng, wf.ID)
	if failed.Status != models.WorkflowFailed {
		t.Fatalf("setup: expected failed, got %s", failed.Status)
	}

	reset, err := eng.Reset(context.Background(), wf.ID, false)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if reset.Status != models.WorkflowPending || reset.CurrentStepIndex != 0 {
		t.Fatalf("expected pending at index 0, got %s index %d", reset.Status, reset.CurrentStepIndex)
	}
	if reset.LastError != nil {
		t.Fatalf("expected last_error cleared")
	}
	if reset.RetryCount("s1") != 0 {
		t.Fatalf("expected retry counters cleared")
	}
}

func TestResetClearsContext(t *testing.T) {
	registry := steps.NewRegistry()
	registry.Register("produce", func(_ context.Context, _ json.RawMessage, _ map[string]any) (map[string]any, error) {
		return map[string]any{"key": "value"}, nil
	})

	eng, st := newTestEngine(registry)
	wf := createWorkflow(t, st, []models.Step{{ID: "s1", Name: "produce", Type: "produce"}})
	drive(t, eng, wf.ID)

	kept, err := eng.Reset(context.Background(), wf.ID, false)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if kept.Context["key"] != "value" {
		t.Fatalf("expected context preserved without clear_context")
	}

	cleared, err := eng.Reset(context.Background(), wf.ID, true)
	if err != nil {
		t.Fatalf("reset clear: %v", err)
	}
	if len(cleared.Context) != 0 {
		t.Fatalf("expected empty context, got %v", cleared.Context)
	}
}

func TestStartRunClonesTemplate(t *testing.T) {
	registry := steps.NewRegistry()
	eng, st := newTestEngine(registry)
	tpl := createWorkflow(t, st, []models.Step{
		{ID: "s1", Name: "first", Type: "noop"},
		{ID: "s2", Name: "second", Type: "noop"},
	})
	tpl.Context["stale"] = "data"
	if err := st.UpdateWorkflow(context.Background(), &tpl); err != nil {
		t.Fatalf("update template: %v", err)
	}

	run, err := eng.StartRun(context.Background(), tpl.ID)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if run.ID == tpl.ID {
		t.Fatalf("run must be a new record")
	}
	if len(run.Steps) != 2 || run.Status != models.WorkflowPending || run.CurrentStepIndex != 0 {
		t.Fatalf("unexpected run shape: %+v", run)
	}
	if len(run.Context) != 0 {
		t.Fatalf("run context must start empty, got %v", run.Context)
	}
}

func TestRetryDelay(t *testing.T) {
	base := time.Second
	max := time.Minute

	if d := retryDelay(base, 2, 1, max); d != 2*time.Second {
		t.Fatalf("attempt 1: expected 2s, got %s", d)
	}
	if d := retryDelay(base, 2, 3, max); d != 8*time.Second {
		t.Fatalf("attempt 3: expected 8s, got %s", d)
	}
	if d := retryDelay(base, 2, 20, max); d != max {
		t.Fatalf("expected cap at %s, got %s", max, d)
	}
	// Factor zero defaults to doubling.
	if d := retryDelay(base, 0, 1, max); d != 2*time.Second {
		t.Fatalf("zero factor: expected 2s, got %s", d)
	}
}
