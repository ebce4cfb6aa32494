package models

import (
	"encoding/json"
	"testing"
)

func TestRetryCountersSurviveJSONRoundTrip(t *testing.T) {
	wf := Workflow{Context: map[string]any{}}
	wf.SetRetryCount("s1", 3)
	wf.SetRetryCount("s2", 1)

	data, err := json.Marshal(wf)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Workflow
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	// Numbers come back as float64; the accessor must still read them.
	if n := back.RetryCount("s1"); n != 3 {
		t.Fatalf("expected 3, got %d", n)
	}
	if n := back.RetryCount("s3"); n != 0 {
		t.Fatalf("expected 0 for untracked step, got %d", n)
	}

	back.ClearRetryCount("s1")
	if n := back.RetryCount("s1"); n != 0 {
		t.Fatalf("expected counter cleared, got %d", n)
	}

	back.Context["output"] = "kept"
	back.ClearRetryCounters()
	if back.RetryCount("s2") != 0 {
		t.Fatalf("expected all counters cleared")
	}
	if back.Context["output"] != "kept" {
		t.Fatalf("step outputs must survive counter cleanup")
	}
}

func TestTerminal(t *testing.T) {
	for status, want := range map[string]bool{
		WorkflowPending:   false,
		WorkflowRunning:   false,
		WorkflowCompleted: true,
		WorkflowFailed:    true,
	} {
		wf := Workflow{Status: status}
		if wf.Terminal() != want {
			t.Fatalf("Terminal() for %s: expected %v", status, want)
		}
	}
}
