package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Workflow lifecycle states persisted in Postgres.
const (
	WorkflowPending   = "pending"
	WorkflowRunning   = "running"
	WorkflowCompleted = "completed"
	WorkflowFailed    = "failed"
)

// retryCounterPrefix namespaces per-step retry counters inside the
// workflow context so step outputs can never collide with them.
const retryCounterPrefix = "_retries."

// Step is one unit of work inside a workflow. Config is raw JSON decoded
// by the handler registered for Type, so each step type carries only the
// fields its handler understands.
type Step struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Type          string          `json:"type"`
	Config        json.RawMessage `json:"config,omitempty"`
	MaxRetries    int             `json:"max_retries"`
	BackoffFactor float64         `json:"backoff_factor"`
}

// Workflow is a persisted automation run: an ordered list of steps plus
// the context accumulated by the steps executed so far.
type Workflow struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Steps            []Step         `json:"steps"`
	CurrentStepIndex int            `json:"current_step_index"`
	Context          map[string]any `json:"context"`
	Status           string         `json:"status"`
	LastError        *string        `json:"last_error,omitempty"`
	Locked           bool           `json:"locked"`
	LockedAt         *time.Time     `json:"locked_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Terminal reports whether the workflow can no longer be advanced.
func (w *Workflow) Terminal() bool {
	return w.Status == WorkflowCompleted || w.Status == WorkflowFailed
}

// RetryCount returns the retry counter stored in context for a step.
func (w *Workflow) RetryCount(stepID string) int {
	v, ok := w.Context[retryCounterPrefix+stepID]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case float64: // context round-trips through JSON
		return int(n)
	default:
		return 0
	}
}

// SetRetryCount records the retry counter for a step in context.
func (w *Workflow) SetRetryCount(stepID string, n int) {
	if w.Context == nil {
		w.Context = map[string]any{}
	}
	w.Context[retryCounterPrefix+stepID] = n
}

// ClearRetryCount drops the counter for one step once it succeeds.
func (w *Workflow) ClearRetryCount(stepID string) {
	delete(w.Context, retryCounterPrefix+stepID)
}

// ClearRetryCounters removes all per-step retry counters, leaving step
// outputs untouched. Used by reset and after a step finally succeeds.
func (w *Workflow) ClearRetryCounters() {
	for k := range w.Context {
		if strings.HasPrefix(k, retryCounterPrefix) {
			delete(w.Context, k)
		}
	}
}
