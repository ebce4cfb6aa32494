package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"workflow-automation/internal/models"
)

// Handler executes one step. Config is the step's raw configuration,
// decoded by the handler into its own typed struct (the step type acts as
// the tag). wfContext is the workflow's accumulated context; handlers must
// treat it as read-only and return their results in the output map, which
// the engine merges back into the context.
type Handler func(ctx context.Context, config json.RawMessage, wfContext map[string]any) (map[string]any, error)

// Registry maps step types to handlers. Unknown types fail fast.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a step type. Empty types and nil handlers
// are ignored, matching how job handlers are registered on the worker.
func (r *Registry) Register(stepType string, h Handler) {
	if stepType == "" || h == nil {
		return
	}
	r.mu.Lock()
	r.handlers[stepType] = h
	r.mu.Unlock()
}

// Dispatch runs the handler registered for stepType. A registry miss is
// unretryable: the engine fails the workflow immediately instead of
// burning retries on a handler that will never appear.
func (r *Registry) Dispatch(ctx context.Context, stepType string, config json.RawMessage, wfContext map[string]any) (map[string]any, error) {
	r.mu.RLock()
	h, ok := r.handlers[stepType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownStepType, stepType)
	}
	return h(ctx, config, wfContext)
}
