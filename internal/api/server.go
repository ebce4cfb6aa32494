package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"workflow-automation/internal/config"
	"workflow-automation/internal/engine"
	"workflow-automation/internal/models"
	"workflow-automation/internal/queue"
	"workflow-automation/internal/ratelimit"
	"workflow-automation/internal/scheduler"
	"workflow-automation/internal/telemetry"
)

// Store is the persistence surface the management API needs. *store.Store
// and *memory.Store both satisfy it.
type Store interface {
	CreateWorkflow(ctx context.Context, wf *models.Workflow) error
	GetWorkflow(ctx context.Context, id string) (models.Workflow, error)
	ListWorkflows(ctx context.Context, status string) ([]models.Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *models.Workflow) error
	DeleteWorkflow(ctx context.Context, id string) error

	CreateSchedule(ctx context.Context, sc *models.Schedule) error
	GetSchedule(ctx context.Context, id string) (models.Schedule, error)
	ListSchedules(ctx context.Context, enabledOnly bool) ([]models.Schedule, error)
	UpdateSchedule(ctx context.Context, sc *models.Schedule) error
	EnableSchedule(ctx context.Context, id string, nextRunAt time.Time) error
	DisableSchedule(ctx context.Context, id, reason string) error
	DeleteSchedule(ctx context.Context, id string) error

	GetJob(ctx context.Context, id string) (models.Job, error)
}

// Server wires HTTP handlers for workflow, schedule, and job management.
type Server struct {
	cfg     config.Config
	store   Store
	queue   *queue.Queue
	engine  *engine.Engine
	limiter *ratelimit.TokenBucket
}

// New constructs the management API server.
func New(cfg config.Config, st Store, q *queue.Queue, eng *engine.Engine, limiter *ratelimit.TokenBucket) *Server {
	return &Server{cfg: cfg, store: st, queue: q, engine: eng, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/workflows", func(r chi.Router) {
		r.With(s.rateLimited).Post("/", s.handleCreateWorkflow)
		r.Get("/", s.handleListWorkflows)
		r.Get("/{id}", s.handleGetWorkflow)
		r.With(s.rateLimited).Post("/{id}/run", s.handleRunWorkflow)
		r.With(s.rateLimited).Post("/{id}/reset", s.handleResetWorkflow)
		r.With(s.rateLimited).Post("/{id}/cancel", s.handleCancelWorkflow)
		r.With(s.rateLimited).Delete("/{id}", s.handleDeleteWorkflow)
	})

	r.Route("/schedules", func(r chi.Router) {
		r.With(s.rateLimited).Post("/", s.handleCreateSchedule)
		r.Get("/", s.handleListSchedules)
		r.Get("/{id}", s.handleGetSchedule)
		r.With(s.rateLimited).Put("/{id}", s.handleUpdateSchedule)
		r.With(s.rateLimited).Post("/{id}/enable", s.handleEnableSchedule)
		r.With(s.rateLimited).Post("/{id}/disable", s.handleDisableSchedule)
		r.With(s.rateLimited).Delete("/{id}", s.handleDeleteSchedule)
	})

	r.With(s.rateLimited).Post("/jobs", s.handleEnqueueJob)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/dlq", s.handleDLQ)

	return r
}

// rateLimited guards mutating routes with the shared token bucket.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.limiter.Allow(r.Context(), "rl:"+clientFromRequest(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ─── workflows ───

type createWorkflowRequest struct {
	Name  string        `json:"name"`
	Steps []models.Step `json:"steps"`
	Run   bool          `json:"run"` // enqueue the first advance right away
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Steps) == 0 {
		http.Error(w, "at least one step is required", http.StatusBadRequest)
		return
	}
	for i := range req.Steps {
		if req.Steps[i].Type == "" {
			http.Error(w, "every step needs a type", http.StatusBadRequest)
			return
		}
		if req.Steps[i].ID == "" {
			req.Steps[i].ID = "step-" + strconv.Itoa(i)
		}
		if req.Steps[i].BackoffFactor <= 0 {
			req.Steps[i].BackoffFactor = 2
		}
	}

	wf := models.Workflow{
		Name:    req.Name,
		Steps:   req.Steps,
		Context: map[string]any{},
		Status:  models.WorkflowPending,
	}
	if err := s.store.CreateWorkflow(r.Context(), &wf); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if req.Run {
		if err := s.enqueueAdvance(r.Context(), wf.ID); err != nil {
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs, err := s.store.ListWorkflows(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": wfs})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.store.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// handleRunWorkflow enqueues an advance for an on-demand trigger.
func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wf, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if wf.Terminal() {
		http.Error(w, "workflow is terminal; reset it first", http.StatusConflict)
		return
	}
	if err := s.enqueueAdvance(r.Context(), id); err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleResetWorkflow(w http.ResponseWriter, r *http.Request) {
	clearContext := r.URL.Query().Get("clear_context") == "true"
	wf, err := s.engine.Reset(r.Context(), chi.URLParam(r, "id"), clearContext)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// handleCancelWorkflow marks a workflow failed with a cancellation error.
// An already-claimed advance job is not interrupted; it observes the
// terminal status on its next engine call.
func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.store.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if wf.Terminal() {
		writeJSON(w, http.StatusOK, wf)
		return
	}
	msg := "cancelled by operator"
	wf.Status = models.WorkflowFailed
	wf.LastError = &msg
	if err := s.store.UpdateWorkflow(r.Context(), &wf); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteWorkflow(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) enqueueAdvance(ctx context.Context, workflowID string) error {
	_, err := s.queue.AddJob(ctx, models.QueueWorkflows, models.JobTypeWorkflowAdvance,
		map[string]any{"workflow_id": workflowID},
		queue.Options{MaxAttempts: s.cfg.MaxAttempts},
	)
	return err
}

// ─── schedules ───

type scheduleRequest struct {
	WorkflowID string `json:"workflow_id"`
	Expression string `json:"expression"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.WorkflowID == "" {
		http.Error(w, "workflow_id is required", http.StatusBadRequest)
		return
	}
	if err := scheduler.ValidateExpression(req.Expression); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetWorkflow(r.Context(), req.WorkflowID); err != nil {
		writeStoreError(w, err)
		return
	}

	next, err := scheduler.NextAfter(req.Expression, time.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sc := models.Schedule{
		WorkflowID: req.WorkflowID,
		Expression: req.Expression,
		Enabled:    true,
		NextRunAt:  next,
	}
	if err := s.store.CreateSchedule(r.Context(), &sc); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	scs, err := s.store.ListSchedules(r.Context(), enabledOnly)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": scs})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Expression != "" {
		if err := scheduler.ValidateExpression(req.Expression); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sc.Expression = req.Expression
		next, err := scheduler.NextAfter(req.Expression, time.Now().UTC())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sc.NextRunAt = next
	}
	if req.WorkflowID != "" {
		sc.WorkflowID = req.WorkflowID
	}
	if err := s.store.UpdateSchedule(r.Context(), &sc); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleEnableSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sc, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	// Re-validate before re-enabling: the schedule may have been disabled
	// for a rotten expression.
	if err := scheduler.ValidateExpression(sc.Expression); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	next, err := scheduler.NextAfter(sc.Expression, time.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err := s.store.EnableSchedule(r.Context(), id, next); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

func (s *Server) handleDisableSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DisableSchedule(r.Context(), chi.URLParam(r, "id"), "disabled via API"); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── jobs ───

type enqueueJobRequest struct {
	Queue       string         `json:"queue"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Priority    *int           `json:"priority"` // omitted means the queue default
	MaxAttempts int            `json:"max_attempts"`
	Recurrence  string         `json:"recurrence"`
	RunAt       *time.Time     `json:"run_at"`
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	if req.Queue == "" {
		req.Queue = models.QueueMaintenance
	}
	opts := queue.Options{Priority: req.Priority, MaxAttempts: req.MaxAttempts}
	if req.RunAt != nil {
		opts.RunAt = *req.RunAt
	}

	var jobID string
	var err error
	if req.Recurrence != "" {
		jobID, err = s.queue.AddRepeatedJob(r.Context(), req.Queue, req.Type, req.Payload, req.Recurrence, opts)
	} else {
		jobID, err = s.queue.AddJob(r.Context(), req.Queue, req.Type, req.Payload, opts)
	}
	if err != nil {
		if errors.Is(err, models.ErrInvalidRecurrence) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// ─── helpers ───

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrWorkflowNotFound),
		errors.Is(err, models.ErrScheduleNotFound),
		errors.Is(err, models.ErrJobNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrWorkflowLocked):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
