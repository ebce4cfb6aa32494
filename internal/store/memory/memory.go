// Package memory provides an in-process implementation of the persistence
// contracts, used by tests and local smoke runs. Records round-trip through
// JSON on the way in and out so callers observe the same value semantics as
// the Postgres store (no shared mutable state).
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"workflow-automation/internal/models"
)

// Store keeps workflows, schedules, and jobs in mutex-guarded maps.
type Store struct {
	mu        sync.Mutex
	workflows map[string]*models.Workflow
	schedules map[string]*models.Schedule
	jobs      map[string]*models.Job
}

func New() *Store {
	return &Store{
		workflows: map[string]*models.Workflow{},
		schedules: map[string]*models.Schedule{},
		jobs:      map[string]*models.Job{},
	}
}

func clone[T any](in *T) *T {
	data, err := json.Marshal(in)
	if err != nil {
		panic(err) // records are always JSON-serializable
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(err)
	}
	return out
}

// ─── workflows ───

func (s *Store) CreateWorkflow(_ context.Context, wf *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	if wf.Status == "" {
		wf.Status = models.WorkflowPending
	}
	if wf.Context == nil {
		wf.Context = map[string]any{}
	}
	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	s.workflows[wf.ID] = clone(wf)
	return nil
}

func (s *Store) GetWorkflow(_ context.Context, id string) (models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return models.Workflow{}, models.ErrWorkflowNotFound
	}
	return *clone(wf), nil
}

func (s *Store) ListWorkflows(_ context.Context, status string) ([]models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Workflow
	for _, wf := range s.workflows {
		if status != "" && wf.Status != status {
			continue
		}
		out = append(out, *clone(wf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateWorkflow(_ context.Context, wf *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.workflows[wf.ID]
	if !ok {
		return models.ErrWorkflowNotFound
	}
	next := clone(wf)
	next.Steps = cur.Steps // steps are immutable after creation
	next.UpdatedAt = time.Now().UTC()
	s.workflows[wf.ID] = next
	return nil
}

func (s *Store) AcquireWorkflowLock(_ context.Context, id string, now, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return false, models.ErrWorkflowNotFound
	}
	if wf.Locked && wf.LockedAt != nil && !wf.LockedAt.Before(staleBefore) {
		return false, nil
	}
	wf.Locked = true
	t := now
	wf.LockedAt = &t
	wf.UpdatedAt = now
	return true, nil
}

func (s *Store) ReleaseWorkflowLock(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wf, ok := s.workflows[id]; ok {
		wf.Locked = false
		wf.LockedAt = nil
		wf.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *Store) DeleteWorkflow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return models.ErrWorkflowNotFound
	}
	delete(s.workflows, id)
	return nil
}

// ─── schedules ───

func (s *Store) CreateSchedule(_ context.Context, sc *models.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sc.CreatedAt = now
	sc.UpdatedAt = now
	s.schedules[sc.ID] = clone(sc)
	return nil
}

func (s *Store) GetSchedule(_ context.Context, id string) (models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return models.Schedule{}, models.ErrScheduleNotFound
	}
	return *clone(sc), nil
}

func (s *Store) ListSchedules(_ context.Context, enabledOnly bool) ([]models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Schedule
	for _, sc := range s.schedules {
		if enabledOnly && !sc.Enabled {
			continue
		}
		out = append(out, *clone(sc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListDueSchedules(_ context.Context, now time.Time) ([]models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Schedule
	for _, sc := range s.schedules {
		if sc.Enabled && !sc.NextRunAt.After(now) {
			out = append(out, *clone(sc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	return out, nil
}

func (s *Store) UpdateSchedule(_ context.Context, sc *models.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sc.ID]; !ok {
		return models.ErrScheduleNotFound
	}
	next := clone(sc)
	next.UpdatedAt = time.Now().UTC()
	s.schedules[sc.ID] = next
	return nil
}

func (s *Store) DisableSchedule(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return models.ErrScheduleNotFound
	}
	sc.Enabled = false
	sc.DisabledReason = &reason
	sc.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) EnableSchedule(_ context.Context, id string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return models.ErrScheduleNotFound
	}
	sc.Enabled = true
	sc.DisabledReason = nil
	sc.NextRunAt = nextRunAt
	sc.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return models.ErrScheduleNotFound
	}
	delete(s.schedules, id)
	return nil
}

// ─── jobs ───

func (s *Store) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.JobQueued
	}
	if job.Payload == nil {
		job.Payload = map[string]any{}
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = clone(job)
	return nil
}

func (s *Store) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, models.ErrJobNotFound
	}
	return *clone(job), nil
}

func (s *Store) MarkJobActive(_ context.Context, id string) error {
	return s.setJobStatus(id, models.JobActive, nil)
}

func (s *Store) MarkJobCompleted(_ context.Context, id string) error {
	return s.setJobStatus(id, models.JobCompleted, nil)
}

func (s *Store) RequeueJob(_ context.Context, id string, attempts int, runAt time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.ErrJobNotFound
	}
	job.Status = models.JobQueued
	job.Attempts = attempts
	job.ScheduledAt = runAt
	job.LastError = &lastErr
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) MarkJobFailed(_ context.Context, id string, attempts int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.ErrJobNotFound
	}
	job.Status = models.JobFailed
	job.Attempts = attempts
	job.LastError = &lastErr
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) ResetJobForRecurrence(_ context.Context, id string, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.ErrJobNotFound
	}
	job.Status = models.JobQueued
	job.Attempts = 0
	job.ScheduledAt = runAt
	job.LastError = nil
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) setJobStatus(id, status string, lastErr *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.ErrJobNotFound
	}
	job.Status = status
	job.LastError = lastErr
	job.UpdatedAt = time.Now().UTC()
	return nil
}
