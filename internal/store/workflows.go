package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"workflow-automation/internal/models"
)

// CreateWorkflow inserts a workflow row. ID and timestamps are assigned
// here if not already set.
func (s *Store) CreateWorkflow(ctx context.Context, wf *models.Workflow) error {
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

	stepsJSON, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	ctxJSON, err := json.Marshal(wf.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflows (id, name, steps, current_step_index, context, status, locked, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $7)
	`, wf.ID, wf.Name, stepsJSON, wf.CurrentStepIndex, ctxJSON, wf.Status, now)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

// GetWorkflow fetches a workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (models.Workflow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, steps, current_step_index, context, status, last_error, locked, locked_at, created_at, updated_at
		FROM workflows WHERE id = $1
	`, id)
	return scanWorkflow(row)
}

// ListWorkflows returns workflows, optionally filtered by status.
func (s *Store) ListWorkflows(ctx context.Context, status string) ([]models.Workflow, error) {
	query := `
		SELECT id, name, steps, current_step_index, context, status, last_error, locked, locked_at, created_at, updated_at
		FROM workflows`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// UpdateWorkflow persists the mutable fields of a workflow: step index,
// context, status, last error, and lock state. Steps are immutable once
// the workflow exists and are never rewritten.
func (s *Store) UpdateWorkflow(ctx context.Context, wf *models.Workflow) error {
	ctxJSON, err := json.Marshal(wf.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows
		SET current_step_index = $2, context = $3, status = $4, last_error = $5, locked = $6, locked_at = $7, updated_at = NOW()
		WHERE id = $1
	`, wf.ID, wf.CurrentStepIndex, ctxJSON, wf.Status, wf.LastError, wf.Locked, wf.LockedAt)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrWorkflowNotFound
	}
	return nil
}

// AcquireWorkflowLock attempts a compare-and-swap lock acquisition. The
// conditional UPDATE closes the race window between two executors reading
// locked = false at the same time: only one row update can win. A lock
// whose locked_at is older than staleBefore is treated as abandoned by a
// crashed executor and reclaimed.
func (s *Store) AcquireWorkflowLock(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows
		SET locked = TRUE, locked_at = $2, updated_at = $2
		WHERE id = $1 AND (locked = FALSE OR locked_at IS NULL OR locked_at < $3)
	`, id, now, staleBefore)
	if err != nil {
		return false, fmt.Errorf("acquire workflow lock: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// Zero rows means either the lock is held or the row does not exist;
	// callers need to tell those apart.
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workflows WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check workflow exists: %w", err)
	}
	if !exists {
		return false, models.ErrWorkflowNotFound
	}
	return false, nil
}

// ReleaseWorkflowLock clears the lock without touching any other field.
// Used on error paths where no state change should be persisted.
func (s *Store) ReleaseWorkflowLock(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflows SET locked = FALSE, locked_at = NULL, updated_at = NOW() WHERE id = $1
	`, id)
	return err
}

// DeleteWorkflow removes a workflow row. Terminal workflows are retained
// for audit; deletion is an explicit operator action.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrWorkflowNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (models.Workflow, error) {
	var wf models.Workflow
	var stepsJSON, ctxJSON []byte
	var lastErr pgtype.Text
	var lockedAt pgtype.Timestamptz

	err := row.Scan(&wf.ID, &wf.Name, &stepsJSON, &wf.CurrentStepIndex, &ctxJSON, &wf.Status, &lastErr, &wf.Locked, &lockedAt, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Workflow{}, models.ErrWorkflowNotFound
	}
	if err != nil {
		return models.Workflow{}, fmt.Errorf("scan workflow: %w", err)
	}
	if err := json.Unmarshal(stepsJSON, &wf.Steps); err != nil {
		return models.Workflow{}, fmt.Errorf("unmarshal steps: %w", err)
	}
	if err := json.Unmarshal(ctxJSON, &wf.Context); err != nil {
		return models.Workflow{}, fmt.Errorf("unmarshal context: %w", err)
	}
	wf.LastError = textPtr(lastErr)
	wf.LockedAt = timePtr(lockedAt)
	return wf, nil
}
