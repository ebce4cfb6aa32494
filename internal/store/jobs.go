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

// CreateJob inserts a job row.
func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
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

	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, queue, type, payload, priority, attempts, max_attempts, status, recurrence, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, job.ID, job.Queue, job.Type, payloadJSON, job.Priority, job.Attempts, job.MaxAttempts, job.Status, job.Recurrence, job.ScheduledAt, now)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, queue, type, payload, priority, attempts, max_attempts, status, recurrence, scheduled_at, last_error, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var payloadJSON []byte
	var lastErr pgtype.Text

	err := row.Scan(&job.ID, &job.Queue, &job.Type, &payloadJSON, &job.Priority, &job.Attempts, &job.MaxAttempts, &job.Status, &job.Recurrence, &job.ScheduledAt, &lastErr, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.LastError = textPtr(lastErr)
	return job, nil
}

// MarkJobActive transitions a claimed job to active.
func (s *Store) MarkJobActive(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, models.JobActive)
	return err
}

// MarkJobCompleted transitions a job to completed and clears any error.
func (s *Store) MarkJobCompleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = NULL, updated_at = NOW() WHERE id = $1
	`, id, models.JobCompleted)
	return err
}

// RequeueJob puts a failed job back in the queued state with an updated
// attempt count and next run time.
func (s *Store) RequeueJob(ctx context.Context, id string, attempts int, runAt time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = $3, scheduled_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobQueued, attempts, runAt, lastErr)
	return err
}

// MarkJobFailed terminally fails a job that exhausted its attempts.
func (s *Store) MarkJobFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobFailed, attempts, lastErr)
	return err
}

// ResetJobForRecurrence rewinds a repeated job for its next occurrence.
func (s *Store) ResetJobForRecurrence(ctx context.Context, id string, runAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = 0, scheduled_at = $3, last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobQueued, runAt)
	return err
}
