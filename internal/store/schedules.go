package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"workflow-automation/internal/models"
)

// CreateSchedule inserts a schedule row.
func (s *Store) CreateSchedule(ctx context.Context, sc *models.Schedule) error {
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sc.CreatedAt = now
	sc.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO schedules (id, workflow_id, expression, enabled, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, sc.ID, sc.WorkflowID, sc.Expression, sc.Enabled, sc.NextRunAt, now)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// GetSchedule fetches a schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (models.Schedule, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, expression, enabled, disabled_reason, last_run_at, next_run_at, created_at, updated_at
		FROM schedules WHERE id = $1
	`, id)
	return scanSchedule(row)
}

// ListSchedules returns all schedules; enabledOnly restricts to enabled ones.
func (s *Store) ListSchedules(ctx context.Context, enabledOnly bool) ([]models.Schedule, error) {
	query := `
		SELECT id, workflow_id, expression, enabled, disabled_reason, last_run_at, next_run_at, created_at, updated_at
		FROM schedules`
	if enabledOnly {
		query += ` WHERE enabled = TRUE`
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// ListDueSchedules returns enabled schedules whose next_run_at has passed.
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time) ([]models.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, expression, enabled, disabled_reason, last_run_at, next_run_at, created_at, updated_at
		FROM schedules
		WHERE enabled = TRUE AND next_run_at <= $1
		ORDER BY next_run_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// UpdateSchedule persists expression, enabled flag, and run bookkeeping.
func (s *Store) UpdateSchedule(ctx context.Context, sc *models.Schedule) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules
		SET workflow_id = $2, expression = $3, enabled = $4, disabled_reason = $5, last_run_at = $6, next_run_at = $7, updated_at = NOW()
		WHERE id = $1
	`, sc.ID, sc.WorkflowID, sc.Expression, sc.Enabled, sc.DisabledReason, sc.LastRunAt, sc.NextRunAt)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrScheduleNotFound
	}
	return nil
}

// DisableSchedule flips enabled off and records why. Schedules found
// invalid at dispatch time are disabled this way, never deleted silently.
func (s *Store) DisableSchedule(ctx context.Context, id, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules SET enabled = FALSE, disabled_reason = $2, updated_at = NOW() WHERE id = $1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("disable schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrScheduleNotFound
	}
	return nil
}

// EnableSchedule re-enables a schedule and clears the disabled reason.
func (s *Store) EnableSchedule(ctx context.Context, id string, nextRunAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules SET enabled = TRUE, disabled_reason = NULL, next_run_at = $2, updated_at = NOW() WHERE id = $1
	`, id, nextRunAt)
	if err != nil {
		return fmt.Errorf("enable schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrScheduleNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule row.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrScheduleNotFound
	}
	return nil
}

func scanSchedule(row rowScanner) (models.Schedule, error) {
	var sc models.Schedule
	var reason pgtype.Text
	var lastRun pgtype.Timestamptz

	err := row.Scan(&sc.ID, &sc.WorkflowID, &sc.Expression, &sc.Enabled, &reason, &lastRun, &sc.NextRunAt, &sc.CreatedAt, &sc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Schedule{}, models.ErrScheduleNotFound
	}
	if err != nil {
		return models.Schedule{}, fmt.Errorf("scan schedule: %w", err)
	}
	sc.DisabledReason = textPtr(reason)
	sc.LastRunAt = timePtr(lastRun)
	return sc, nil
}

func collectSchedules(rows pgx.Rows) ([]models.Schedule, error) {
	var out []models.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
