package models

import "time"

// Job lifecycle states persisted in Postgres.
const (
	JobQueued    = "queued"
	JobActive    = "active"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Queue names and job types are a closed set known at compile time.
const (
	QueueWorkflows   = "workflows"
	QueueMaintenance = "maintenance"

	JobTypeWorkflowStart   = "workflow.start"
	JobTypeWorkflowAdvance = "workflow.advance"
	JobTypeQueueSweep      = "queue.sweep"
)

// Job is a unit of queued work. The row lives in Postgres; Redis only
// coordinates which worker gets to run it.
type Job struct {
	ID          string         `json:"id"`
	Queue       string         `json:"queue"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Priority    int            `json:"priority"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	Status      string         `json:"status"`
	Recurrence  string         `json:"recurrence,omitempty"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	LastError   *string        `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
