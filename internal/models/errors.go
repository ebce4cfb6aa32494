package models

import "errors"

var (
	// Lookup errors.
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrJobNotFound      = errors.New("job not found")

	// ErrWorkflowLocked means another executor holds a fresh lock on the
	// workflow. The caller should back off and retry later.
	ErrWorkflowLocked = errors.New("workflow locked by another executor")

	// ErrUnknownStepType means no handler is registered for a step's type.
	// This is unretryable: no amount of backoff produces a handler.
	ErrUnknownStepType = errors.New("unknown step type")

	// ErrInvalidRecurrence means a cron expression failed validation.
	ErrInvalidRecurrence = errors.New("invalid recurrence expression")
)
