package models

import "time"

// StepOutcome is the result of one step attempt.
type StepOutcome string

const (
	StepOutcomeSucceeded       StepOutcome = "succeeded"
	StepOutcomeConditionResult StepOutcome = "condition_result"
	StepOutcomeDelayScheduled  StepOutcome = "delay_scheduled"
	StepOutcomeFailed          StepOutcome = "failed"
	StepOutcomeSkipped         StepOutcome = "skipped"
)

// StepExecution is an immutable execution log entry.
type StepExecution struct {
	ID           string         `json:"id"`
	Sequence     int64          `json:"sequence"`
	EnrollmentID string         `json:"enrollment_id"`
	WorkflowID   string         `json:"workflow_id"`
	StepID       string         `json:"step_id"`
	StepType     StepType       `json:"step_type"`
	Outcome      StepOutcome    `json:"outcome"`
	Handle       string         `json:"handle,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	Attempt      int            `json:"attempt"`
	ExecutedAt   time.Time      `json:"executed_at"`
}
