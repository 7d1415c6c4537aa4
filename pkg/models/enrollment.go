package models

import (
	"maps"
	"time"
)

// EnrollmentStatus is the state of a contact's participation in a workflow.
type EnrollmentStatus string

const (
	EnrollmentStatusActive    EnrollmentStatus = "active"
	EnrollmentStatusPaused    EnrollmentStatus = "paused"
	EnrollmentStatusCompleted EnrollmentStatus = "completed"
	EnrollmentStatusExited    EnrollmentStatus = "exited"
)

// IsTerminal reports whether no transition leaves the status.
func (s EnrollmentStatus) IsTerminal() bool {
	return s == EnrollmentStatusCompleted || s == EnrollmentStatusExited
}

// Machine-readable exit reasons.
const (
	ExitReasonDeadEnd          = "dead_end"
	ExitReasonGraphError       = "graph_error"
	ExitReasonLoopDetected     = "loop_detected"
	ExitReasonActionFailed     = "action_failed"
	ExitReasonManual           = "manual"
	ExitReasonRestarted        = "restarted"
	ExitReasonWorkflowArchived = "workflow_archived"
)

// Enrollment is the execution cursor of one contact traversing one workflow.
type Enrollment struct {
	ID            string           `json:"id"`
	WorkflowID    string           `json:"workflow_id"               validate:"required"`
	ContactID     string           `json:"contact_id"                validate:"required"`
	CurrentStepID string           `json:"current_step_id,omitempty"`
	Status        EnrollmentStatus `json:"status"                    validate:"required"`
	Metadata      map[string]any   `json:"metadata"`
	RetryCount    int              `json:"retry_count"`
	EnteredAt     time.Time        `json:"entered_at"`
	StepEnteredAt time.Time        `json:"step_entered_at"`
	// NextRunAt is the earliest time the scheduler may tick the enrollment again.
	// Nil means the enrollment is due immediately.
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExitedAt    *time.Time `json:"exited_at,omitempty"`
	ExitReason  string     `json:"exit_reason,omitempty"`
	// Version is incremented on every save and used for optimistic concurrency.
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEnrollment creates an active enrollment positioned at the entry step.
func NewEnrollment(id, workflowID, contactID, entryStepID string, now time.Time) *Enrollment {
	return &Enrollment{
		ID:            id,
		WorkflowID:    workflowID,
		ContactID:     contactID,
		CurrentStepID: entryStepID,
		Status:        EnrollmentStatusActive,
		Metadata:      make(map[string]any),
		EnteredAt:     now,
		StepEnteredAt: now,
		UpdatedAt:     now,
	}
}

// IsActive reports whether the enrollment can be advanced.
func (e *Enrollment) IsActive() bool {
	return e.Status == EnrollmentStatusActive
}

// IsDue reports whether the scheduler may tick the enrollment at now.
func (e *Enrollment) IsDue(now time.Time) bool {
	return e.IsActive() && (e.NextRunAt == nil || !e.NextRunAt.After(now))
}

// Pause moves an active enrollment to paused.
func (e *Enrollment) Pause(now time.Time) error {
	if e.Status != EnrollmentStatusActive {
		return NewTransitionError(e.ID, e.Status, EnrollmentStatusPaused)
	}

	e.Status = EnrollmentStatusPaused
	e.UpdatedAt = now

	return nil
}

// Resume moves a paused enrollment back to active at the same step.
func (e *Enrollment) Resume(now time.Time) error {
	if e.Status != EnrollmentStatusPaused {
		return NewTransitionError(e.ID, e.Status, EnrollmentStatusActive)
	}

	e.Status = EnrollmentStatusActive
	e.UpdatedAt = now

	return nil
}

// Complete terminates an active enrollment successfully. It reports false without
// error when the enrollment is already terminal.
func (e *Enrollment) Complete(now time.Time) (bool, error) {
	if e.Status.IsTerminal() {
		return false, nil
	}

	if e.Status != EnrollmentStatusActive {
		return false, NewTransitionError(e.ID, e.Status, EnrollmentStatusCompleted)
	}

	e.Status = EnrollmentStatusCompleted
	e.CompletedAt = &now
	e.NextRunAt = nil
	e.UpdatedAt = now

	return true, nil
}

// Exit terminates an active or paused enrollment with a reason. It reports false
// without error when the enrollment is already terminal.
func (e *Enrollment) Exit(reason string, now time.Time) bool {
	if e.Status.IsTerminal() {
		return false
	}

	e.Status = EnrollmentStatusExited
	e.ExitedAt = &now
	e.ExitReason = reason
	e.NextRunAt = nil
	e.UpdatedAt = now

	return true
}

// MoveTo positions the enrollment at a new step and resets per-step state.
func (e *Enrollment) MoveTo(stepID string, now time.Time) {
	e.CurrentStepID = stepID
	e.StepEnteredAt = now
	e.NextRunAt = nil
	e.RetryCount = 0
	e.UpdatedAt = now
}

// MergeMetadata copies patch into the enrollment metadata.
func (e *Enrollment) MergeMetadata(patch map[string]any) {
	if len(patch) == 0 {
		return
	}

	if e.Metadata == nil {
		e.Metadata = make(map[string]any, len(patch))
	}

	maps.Copy(e.Metadata, patch)
}

// Clone returns a deep-enough copy for handing to callers outside a lock.
func (e *Enrollment) Clone() *Enrollment {
	clone := *e
	clone.Metadata = maps.Clone(e.Metadata)

	return &clone
}
