package models

import (
	"errors"
	"fmt"
)

// Engine error taxonomy.
var (
	// ErrAlreadyEnrolled indicates the contact already has an enrollment the reentry policy forbids replacing.
	ErrAlreadyEnrolled = errors.New("contact already enrolled")

	// ErrInvalidTransition indicates an enrollment state machine violation.
	ErrInvalidTransition = errors.New("invalid enrollment transition")

	// ErrGraphIntegrity indicates a dangling or missing step or connection.
	ErrGraphIntegrity = errors.New("workflow graph integrity violation")

	// ErrActionExecution indicates an action side effect failed and may be retried.
	ErrActionExecution = errors.New("action execution failed")

	// ErrLoopDetected indicates a step was revisited past the loop guard within one cascade.
	ErrLoopDetected = errors.New("loop detected")

	// ErrWorkflowNotActive indicates the workflow does not accept enrollments.
	ErrWorkflowNotActive = errors.New("workflow is not active")

	// ErrNoEntryStep indicates the workflow has no resolvable entry step.
	ErrNoEntryStep = errors.New("workflow has no entry step")
)

// TransitionError describes a rejected enrollment state change.
type TransitionError struct {
	EnrollmentID string
	From         EnrollmentStatus
	To           EnrollmentStatus
}

// NewTransitionError creates a TransitionError.
func NewTransitionError(enrollmentID string, from, to EnrollmentStatus) *TransitionError {
	return &TransitionError{EnrollmentID: enrollmentID, From: from, To: to}
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("enrollment %s cannot move from %s to %s: %v", e.EnrollmentID, e.From, e.To, ErrInvalidTransition)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// GraphIntegrityError reports where a workflow graph is corrupt.
type GraphIntegrityError struct {
	WorkflowID   string
	StepID       string
	ConnectionID string
	Message      string
}

func (e *GraphIntegrityError) Error() string {
	if e.ConnectionID != "" {
		return fmt.Sprintf("workflow %s connection %s: %s", e.WorkflowID, e.ConnectionID, e.Message)
	}

	return fmt.Sprintf("workflow %s step %s: %s", e.WorkflowID, e.StepID, e.Message)
}

func (e *GraphIntegrityError) Unwrap() error {
	return ErrGraphIntegrity
}

// ActionExecutionError wraps a failed action side effect.
type ActionExecutionError struct {
	ActionType ActionType
	StepID     string
	Attempt    int
	Err        error
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("action %s on step %s failed (attempt %d): %v", e.ActionType, e.StepID, e.Attempt, e.Err)
}

func (e *ActionExecutionError) Unwrap() []error {
	return []error{ErrActionExecution, e.Err}
}

// IsAlreadyEnrolled checks if an error indicates a duplicate enrollment.
func IsAlreadyEnrolled(err error) bool {
	return errors.Is(err, ErrAlreadyEnrolled)
}

// IsInvalidTransition checks if an error indicates a state machine violation.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
