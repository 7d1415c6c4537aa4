// Package models defines the core domain models for contact journey automation.
package models

import "time"

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"    // Editable, not accepting enrollments
	WorkflowStatusActive   WorkflowStatus = "active"   // Accepting enrollments
	WorkflowStatusArchived WorkflowStatus = "archived" // No new enrollments
)

// ReentryPolicy controls what happens when a contact is enrolled into a workflow
// it has already been enrolled in.
type ReentryPolicy string

const (
	// ReentryNever rejects any contact that was ever enrolled.
	ReentryNever ReentryPolicy = "never"
	// ReentryAfterExit rejects contacts with a non-terminal enrollment and restarts
	// contacts whose previous enrollment completed or exited.
	ReentryAfterExit ReentryPolicy = "after_exit"
	// ReentryRestart exits a non-terminal enrollment and starts over from the entry step.
	ReentryRestart ReentryPolicy = "restart"
)

// ArchivePolicy controls in-flight enrollments when a workflow is archived.
type ArchivePolicy string

const (
	ArchivePolicyContinue ArchivePolicy = "continue" // Existing enrollments keep running
	ArchivePolicyFreeze   ArchivePolicy = "freeze"   // Existing enrollments stay in place, ticks are ignored
	ArchivePolicyExit     ArchivePolicy = "exit"     // Existing enrollments are exited with workflow_archived
)

// WorkflowSettings holds per-workflow execution options.
type WorkflowSettings struct {
	Reentry       ReentryPolicy `json:"reentry,omitempty"        validate:"omitempty,oneof=never after_exit restart"`
	ArchivePolicy ArchivePolicy `json:"archive_policy,omitempty" validate:"omitempty,oneof=continue freeze exit"`
	// LoopGuard overrides the engine's default visit threshold when positive.
	LoopGuard int `json:"loop_guard,omitempty" validate:"gte=0"`
}

// ReentryPolicyOrDefault returns the configured reentry policy or ReentryAfterExit.
func (s WorkflowSettings) ReentryPolicyOrDefault() ReentryPolicy {
	if s.Reentry == "" {
		return ReentryAfterExit
	}

	return s.Reentry
}

// ArchivePolicyOrDefault returns the configured archive policy or ArchivePolicyContinue.
func (s WorkflowSettings) ArchivePolicyOrDefault() ArchivePolicy {
	if s.ArchivePolicy == "" {
		return ArchivePolicyContinue
	}

	return s.ArchivePolicy
}

// Workflow is a named automation definition made of steps and connections.
type Workflow struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"                    validate:"required,min=3"`
	Description string           `json:"description"`
	Status      WorkflowStatus   `json:"status"                  validate:"required,oneof=draft active archived"`
	EntryStepID string           `json:"entry_step_id,omitempty"`
	Settings    WorkflowSettings `json:"settings"`
	Steps       []*Step          `json:"steps"                   validate:"dive"`
	Connections []*Connection    `json:"connections"             validate:"dive"`
	Owner       string           `json:"owner,omitempty"`
	Version     int              `json:"version"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	ActivatedAt *time.Time       `json:"activated_at,omitempty"`
	ArchivedAt  *time.Time       `json:"archived_at,omitempty"`
}

// IsActive reports whether the workflow accepts new enrollments.
func (w *Workflow) IsActive() bool {
	return w.Status == WorkflowStatusActive
}
