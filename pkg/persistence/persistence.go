// Package persistence provides the data storage abstraction layer for workflows, enrollments,
// the execution log and lead scoring.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/journeys/pkg/models"
)

// Persistence groups the repositories of one storage backend.
type Persistence interface {
	WorkflowRepository() WorkflowRepository
	EnrollmentRepository() EnrollmentRepository
	ExecutionLogRepository() ExecutionLogRepository
	ScoringRepository() ScoringRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowRepository stores workflow definitions.
type WorkflowRepository interface {
	Save(ctx context.Context, workflow *models.Workflow) error
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	// Version returns the stored version of a workflow without decoding its definition.
	Version(ctx context.Context, id string) (int, error)
	// List returns workflows with the given status, or all workflows when status is empty.
	List(ctx context.Context, status models.WorkflowStatus) ([]*models.Workflow, error)
	Delete(ctx context.Context, id string) error
}

// EnrollmentRepository stores enrollment cursors.
type EnrollmentRepository interface {
	// Create stores a new enrollment. It fails with ErrOpenEnrollmentExists when the
	// (workflow, contact) pair already has an active or paused enrollment.
	Create(ctx context.Context, enrollment *models.Enrollment) error

	// Update saves the enrollment if the stored version equals enrollment.Version,
	// then increments enrollment.Version. A mismatch fails with ErrVersionConflict.
	Update(ctx context.Context, enrollment *models.Enrollment) error

	GetByID(ctx context.Context, id string) (*models.Enrollment, error)

	// FindOpen returns the active or paused enrollment of the pair, or ErrEnrollmentNotFound.
	FindOpen(ctx context.Context, workflowID, contactID string) (*models.Enrollment, error)

	// ListByContact returns every enrollment of the pair regardless of status.
	ListByContact(ctx context.Context, workflowID, contactID string) ([]*models.Enrollment, error)

	// ListDue returns active enrollments whose NextRunAt is unset or not after now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Enrollment, error)

	// ListByWorkflow returns the workflow's enrollments in the given statuses (all when none given).
	ListByWorkflow(ctx context.Context, workflowID string, statuses ...models.EnrollmentStatus) ([]*models.Enrollment, error)
}

// ExecutionLogRepository is the append-only step execution log.
type ExecutionLogRepository interface {
	// Append records an entry and assigns its Sequence.
	Append(ctx context.Context, execution *models.StepExecution) error
	CountVisits(ctx context.Context, enrollmentID, stepID string) (int, error)
	// History returns the enrollment's entries in append order.
	History(ctx context.Context, enrollmentID string) ([]*models.StepExecution, error)
}

// ScoringRepository stores scoring rules and point grants.
type ScoringRepository interface {
	SaveRule(ctx context.Context, rule *models.ScoringRule) error
	ActiveRules(ctx context.Context, eventType string) ([]*models.ScoringRule, error)

	AppendHistory(ctx context.Context, entry *models.ScoreHistory) error
	// CountLiveOccurrences counts non-expired grants of a rule for a contact.
	CountLiveOccurrences(ctx context.Context, ruleID, contactID string, now time.Time) (int, error)
	// LiveScore sums the non-expired grants of a contact.
	LiveScore(ctx context.Context, contactID string, now time.Time) (int, error)
	History(ctx context.Context, contactID string) ([]*models.ScoreHistory, error)
}
