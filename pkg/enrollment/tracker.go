// Package enrollment manages the lifecycle of contacts traversing workflows.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/journeys/pkg/eventbus"
	"github.com/dukex/journeys/pkg/events"
	"github.com/dukex/journeys/pkg/graph"
	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// maxConflictRetries bounds how often a transition is re-read after losing a
// version race against a tick.
const maxConflictRetries = 5

type Tracker struct {
	graphs      *graph.Store
	enrollments persistence.EnrollmentRepository
	publisher   eventbus.EventPublisher
	clock       clockwork.Clock
	logger      *slog.Logger
}

type Option func(*Tracker)

func WithClock(clock clockwork.Clock) Option {
	return func(t *Tracker) {
		t.clock = clock
	}
}

func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(t *Tracker) {
		t.publisher = publisher
	}
}

func NewTracker(graphs *graph.Store, enrollments persistence.EnrollmentRepository, logger *slog.Logger, opts ...Option) *Tracker {
	tracker := &Tracker{
		graphs:      graphs,
		enrollments: enrollments,
		publisher:   eventbus.Discard,
		clock:       clockwork.NewRealClock(),
		logger:      logger.With("module", "enrollment_tracker"),
	}

	for _, opt := range opts {
		opt(tracker)
	}

	return tracker
}

// Get returns an enrollment by id.
func (t *Tracker) Get(ctx context.Context, enrollmentID string) (*models.Enrollment, error) {
	return t.enrollments.GetByID(ctx, enrollmentID)
}

// Enroll starts the contact at the workflow's entry step, applying the
// workflow's reentry policy. metadata seeds the enrollment's metadata, usually
// with the triggering event payload.
func (t *Tracker) Enroll(ctx context.Context, workflowID, contactID string, metadata map[string]any) (*models.Enrollment, error) {
	logger := t.logger.With("workflow_id", workflowID, "contact_id", contactID)

	g, err := t.graphs.Load(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if g.Status != models.WorkflowStatusActive {
		return nil, fmt.Errorf("cannot enroll contact %s in workflow %s (%s): %w", contactID, workflowID, g.Status, models.ErrWorkflowNotActive)
	}

	entry, err := g.EntryStep()
	if err != nil {
		return nil, err
	}

	policy := g.Settings.ReentryPolicyOrDefault()

	switch policy {
	case models.ReentryNever:
		previous, err := t.enrollments.ListByContact(ctx, workflowID, contactID)
		if err != nil {
			return nil, err
		}

		if len(previous) > 0 {
			return nil, fmt.Errorf("contact %s was enrolled in workflow %s before: %w", contactID, workflowID, models.ErrAlreadyEnrolled)
		}
	case models.ReentryRestart:
		open, err := t.enrollments.FindOpen(ctx, workflowID, contactID)

		switch {
		case err == nil:
			logger.InfoContext(ctx, "Restarting enrollment", "previous_enrollment_id", open.ID)

			_, err = t.Exit(ctx, open.ID, models.ExitReasonRestarted)
			if err != nil {
				return nil, fmt.Errorf("failed to exit enrollment %s for restart: %w", open.ID, err)
			}
		case !persistence.IsEnrollmentNotFound(err):
			return nil, err
		}
	default:
		_, err := t.enrollments.FindOpen(ctx, workflowID, contactID)
		if err == nil {
			return nil, fmt.Errorf("contact %s is already in workflow %s: %w", contactID, workflowID, models.ErrAlreadyEnrolled)
		}

		if !persistence.IsEnrollmentNotFound(err) {
			return nil, err
		}
	}

	enrollment := models.NewEnrollment(uuid.NewString(), workflowID, contactID, entry.ID, t.clock.Now())
	enrollment.MergeMetadata(metadata)

	err = t.enrollments.Create(ctx, enrollment)
	if errors.Is(err, persistence.ErrOpenEnrollmentExists) {
		return nil, fmt.Errorf("contact %s is already in workflow %s: %w", contactID, workflowID, models.ErrAlreadyEnrolled)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create enrollment: %w", err)
	}

	logger.InfoContext(ctx, "Contact enrolled",
		"enrollment_id", enrollment.ID,
		"entry_step_id", entry.ID,
		"reentry", policy)

	t.Publish(ctx, enrollment, events.EnrollmentCreatedEvent)

	return enrollment, nil
}

// Pause stops an active enrollment from being ticked.
func (t *Tracker) Pause(ctx context.Context, enrollmentID string) (*models.Enrollment, error) {
	enrollment, changed, err := t.transition(ctx, enrollmentID, func(e *models.Enrollment) (bool, error) {
		err := e.Pause(t.clock.Now())

		return err == nil, err
	})
	if err != nil {
		return nil, err
	}

	if changed {
		t.Publish(ctx, enrollment, events.EnrollmentPausedEvent)
	}

	return enrollment, nil
}

// Resume reactivates a paused enrollment at the step it was paused on. It is
// due on the next scheduler pass.
func (t *Tracker) Resume(ctx context.Context, enrollmentID string) (*models.Enrollment, error) {
	enrollment, changed, err := t.transition(ctx, enrollmentID, func(e *models.Enrollment) (bool, error) {
		err := e.Resume(t.clock.Now())
		if err != nil {
			return false, err
		}

		e.NextRunAt = nil

		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		t.Publish(ctx, enrollment, events.EnrollmentResumedEvent)
	}

	return enrollment, nil
}

// Complete terminates an active enrollment successfully. Completing a terminal
// enrollment is a no-op.
func (t *Tracker) Complete(ctx context.Context, enrollmentID string) (*models.Enrollment, error) {
	enrollment, changed, err := t.transition(ctx, enrollmentID, func(e *models.Enrollment) (bool, error) {
		return e.Complete(t.clock.Now())
	})
	if err != nil {
		return nil, err
	}

	if changed {
		t.Publish(ctx, enrollment, events.EnrollmentCompletedEvent)
	}

	return enrollment, nil
}

// Exit terminates an active or paused enrollment with a reason. Exiting a
// terminal enrollment is a no-op. An in-flight tick loses the version race and
// stops advancing the enrollment.
func (t *Tracker) Exit(ctx context.Context, enrollmentID, reason string) (*models.Enrollment, error) {
	enrollment, changed, err := t.transition(ctx, enrollmentID, func(e *models.Enrollment) (bool, error) {
		return e.Exit(reason, t.clock.Now()), nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		t.Publish(ctx, enrollment, events.EnrollmentExitedEvent)
	}

	return enrollment, nil
}

// ExitWorkflow exits every open enrollment of a workflow, as done when the
// workflow is archived with the exit policy.
func (t *Tracker) ExitWorkflow(ctx context.Context, workflowID, reason string) (int, error) {
	open, err := t.enrollments.ListByWorkflow(ctx, workflowID, models.EnrollmentStatusActive, models.EnrollmentStatusPaused)
	if err != nil {
		return 0, err
	}

	exited := 0

	for _, enrollment := range open {
		_, err := t.Exit(ctx, enrollment.ID, reason)
		if err != nil {
			return exited, err
		}

		exited++
	}

	return exited, nil
}

// Publish emits a lifecycle event for the enrollment. Failures are logged; the
// transition has already been stored.
func (t *Tracker) Publish(ctx context.Context, enrollment *models.Enrollment, eventType events.EventType) {
	event := events.NewEnrollmentChanged(
		eventType,
		enrollment.ID,
		enrollment.WorkflowID,
		enrollment.ContactID,
		enrollment.CurrentStepID,
		string(enrollment.Status),
		enrollment.ExitReason,
	)

	err := t.publisher.Publish(ctx, enrollment.ID, event)
	if err != nil {
		t.logger.ErrorContext(ctx, "Failed to publish enrollment event",
			"enrollment_id", enrollment.ID,
			"event_type", eventType,
			"error", err)
	}
}

// transition applies mutate to a fresh copy of the enrollment and stores it,
// re-reading on version conflicts. mutate reports whether anything changed.
func (t *Tracker) transition(ctx context.Context, enrollmentID string, mutate func(*models.Enrollment) (bool, error)) (*models.Enrollment, bool, error) {
	for attempt := 1; ; attempt++ {
		enrollment, err := t.enrollments.GetByID(ctx, enrollmentID)
		if err != nil {
			return nil, false, err
		}

		changed, err := mutate(enrollment)
		if err != nil {
			return nil, false, err
		}

		if !changed {
			return enrollment, false, nil
		}

		err = t.enrollments.Update(ctx, enrollment)
		if err == nil {
			t.logger.InfoContext(ctx, "Enrollment transitioned",
				"enrollment_id", enrollment.ID,
				"status", enrollment.Status,
				"exit_reason", enrollment.ExitReason)

			return enrollment, true, nil
		}

		if !persistence.IsVersionConflict(err) || attempt >= maxConflictRetries {
			return nil, false, err
		}

		t.logger.DebugContext(ctx, "Retrying enrollment transition after version conflict",
			"enrollment_id", enrollmentID,
			"attempt", attempt)
	}
}
