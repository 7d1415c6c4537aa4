// Package triggers matches incoming contact events against the trigger steps
// of active workflows and enrolls the contact.
package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/dukex/journeys/pkg/conditions"
	"github.com/dukex/journeys/pkg/graph"
	"github.com/dukex/journeys/pkg/metrics"
	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
)

// Metadata keys seeded into enrollments created by a trigger match.
const (
	EventTypeKey = "trigger_event"
	PayloadKey   = "event"
)

// Enroller creates enrollments.
type Enroller interface {
	Enroll(ctx context.Context, workflowID, contactID string, metadata map[string]any) (*models.Enrollment, error)
}

// Match is a trigger step that accepted an event.
type Match struct {
	WorkflowID string
	StepID     string
	// Enrollment is nil when the contact was already enrolled.
	Enrollment *models.Enrollment
}

type Matcher struct {
	workflows  persistence.WorkflowRepository
	graphs     *graph.Store
	enroller   Enroller
	onEnrolled func(ctx context.Context, enrollment *models.Enrollment)
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

type Option func(*Matcher)

// WithOnEnrolled registers a callback run for every enrollment the matcher
// creates, used by workers to tick new enrollments without waiting for the
// next scheduler pass.
func WithOnEnrolled(fn func(ctx context.Context, enrollment *models.Enrollment)) Option {
	return func(m *Matcher) {
		m.onEnrolled = fn
	}
}

func WithMetrics(mtr *metrics.Metrics) Option {
	return func(m *Matcher) {
		m.metrics = mtr
	}
}

func NewMatcher(workflows persistence.WorkflowRepository, graphs *graph.Store, enroller Enroller, logger *slog.Logger, opts ...Option) *Matcher {
	m := &Matcher{
		workflows: workflows,
		graphs:    graphs,
		enroller:  enroller,
		logger:    logger.With("module", "event_matcher"),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Handle enrolls the contact into every active workflow with a trigger step
// listening for eventType whose conditions accept the payload. A contact
// already in a workflow is left where it is. Failures for one workflow do not
// prevent matching the others; they are joined into the returned error.
func (m *Matcher) Handle(ctx context.Context, contactID, eventType string, payload map[string]any) ([]Match, error) {
	logger := m.logger.With("contact_id", contactID, "event_type", eventType)

	workflows, err := m.workflows.List(ctx, models.WorkflowStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active workflows: %w", err)
	}

	var (
		matches []Match
		errs    []error
	)

	for _, workflow := range workflows {
		g, err := m.graphs.Load(ctx, workflow.ID)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		step := m.match(ctx, g, eventType, payload, logger)
		if step == nil {
			continue
		}

		match := Match{WorkflowID: workflow.ID, StepID: step.ID}

		enrollment, err := m.enroller.Enroll(ctx, workflow.ID, contactID, seed(eventType, payload))

		switch {
		case models.IsAlreadyEnrolled(err):
			logger.DebugContext(ctx, "Contact already enrolled, ignoring trigger", "workflow_id", workflow.ID)
		case err != nil:
			errs = append(errs, fmt.Errorf("failed to enroll contact %s in workflow %s: %w", contactID, workflow.ID, err))

			continue
		default:
			match.Enrollment = enrollment

			if m.metrics != nil {
				m.metrics.EnrollmentsCreated.WithLabelValues(workflow.ID).Inc()
			}

			if m.onEnrolled != nil {
				m.onEnrolled(ctx, enrollment)
			}
		}

		matches = append(matches, match)
	}

	logger.InfoContext(ctx, "Event matched", "matches", len(matches), "workflows", len(workflows))

	return matches, errors.Join(errs...)
}

// match returns the first trigger step of g accepting the event.
func (m *Matcher) match(ctx context.Context, g *graph.Graph, eventType string, payload map[string]any, logger *slog.Logger) *models.Step {
	for _, step := range g.TriggerSteps() {
		listening, _ := step.Config["event_type"].(string)
		if listening != eventType {
			continue
		}

		definition, ok := step.Config["conditions"]
		if !ok {
			return step
		}

		matched, err := conditions.Evaluate(definition, payload)
		if err != nil {
			logger.WarnContext(ctx, "Trigger conditions failed to evaluate, treating as no match",
				"workflow_id", g.WorkflowID,
				"step_id", step.ID,
				"error", err)

			continue
		}

		if matched {
			return step
		}
	}

	return nil
}

func seed(eventType string, payload map[string]any) map[string]any {
	return map[string]any{
		EventTypeKey: eventType,
		PayloadKey:   maps.Clone(payload),
	}
}
