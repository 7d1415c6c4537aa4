// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/dukex/journeys/pkg/eventbus"
	"github.com/dukex/journeys/pkg/events"
	"github.com/dukex/journeys/pkg/models"
	"github.com/google/uuid"
)

// Logger returns a logger that discards output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// CreateTestWorkflow creates an active workflow with no steps that can be overridden.
func CreateTestWorkflow(overrides ...func(*models.Workflow)) *models.Workflow {
	workflow := &models.Workflow{
		ID:          uuid.New().String(),
		Name:        "Test Workflow",
		Description: "A workflow for tests",
		Status:      models.WorkflowStatusActive,
		Steps:       []*models.Step{},
		Connections: []*models.Connection{},
	}

	for _, override := range overrides {
		override(workflow)
	}

	return workflow
}

// WithSteps appends steps to the workflow.
func WithSteps(steps ...*models.Step) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Steps = append(w.Steps, steps...)
	}
}

// WithConnections appends connections to the workflow.
func WithConnections(connections ...*models.Connection) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Connections = append(w.Connections, connections...)
	}
}

// WithStatus sets the workflow status.
func WithStatus(status models.WorkflowStatus) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Status = status
	}
}

// WithSettings sets the workflow settings.
func WithSettings(settings models.WorkflowSettings) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Settings = settings
	}
}

// TriggerStep creates a trigger step listening for eventType.
func TriggerStep(id, eventType string) *models.Step {
	return &models.Step{
		ID:     id,
		Name:   id,
		Type:   models.StepTypeTrigger,
		Config: map[string]any{"event_type": eventType},
	}
}

// ActionStep creates an action step.
func ActionStep(id string, actionType models.ActionType, config map[string]any) *models.Step {
	return &models.Step{
		ID:         id,
		Name:       id,
		Type:       models.StepTypeAction,
		ActionType: actionType,
		Config:     config,
	}
}

// ConditionStep creates a two-way condition step.
func ConditionStep(id string, conditions map[string]any) *models.Step {
	return &models.Step{
		ID:     id,
		Name:   id,
		Type:   models.StepTypeCondition,
		Config: map[string]any{"conditions": conditions},
	}
}

// DelayStep creates a delay step waiting for seconds.
func DelayStep(id string, seconds int) *models.Step {
	return &models.Step{
		ID:     id,
		Name:   id,
		Type:   models.StepTypeDelay,
		Config: map[string]any{"duration_seconds": seconds},
	}
}

// Connect creates an unguarded connection from source to target.
func Connect(source, target string) *models.Connection {
	return ConnectHandle(source, target, "")
}

// ConnectHandle creates a connection leaving the source through handle.
func ConnectHandle(source, target, handle string) *models.Connection {
	return &models.Connection{
		ID:           source + "->" + target,
		SourceStepID: source,
		TargetStepID: target,
		SourceHandle: handle,
	}
}

// RecordingPublisher keeps every published event in memory.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *RecordingPublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return nil
}

// Events returns the recorded events of the given type, or all when none given.
func (p *RecordingPublisher) Events(types ...events.EventType) []eventbus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	var recorded []eventbus.Event

	for _, event := range p.events {
		if len(types) == 0 {
			recorded = append(recorded, event)

			continue
		}

		for _, eventType := range types {
			if event.GetType() == eventType {
				recorded = append(recorded, event)

				break
			}
		}
	}

	return recorded
}
