// Package graph holds immutable, indexed snapshots of workflow definitions and
// resolves the route an enrollment takes out of a step.
package graph

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/journeys/pkg/conditions"
	"github.com/dukex/journeys/pkg/models"
)

// ErrNoRoute indicates outgoing connections exist but none matched the produced handle and guards.
var ErrNoRoute = errors.New("no route")

// Graph is a read-only snapshot of one workflow version. It is safe to share
// between goroutines.
type Graph struct {
	WorkflowID  string
	Version     int
	Status      models.WorkflowStatus
	Settings    models.WorkflowSettings
	EntryStepID string

	steps    map[string]*models.Step
	order    []string
	outgoing map[string][]*models.Connection
	logger   *slog.Logger
}

// Route is the outcome of ResolveNext.
type Route struct {
	// Terminal is set when the step has no outgoing connections at all.
	Terminal   bool
	Connection *models.Connection
	Target     *models.Step
}

// New indexes a workflow. Steps and connections are copied so later edits to
// the workflow do not leak into the snapshot.
func New(workflow *models.Workflow, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Graph{
		WorkflowID:  workflow.ID,
		Version:     workflow.Version,
		Status:      workflow.Status,
		Settings:    workflow.Settings,
		EntryStepID: workflow.EntryStepID,
		steps:       make(map[string]*models.Step, len(workflow.Steps)),
		order:       make([]string, 0, len(workflow.Steps)),
		outgoing:    make(map[string][]*models.Connection),
		logger:      logger,
	}

	for _, step := range workflow.Steps {
		if step == nil {
			continue
		}

		clone := *step
		g.steps[step.ID] = &clone
		g.order = append(g.order, step.ID)
	}

	for _, connection := range workflow.Connections {
		if connection == nil {
			continue
		}

		clone := *connection
		g.outgoing[connection.SourceStepID] = append(g.outgoing[connection.SourceStepID], &clone)
	}

	return g
}

// Step returns a step by id.
func (g *Graph) Step(id string) (*models.Step, bool) {
	step, ok := g.steps[id]

	return step, ok
}

// Steps returns the steps in declared order.
func (g *Graph) Steps() []*models.Step {
	steps := make([]*models.Step, 0, len(g.order))
	for _, id := range g.order {
		steps = append(steps, g.steps[id])
	}

	return steps
}

// Outgoing returns the connections leaving a step in declared order.
func (g *Graph) Outgoing(stepID string) []*models.Connection {
	return g.outgoing[stepID]
}

// TriggerSteps returns the trigger steps in declared order.
func (g *Graph) TriggerSteps() []*models.Step {
	triggers := make([]*models.Step, 0, 1)

	for _, id := range g.order {
		if g.steps[id].IsTrigger() {
			triggers = append(triggers, g.steps[id])
		}
	}

	return triggers
}

// EntryStep returns the explicit entry step, or the single trigger step.
func (g *Graph) EntryStep() (*models.Step, error) {
	if g.EntryStepID != "" {
		step, ok := g.steps[g.EntryStepID]
		if !ok {
			return nil, &models.GraphIntegrityError{
				WorkflowID: g.WorkflowID,
				StepID:     g.EntryStepID,
				Message:    "entry step does not exist",
			}
		}

		return step, nil
	}

	triggers := g.TriggerSteps()
	if len(triggers) != 1 {
		return nil, fmt.Errorf("%w: workflow %s has %d trigger steps", models.ErrNoEntryStep, g.WorkflowID, len(triggers))
	}

	return triggers[0], nil
}

// LoopGuard returns the workflow's visit threshold, or fallback when unset.
func (g *Graph) LoopGuard(fallback int) int {
	if g.Settings.LoopGuard > 0 {
		return g.Settings.LoopGuard
	}

	return fallback
}

// ResolveNext picks the first outgoing connection of stepID whose handle equals
// handle and whose guard holds against metadata. A guard that cannot be
// evaluated is logged and treated as a non-match.
func (g *Graph) ResolveNext(stepID string, metadata map[string]any, handle string) (*Route, error) {
	connections := g.outgoing[stepID]
	if len(connections) == 0 {
		return &Route{Terminal: true}, nil
	}

	for _, connection := range connections {
		if !sameHandle(connection.SourceHandle, handle) {
			continue
		}

		if len(connection.Condition) > 0 {
			matched, err := conditions.Evaluate(connection.Condition, metadata)
			if err != nil {
				g.logger.Warn("connection guard could not be evaluated",
					"workflow_id", g.WorkflowID,
					"connection_id", connection.ID,
					"error", err,
				)

				continue
			}

			if !matched {
				continue
			}
		}

		target, ok := g.steps[connection.TargetStepID]
		if !ok {
			return nil, &models.GraphIntegrityError{
				WorkflowID:   g.WorkflowID,
				StepID:       connection.TargetStepID,
				ConnectionID: connection.ID,
				Message:      fmt.Sprintf("target step %s does not exist", connection.TargetStepID),
			}
		}

		return &Route{Connection: connection, Target: target}, nil
	}

	return nil, ErrNoRoute
}

// sameHandle treats an empty handle and "default" as the same branch.
func sameHandle(a, b string) bool {
	if a == b {
		return true
	}

	return normalize(a) == normalize(b)
}

func normalize(handle string) string {
	if handle == "" {
		return models.HandleDefault
	}

	return handle
}
