package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/journeys/pkg/conditions"
	"github.com/dukex/journeys/pkg/eventbus"
	"github.com/dukex/journeys/pkg/events"
	"github.com/dukex/journeys/pkg/graph"
	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// WorkflowExiter exits the open enrollments of a workflow.
type WorkflowExiter interface {
	ExitWorkflow(ctx context.Context, workflowID, reason string) (int, error)
}

type Workflow struct {
	persistence persistence.Persistence
	graphs      *graph.Store
	exiter      WorkflowExiter
	schemas     SchemaSource
	publisher   eventbus.EventPublisher
	validate    *validator.Validate
	clock       clockwork.Clock
	logger      *slog.Logger
}

type Option func(*Workflow)

// WithSchemas validates action step configurations against the schemas of
// the registered action types.
func WithSchemas(schemas SchemaSource) Option {
	return func(w *Workflow) {
		w.schemas = schemas
	}
}

func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(w *Workflow) {
		w.publisher = publisher
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(w *Workflow) {
		w.clock = clock
	}
}

// NewWorkflow creates a new workflow service.
func NewWorkflow(persistence persistence.Persistence, graphs *graph.Store, exiter WorkflowExiter, logger *slog.Logger, opts ...Option) *Workflow {
	w := &Workflow{
		persistence: persistence,
		graphs:      graphs,
		exiter:      exiter,
		publisher:   eventbus.Discard,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		clock:       clockwork.NewRealClock(),
		logger:      logger.With("module", "workflow_service"),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// HealthCheck checks the health of the persistence layer.
func (w *Workflow) HealthCheck(ctx context.Context) (string, bool) {
	if w.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := w.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// Get returns a workflow by id.
func (w *Workflow) Get(ctx context.Context, id string) (*models.Workflow, error) {
	return w.persistence.WorkflowRepository().GetByID(ctx, id)
}

// List returns workflows with the given status, or all of them when status is empty.
func (w *Workflow) List(ctx context.Context, status models.WorkflowStatus) ([]*models.Workflow, error) {
	return w.persistence.WorkflowRepository().List(ctx, status)
}

// Create stores a new draft workflow. Drafts may be incomplete; they are
// fully validated on activation.
func (w *Workflow) Create(ctx context.Context, workflow *models.Workflow) (*models.Workflow, error) {
	if workflow == nil {
		return nil, ErrWorkflowNil
	}

	if workflow.ID == "" {
		workflow.ID = uuid.NewString()
	}

	workflow.Status = models.WorkflowStatusDraft
	workflow.Version = 0

	err := w.validate.Struct(workflow)
	if err != nil {
		return nil, &ValidationError{WorkflowID: workflow.ID, Problems: []string{err.Error()}}
	}

	err = w.persistence.WorkflowRepository().Save(ctx, workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	w.logger.InfoContext(ctx, "Workflow created", "workflow_id", workflow.ID, "name", workflow.Name)

	return workflow, nil
}

// Update replaces the definition of a draft workflow. Active and archived
// workflows are immutable.
func (w *Workflow) Update(ctx context.Context, workflow *models.Workflow) (*models.Workflow, error) {
	if workflow == nil {
		return nil, ErrWorkflowNil
	}

	current, err := w.Get(ctx, workflow.ID)
	if err != nil {
		return nil, err
	}

	if current.Status != models.WorkflowStatusDraft {
		return nil, newServiceError("Update", "WORKFLOW_NOT_DRAFT",
			fmt.Errorf("workflow %s is %s: %w", workflow.ID, current.Status, ErrWorkflowNotDraft))
	}

	workflow.Status = current.Status
	workflow.Version = current.Version
	workflow.CreatedAt = current.CreatedAt

	err = w.validate.Struct(workflow)
	if err != nil {
		return nil, &ValidationError{WorkflowID: workflow.ID, Problems: []string{err.Error()}}
	}

	return workflow, w.save(ctx, workflow)
}

// Activate validates the workflow and starts accepting enrollments.
func (w *Workflow) Activate(ctx context.Context, id string) (*models.Workflow, error) {
	workflow, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch workflow.Status {
	case models.WorkflowStatusActive:
		return workflow, nil
	case models.WorkflowStatusArchived:
		return nil, newServiceError("Activate", "WORKFLOW_ARCHIVED", fmt.Errorf("workflow %s: %w", id, ErrWorkflowArchived))
	}

	err = w.Validate(workflow)
	if err != nil {
		return nil, err
	}

	now := w.clock.Now()
	workflow.Status = models.WorkflowStatusActive
	workflow.ActivatedAt = &now

	err = w.save(ctx, workflow)
	if err != nil {
		return nil, err
	}

	w.logger.InfoContext(ctx, "Workflow activated", "workflow_id", id, "version", workflow.Version)

	return workflow, nil
}

// Archive stops new enrollments. Existing enrollments follow the workflow's
// archive policy: they continue, stay frozen in place, or are exited.
func (w *Workflow) Archive(ctx context.Context, id string) (*models.Workflow, error) {
	workflow, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if workflow.Status == models.WorkflowStatusArchived {
		return workflow, nil
	}

	now := w.clock.Now()
	workflow.Status = models.WorkflowStatusArchived
	workflow.ArchivedAt = &now

	err = w.save(ctx, workflow)
	if err != nil {
		return nil, err
	}

	policy := workflow.Settings.ArchivePolicyOrDefault()

	if policy == models.ArchivePolicyExit && w.exiter != nil {
		exited, err := w.exiter.ExitWorkflow(ctx, id, models.ExitReasonWorkflowArchived)
		if err != nil {
			return nil, fmt.Errorf("failed to exit enrollments of archived workflow %s: %w", id, err)
		}

		w.logger.InfoContext(ctx, "Exited enrollments of archived workflow", "workflow_id", id, "exited", exited)
	}

	w.logger.InfoContext(ctx, "Workflow archived", "workflow_id", id, "archive_policy", policy)

	return workflow, nil
}

// Validate checks a workflow is executable: well-formed fields, unique step
// ids, connections between existing steps, a resolvable entry step reaching
// every step, parsable conditions and step configurations matching their schema.
func (w *Workflow) Validate(workflow *models.Workflow) error {
	if workflow == nil {
		return ErrWorkflowNil
	}

	var problems []string

	err := w.validate.Struct(workflow)
	if err != nil {
		problems = append(problems, err.Error())
	}

	steps := make(map[string]*models.Step, len(workflow.Steps))

	for _, step := range workflow.Steps {
		if step == nil {
			continue
		}

		if _, duplicate := steps[step.ID]; duplicate {
			problems = append(problems, fmt.Sprintf("duplicate step id %s", step.ID))
		}

		steps[step.ID] = step

		schema, err := stepSchema(step, w.schemas)
		if err != nil {
			problems = append(problems, fmt.Sprintf("step %s: %v", step.ID, err))

			continue
		}

		err = validateConfig(schema, step.Config)
		if err != nil {
			problems = append(problems, fmt.Sprintf("step %s: %v", step.ID, err))
		}

		problems = append(problems, conditionProblems(step)...)
	}

	for _, connection := range workflow.Connections {
		if connection == nil {
			continue
		}

		if _, ok := steps[connection.SourceStepID]; !ok {
			problems = append(problems, fmt.Sprintf("connection %s: source step %s does not exist", connection.ID, connection.SourceStepID))
		}

		if _, ok := steps[connection.TargetStepID]; !ok {
			problems = append(problems, fmt.Sprintf("connection %s: target step %s does not exist", connection.ID, connection.TargetStepID))
		}

		if len(connection.Condition) > 0 {
			_, err := conditions.Parse(connection.Condition)
			if err != nil {
				problems = append(problems, fmt.Sprintf("connection %s: %v", connection.ID, err))
			}
		}
	}

	g := graph.New(workflow, w.logger)

	entry, err := g.EntryStep()
	if err != nil {
		problems = append(problems, err.Error())
	} else {
		for _, id := range unreachable(g, entry.ID) {
			problems = append(problems, fmt.Sprintf("step %s is not reachable from entry step %s", id, entry.ID))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{WorkflowID: workflow.ID, Problems: problems}
	}

	return nil
}

func conditionProblems(step *models.Step) []string {
	var problems []string

	check := func(label string, definition any) {
		_, err := conditions.Parse(definition)
		if err != nil {
			problems = append(problems, fmt.Sprintf("step %s %s: %v", step.ID, label, err))
		}
	}

	if definition, ok := step.Config["conditions"]; ok {
		check("conditions", definition)
	}

	if branches, ok := step.Config["branches"].([]any); ok {
		for i, raw := range branches {
			if branch, ok := raw.(map[string]any); ok {
				check(fmt.Sprintf("branch %d", i), branch["conditions"])
			}
		}
	}

	return problems
}

// unreachable lists the steps no path from entry leads to, in declared order.
func unreachable(g *graph.Graph, entry string) []string {
	seen := map[string]bool{entry: true}
	queue := []string{entry}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, connection := range g.Outgoing(current) {
			if !seen[connection.TargetStepID] {
				seen[connection.TargetStepID] = true
				queue = append(queue, connection.TargetStepID)
			}
		}
	}

	var missing []string

	for _, step := range g.Steps() {
		if !seen[step.ID] {
			missing = append(missing, step.ID)
		}
	}

	return missing
}

// save stores the workflow, drops cached snapshots and notifies other processes.
func (w *Workflow) save(ctx context.Context, workflow *models.Workflow) error {
	err := w.persistence.WorkflowRepository().Save(ctx, workflow)
	if err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", workflow.ID, err)
	}

	if w.graphs != nil {
		w.graphs.Invalidate(workflow.ID)
	}

	event := events.WorkflowUpdated{
		BaseEvent: events.NewBaseEvent(events.WorkflowUpdatedEvent, workflow.ID, ""),
		Version:   workflow.Version,
		Status:    string(workflow.Status),
	}

	err = w.publisher.Publish(ctx, workflow.ID, event)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to publish workflow update", "workflow_id", workflow.ID, "error", err)
	}

	return nil
}
