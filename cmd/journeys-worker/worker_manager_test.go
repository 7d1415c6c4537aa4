package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/dukex/journeys/pkg/cmd"
	"github.com/dukex/journeys/pkg/contacts"
	"github.com/dukex/journeys/pkg/enrollment"
	"github.com/dukex/journeys/pkg/events"
	"github.com/dukex/journeys/pkg/executor"
	"github.com/dukex/journeys/pkg/graph"
	"github.com/dukex/journeys/pkg/lock"
	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/dukex/journeys/pkg/persistence/file"
	"github.com/dukex/journeys/pkg/scheduler"
	"github.com/dukex/journeys/pkg/scoring"
	"github.com/dukex/journeys/pkg/services"
	"github.com/dukex/journeys/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type workerFixture struct {
	worker    *WorkerManager
	store     persistence.Persistence
	graphs    *graph.Store
	people    *contacts.Static
	publisher *testutil.RecordingPublisher
}

func setupWorker(t *testing.T, workflows ...*models.Workflow) *workerFixture {
	t.Helper()

	ctx := context.Background()
	logger := testutil.Logger()
	store := file.NewPersistence(t.TempDir())

	for _, workflow := range workflows {
		require.NoError(t, store.WorkflowRepository().Save(ctx, workflow))
	}

	eventBus, err := cmd.NewEventBus("memory", "", "journeys-worker-test", logger)
	require.NoError(t, err)

	t.Cleanup(func() { _ = eventBus.Close() })

	publisher := &testutil.RecordingPublisher{}
	people := contacts.NewStatic(nil)
	locker := lock.NewLocal()

	graphs := graph.NewStore(store.WorkflowRepository(), logger)
	tracker := enrollment.NewTracker(graphs, store.EnrollmentRepository(), logger, enrollment.WithPublisher(publisher))
	registry := cmd.NewActionRegistry(logger, publisher, people, nil)
	stepExecutor := executor.NewExecutor(graphs, store, tracker, registry, locker, logger,
		executor.WithContacts(people),
		executor.WithPublisher(publisher),
	)
	engine := scoring.NewEngine(store.ScoringRepository(), locker, logger,
		scoring.WithPublisher(publisher),
		scoring.WithThresholds(50),
	)
	sched := scheduler.NewScheduler(store.EnrollmentRepository(), stepExecutor, scheduler.DefaultConfig(), logger)

	worker := NewWorkerManager("worker-test", eventBus, store.WorkflowRepository(), graphs, tracker, engine, stepExecutor, sched, logger)

	return &workerFixture{worker: worker, store: store, graphs: graphs, people: people, publisher: publisher}
}

func signupWorkflow() *models.Workflow {
	return testutil.CreateTestWorkflow(
		testutil.WithSteps(
			testutil.TriggerStep("signup", "form.submitted"),
			testutil.ActionStep("tag", models.ActionTypeTagContact, map[string]any{"tag": "lead"}),
		),
		testutil.WithConnections(testutil.Connect("signup", "tag")),
	)
}

func TestWorkerManager_Register(t *testing.T) {
	f := setupWorker(t)

	assert.NoError(t, f.worker.Register())
}

func TestWorkerManager_ContactEventScoresAndEnrolls(t *testing.T) {
	ctx := context.Background()
	workflow := signupWorkflow()
	f := setupWorker(t, workflow)

	require.NoError(t, f.store.ScoringRepository().SaveRule(ctx, &models.ScoringRule{
		ID:        "signup",
		EventType: "form.submitted",
		Points:    60,
		Active:    true,
	}))

	event := events.NewContactEventReceived("c-1", "form.submitted", "api", map[string]any{"form": "newsletter"})

	require.NoError(t, f.worker.handleContactEvent(ctx, &event))

	score, err := f.store.ScoringRepository().LiveScore(ctx, "c-1", event.Timestamp)
	require.NoError(t, err)
	assert.Equal(t, 60, score)

	crossings := f.publisher.Events(events.ScoreThresholdCrossedEvent)
	require.Len(t, crossings, 1)

	enrollments, err := f.store.EnrollmentRepository().ListByContact(ctx, workflow.ID, "c-1")
	require.NoError(t, err)
	require.Len(t, enrollments, 1)

	assert.Equal(t, models.EnrollmentStatusCompleted, enrollments[0].Status)
	assert.Equal(t, "form.submitted", enrollments[0].Metadata["trigger_event"])

	attributes, err := f.people.Attributes(ctx, "c-1")
	require.NoError(t, err)
	assert.Contains(t, attributes[contacts.TagsAttribute], "lead")
}

func TestWorkerManager_InvalidContactEventIsDropped(t *testing.T) {
	ctx := context.Background()
	workflow := signupWorkflow()
	f := setupWorker(t, workflow)

	event := events.NewContactEventReceived("", "form.submitted", "api", nil)

	require.NoError(t, f.worker.handleContactEvent(ctx, &event))

	enrollments, err := f.store.EnrollmentRepository().ListByWorkflow(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Empty(t, enrollments)
}

func TestWorkerManager_ScoreSignalTriggersWorkflow(t *testing.T) {
	ctx := context.Background()

	workflow := testutil.CreateTestWorkflow(
		testutil.WithSteps(
			&models.Step{
				ID:   "hot",
				Type: models.StepTypeTrigger,
				Config: map[string]any{
					"event_type": string(events.ScoreThresholdCrossedEvent),
					"conditions": map[string]any{"field": "direction", "operator": "equals", "value": "up"},
				},
			},
			testutil.ActionStep("tag", models.ActionTypeTagContact, map[string]any{"tag": "hot"}),
		),
		testutil.WithConnections(testutil.Connect("hot", "tag")),
	)
	f := setupWorker(t, workflow)

	down := events.ScoreThresholdCrossed{
		BaseEvent: events.NewBaseEvent(events.ScoreThresholdCrossedEvent, "", "c-1"),
		Threshold: 50,
		Direction: events.DirectionDown,
		Score:     40,
	}
	require.NoError(t, f.worker.handleScoreSignal(ctx, &down))

	enrollments, err := f.store.EnrollmentRepository().ListByContact(ctx, workflow.ID, "c-1")
	require.NoError(t, err)
	assert.Empty(t, enrollments)

	up := down
	up.Direction = events.DirectionUp
	up.Score = 55
	require.NoError(t, f.worker.handleScoreSignal(ctx, &up))

	enrollments, err = f.store.EnrollmentRepository().ListByContact(ctx, workflow.ID, "c-1")
	require.NoError(t, err)
	require.Len(t, enrollments, 1)
	assert.Equal(t, models.EnrollmentStatusCompleted, enrollments[0].Status)
}

// countingWorkflows counts full workflow reads.
type countingWorkflows struct {
	persistence.WorkflowRepository
	reads int
}

func (r *countingWorkflows) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	r.reads++

	return r.WorkflowRepository.GetByID(ctx, id)
}

func TestWorkerManager_WorkflowUpdatedDropsSnapshot(t *testing.T) {
	ctx := context.Background()
	workflow := signupWorkflow()
	f := setupWorker(t, workflow)

	repo := &countingWorkflows{WorkflowRepository: f.store.WorkflowRepository()}
	f.worker.graphs = graph.NewStore(repo, testutil.Logger())

	before, err := f.worker.graphs.Load(ctx, workflow.ID)
	require.NoError(t, err)

	_, err = f.worker.graphs.Load(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.reads)

	updated := events.WorkflowUpdated{
		BaseEvent: events.NewBaseEvent(events.WorkflowUpdatedEvent, workflow.ID, ""),
		Version:   workflow.Version,
		Status:    string(workflow.Status),
	}
	require.NoError(t, f.worker.handleWorkflowUpdated(ctx, &updated))

	after, err := f.worker.graphs.Load(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, repo.reads)
	assert.Equal(t, before.Version, after.Version)
}

func TestReport(t *testing.T) {
	logger := testutil.Logger()
	store := file.NewPersistence(t.TempDir())
	registry := cmd.NewActionRegistry(logger, nil, contacts.NewStatic(nil), nil)
	workflowService := services.NewWorkflow(store, nil, nil, logger, services.WithSchemas(registry))

	valid := signupWorkflow()
	broken := signupWorkflow()
	broken.Connections = append(broken.Connections, testutil.Connect("tag", "ghost"))

	var out bytes.Buffer

	err := report(&out, workflowService, []*models.Workflow{valid, broken})
	require.ErrorIs(t, err, ErrInvalidWorkflows)

	assert.Contains(t, out.String(), "Valid workflows: 1")
	assert.Contains(t, out.String(), "target step ghost does not exist")

	out.Reset()
	require.NoError(t, report(&out, workflowService, []*models.Workflow{valid}))
}
