package executor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dukex/journeys/pkg/actions"
	"github.com/dukex/journeys/pkg/actions/contact"
	"github.com/dukex/journeys/pkg/actions/email"
	logaction "github.com/dukex/journeys/pkg/actions/log"
	"github.com/dukex/journeys/pkg/contacts"
	"github.com/dukex/journeys/pkg/enrollment"
	"github.com/dukex/journeys/pkg/events"
	"github.com/dukex/journeys/pkg/executor"
	"github.com/dukex/journeys/pkg/graph"
	"github.com/dukex/journeys/pkg/lock"
	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/dukex/journeys/pkg/persistence/file"
	"github.com/dukex/journeys/pkg/testutil"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store     persistence.Persistence
	graphs    *graph.Store
	tracker   *enrollment.Tracker
	executor  *executor.Executor
	contacts  *contacts.Static
	publisher *testutil.RecordingPublisher
	clock     *clockwork.FakeClock
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	actions  executor.ActionExecutor
	config   executor.Config
	contacts func(f *fixture) contacts.Provider
	store    func(store persistence.Persistence) persistence.Persistence
}

func withActions(a executor.ActionExecutor) fixtureOption {
	return func(c *fixtureConfig) {
		c.actions = a
	}
}

func withContacts(provider func(f *fixture) contacts.Provider) fixtureOption {
	return func(c *fixtureConfig) {
		c.contacts = provider
	}
}

// withStore wraps the persistence handed to the executor.
func withStore(wrap func(store persistence.Persistence) persistence.Persistence) fixtureOption {
	return func(c *fixtureConfig) {
		c.store = wrap
	}
}

func withConfig(config executor.Config) fixtureOption {
	return func(c *fixtureConfig) {
		c.config = config
	}
}

func setup(t *testing.T, workflow *models.Workflow, opts ...fixtureOption) *fixture {
	t.Helper()

	store := file.NewPersistence(t.TempDir())
	require.NoError(t, store.WorkflowRepository().Save(context.Background(), workflow))

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	publisher := &testutil.RecordingPublisher{}
	people := contacts.NewStatic(map[string]map[string]any{
		"c-1": {"email": "ada@example.com", "plan": "pro"},
	})

	registry := actions.NewRegistry(testutil.Logger())
	registry.Register(
		contact.NewTagAction(people),
		contact.NewUpdateFieldAction(people),
		email.NewAction(publisher),
		logaction.NewAction(),
	)

	cfg := &fixtureConfig{actions: registry, config: executor.DefaultConfig()}
	for _, opt := range opts {
		opt(cfg)
	}

	graphs := graph.NewStore(store.WorkflowRepository(), testutil.Logger())
	tracker := enrollment.NewTracker(graphs, store.EnrollmentRepository(), testutil.Logger(),
		enrollment.WithClock(clock),
		enrollment.WithPublisher(publisher),
	)

	f := &fixture{
		store:     store,
		graphs:    graphs,
		tracker:   tracker,
		contacts:  people,
		publisher: publisher,
		clock:     clock,
	}

	var provider contacts.Provider = people
	if cfg.contacts != nil {
		provider = cfg.contacts(f)
	}

	var executorStore persistence.Persistence = store
	if cfg.store != nil {
		executorStore = cfg.store(store)
	}

	f.executor = executor.NewExecutor(graphs, executorStore, tracker, cfg.actions, lock.NewLocal(), testutil.Logger(),
		executor.WithClock(clock),
		executor.WithConfig(cfg.config),
		executor.WithContacts(provider),
		executor.WithPublisher(publisher),
	)

	return f
}

func (f *fixture) enroll(t *testing.T, workflowID string, metadata map[string]any) *models.Enrollment {
	t.Helper()

	enrolled, err := f.tracker.Enroll(context.Background(), workflowID, "c-1", metadata)
	require.NoError(t, err)

	return enrolled
}

func (f *fixture) tick(t *testing.T, enrollmentID string) *executor.TickResult {
	t.Helper()

	result, err := f.executor.Tick(context.Background(), enrollmentID)
	require.NoError(t, err)

	return result
}

func (f *fixture) history(t *testing.T, enrollmentID string) []*models.StepExecution {
	t.Helper()

	history, err := f.store.ExecutionLogRepository().History(context.Background(), enrollmentID)
	require.NoError(t, err)

	return history
}

func stepIDs(history []*models.StepExecution) []string {
	ids := make([]string, 0, len(history))
	for _, entry := range history {
		ids = append(ids, entry.StepID)
	}

	return ids
}

func logStep(id string) *models.Step {
	return testutil.ActionStep(id, models.ActionTypeLog, map[string]any{"message": "visited " + id})
}

// flakyActions fails the first failures calls and succeeds afterwards.
type flakyActions struct {
	mu       sync.Mutex
	failures int
	calls    int
	err      error
}

func (a *flakyActions) Execute(_ context.Context, _ actions.Request) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls++
	if a.calls <= a.failures {
		return nil, a.err
	}

	return map[string]any{"delivered": true}, nil
}

func (a *flakyActions) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.calls
}

// actionFunc adapts a function to executor.ActionExecutor.
type actionFunc func(ctx context.Context, req actions.Request) (map[string]any, error)

func (f actionFunc) Execute(ctx context.Context, req actions.Request) (map[string]any, error) {
	return f(ctx, req)
}

func conditionWorkflow() *models.Workflow {
	return testutil.CreateTestWorkflow(
		testutil.WithSteps(
			testutil.TriggerStep("start", "form.submitted"),
			testutil.ConditionStep("is-pro", map[string]any{
				"field": "contact.plan", "operator": "equals", "value": "pro",
			}),
			logStep("pro"),
			logStep("free"),
		),
		testutil.WithConnections(
			testutil.Connect("start", "is-pro"),
			testutil.ConnectHandle("is-pro", "pro", models.HandleTrue),
			testutil.ConnectHandle("is-pro", "free", models.HandleFalse),
		),
	)
}

func TestExecutor_ConditionRoutesTrueBranch(t *testing.T) {
	workflow := conditionWorkflow()
	f := setup(t, workflow)
	enrolled := f.enroll(t, workflow.ID, nil)

	result := f.tick(t, enrolled.ID)

	assert.Equal(t, models.EnrollmentStatusCompleted, result.Status)
	assert.Equal(t, "pro", result.CurrentStepID)
	assert.Equal(t, 3, result.StepsExecuted)

	history := f.history(t, enrolled.ID)
	assert.Equal(t, []string{"start", "is-pro", "pro"}, stepIDs(history))
	assert.Equal(t, models.StepOutcomeConditionResult, history[1].Outcome)
	assert.Equal(t, models.HandleTrue, history[1].Handle)

	assert.Len(t, f.publisher.Events(events.EnrollmentCompletedEvent), 1)
}

func TestExecutor_ConditionRoutesFalseBranch(t *testing.T) {
	workflow := conditionWorkflow()
	f := setup(t, workflow)
	require.NoError(t, f.contacts.SetFields(context.Background(), "c-1", map[string]any{"plan": "free"}))

	enrolled := f.enroll(t, workflow.ID, nil)
	result := f.tick(t, enrolled.ID)

	assert.Equal(t, models.EnrollmentStatusCompleted, result.Status)
	assert.Equal(t, "free", result.CurrentStepID)
	assert.Equal(t, models.HandleFalse, f.history(t, enrolled.ID)[1].Handle)
}

func TestExecutor_ConditionWithoutMatchingConnectionIsDeadEnd(t *testing.T) {
	workflow := testutil.CreateTestWorkflow(
		testutil.WithSteps(
			testutil.TriggerStep("start", "form.submitted"),
			testutil.ConditionStep("is-pro", map[string]any{
				"field": "contact.plan", "operator": "equals", "value": "enterprise",
			}),
			logStep("pro"),
		),
		testutil.WithConnections(
			testutil.Connect("start", "is-pro"),
			testutil.ConnectHandle("is-pro", "pro", models.HandleTrue),
		),
	)
	f := setup(t, workflow)
	enrolled := f.enroll(t, workflow.ID, nil)

	result := f.tick(t, enrolled.ID)

	assert.Equal(t, models.EnrollmentStatusExited, result.Status)
	assert.Equal(t, models.ExitReasonDeadEnd, result.ExitReason)
	assert.Equal(t, "is-pro", result.CurrentStepID)
	assert.NoError(t, result.Err)
}

func TestExecutor_BranchesPickFirstMatch(t *testing.T) {
	router := &models.Step{
		ID:   "route",
		Type: models.StepTypeCondition,
		Config: map[string]any{"branches": []any{
			map[string]any{"handle": "gold", "conditions": map[string]any{"field": "metadata.spend", "operator": "greater_than", "value": 1000}},
			map[string]any{"handle": "silver", "conditions": map[string]any{"field": "metadata.spend", "operator": "greater_than", "value": 100}},
		}},
	}

	workflow := testutil.CreateTestWorkflow(
		testutil.WithSteps(testutil.TriggerStep("start", "order.placed"), router, logStep("gold"), logStep("silver"), logStep("other")),
		testutil.WithConnections(
			testutil.Connect("start", "route"),
			testutil.ConnectHandle("route", "gold", "gold"),
			testutil.ConnectHandle("route", "silver", "silver"),
			testutil.ConnectHandle("route", "other", models.HandleDefault),
		),
	)

	tests := []struct {
		spend float64
		want  string
	}{
		{spend: 5000, want: "gold"},
		{spend: 500, want: "silver"},
		{spend: 5, want: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			f := setup(t, workflow)
			enrolled := f.enroll(t, workflow.ID, map[string]any{"spend": tt.spend})

			result := f.tick(t, enrolled.ID)

			assert.Equal(t, models.EnrollmentStatusCompleted, result.Status)
			assert.Equal(t, tt.want, result.CurrentStepID)
		})
	}
}

func TestExecutor_DelayHoldsUntilElapsed(t *testing.T) {
	workflow := testutil.CreateTestWorkflow(
		testutil.WithSteps(testutil.TriggerStep("start", "form.submitted"), testutil.DelayStep("wait", 60), logStep("after")),
		testutil.WithConnections(testutil.Connect("start", "wait"), testutil.Connect("wait", "after")),
	)
	f := setup(t, workflow)
	enrolled := f.enroll(t, workflow.ID, nil)
	enteredWait := f.clock.Now()

	result := f.tick(t, enrolled.ID)
	assert.Equal(t, models.EnrollmentStatusActive, result.Status)
	assert.Equal(t, "wait", result.CurrentStepID)
	require.NotNil(t, result.NextRunAt)
	assert.True(t, result.NextRunAt.Equal(enteredWait.Add(time.Minute)))

	f.clock.Advance(59 * time.Second)

	early := f.tick(t, enrolled.ID)
	assert.True(t, early.Skipped)
	assert.Equal(t, "wait", early.CurrentStepID)

	f.clock.Advance(time.Second)

	result = f.tick(t, enrolled.ID)
	assert.Equal(t, models.EnrollmentStatusCompleted, result.Status)
	assert.Equal(t, "after", result.CurrentStepID)

	history := f.history(t, enrolled.ID)
	assert.Equal(t, []string{"start", "wait", "wait", "after"}, stepIDs(history))
	assert.Equal(t, models.StepOutcomeDelayScheduled, history[1].Outcome)
	assert.Equal(t, models.StepOutcomeSucceeded, history[2].Outcome)
}

func TestExecutor_DelayMeasuredFromStepEntry(t *testing.T) {
	ctx := context.Background()
	workflow := testutil.CreateTestWorkflow(
		testutil.WithSteps(testutil.TriggerStep("start", "form.submitted"), testutil.DelayStep("wait", 60), logStep("after")),
		testutil.WithConnections(testutil.Connect("start", "wait"), testutil.Connect("wait", "after")),
	)
	f := setup(t, workflow)
	enrolled := f.enroll(t, workflow.ID, nil)
	target := f.clock.Now().Add(time.Minute)

	f.tick(t, enrolled.ID)

	// Resuming clears NextRunAt, so the enrollment is due before the delay elapsed.
	_, err := f.tracker.Pause(ctx, enrolled.ID)
	require.NoError(t, err)
	_, err = f.tracker.Resume(ctx, enrolled.ID)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)

	result := f.tick(t, enrolled.ID)
	assert.Equal(t, "wait", result.CurrentStepID)
	assert.Equal(t, models.EnrollmentStatusActive, result.Status)
	require.NotNil(t, result.NextRunAt)
	assert.True(t, result.NextRunAt.Equal(target))

	f.clock.Advance(30 * time.Second)

	result = f.tick(t, enrolled.ID)
	assert.Equal(t, models.EnrollmentStatusCompleted, result.Status)
}

func TestExecutor_LoopGuard(t *testing.T) {
	workflow := testutil.CreateTestWorkflow(
		testutil.WithSteps(testutil.TriggerStep("start", "form.submitted"), logStep("a"), logStep("b")),
		testutil.WithConnections(
			testutil.Connect("start", "a"),
			testutil.Connect("a", "b"),
			testutil.Connect("b", "a"),
		),
		testutil.WithSettings(models.WorkflowSettings{LoopGuard: 3}),
	)
	f := setup(t, workflow)
	enrolled := f.enroll(t, workflow.ID, nil)

	result := f.tick(t, enrolled.ID)

	assert.Equal(t, models.EnrollmentStatusExited, result.Status)
	assert.Equal(t, models.ExitReasonLoopDetected, result.ExitReason)
	assert.ErrorIs(t, result.Err, models.ErrLoopDetected)

	visits := 0

	for _, entry := range f.history(t, enrolled.ID) {
		if entry.StepID == "a" {
			visits++
		}
	}

	assert.Equal(t, 3, visits)
	assert.Len(t, f.publisher.Events(events.EnrollmentFailedEvent), 1)
}

func TestExecutor_ConditionLoopingOnItselfExitsAtGuard(t *testing.T) {
	workflow := testutil.CreateTestWorkflow(
		testutil.WithSteps(
			testutil.TriggerStep("start", "form.submitted"),
			testutil.ConditionStep("is-enterprise", map[string]any{
				"field": "contact.plan", "operator": "equals", "value": "enterprise",
			}),
			logStep("upgrade"),
		),
		testutil.WithConnections(
			testutil.Connect("start", "is-enterprise"),
			testutil.ConnectHandle("is-enterprise", "upgrade", models.HandleTrue),
			testutil.ConnectHandle("is-enterprise", "is-enterprise", models.HandleFalse),
		),
		testutil.WithSettings(models.WorkflowSettings{LoopGuard: 4}),
	)
	f := setup(t, workflow)
	enrolled := f.enroll(t, workflow.ID, nil)

	result := f.tick(t, enrolled.ID)

	assert.Equal(t, models.EnrollmentStatusExited, result.Status)
	assert.Equal(t, models.ExitReasonLoopDetected, result.ExitReason)
	assert.Equal(t, "is-enterprise", result.CurrentStepID)

	var checks []*models.StepExecution

	for _, entry := range f.history(t, enrolled.ID) {
		if entry.StepID == "is-enterprise" {
			checks = append(checks, entry)
		}
	}

	require.Len(t, checks, 4)

	for _, check := range checks {
		assert.Equal(t, models.StepOutcomeConditionResult, check.Outcome)
		assert.Equal(t, models.HandleFalse, check.Handle)
	}

	assert.NotContains(t, stepIDs(f.history(t, enrolled.ID)), "upgrade")
}

func TestExecutor_CascadeLimitContinuesNextPass(t *testing.T) {
	workflow := testutil.CreateTestWorkflow(
		testutil.WithSteps(testutil.TriggerStep("start", "form.submitted"), logStep("one"), logStep("two"), logStep("three")),
		testutil.WithConnections(
			testutil.Connect("start", "one"),
			testutil.Connect("one", "two"),
			testutil.Connect("two", "three"),
		),
	)

	config := executor.DefaultConfig()
	config.MaxCascadeSteps = 2

	f := setup(t, workflow, withConfig(config))
	enrolled := f.enroll(t, workflow.ID, nil)

	result := f.tick(t, enrolled.ID)
	assert.Equal(t, 2, result.StepsExecuted)
	assert.Equal(t, models.EnrollmentStatusActive, result.Status)
	assert.Equal(t, "two", result.CurrentStepID)

	due, err := f.store.EnrollmentRepository().ListDue(context.Background(), f.clock.Now(), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)

	result = f.tick(t, enrolled.ID)
	assert.Equal(t, models.EnrollmentStatusCompleted, result.Status)
	assert.Equal(t, "three", result.CurrentStepID)
}

func retryWorkflow() *models.Workflow {
	return testutil.CreateTestWorkflow(
		testutil.WithSteps(
			testutil.TriggerStep("start", "form.submitted"),
			testutil.ActionStep("notify", models.ActionTypeWebhook, map[string]any{"url": "http://crm.invalid/hook"}),
		),
		testutil.WithConnections(testutil.Connect("start", "notify")),
	)
}

func TestExecutor_ActionRetriesWithBackoff(t *testing.T) {
	workflow := retryWorkflow()
	failing := &flakyActions{failures: 10, err: errors.New("connection refused")}
	f := setup(t, workflow, withActions(failing))
	enrolled := f.enroll(t, workflow.ID, nil)
	start := f.clock.Now()

	result := f.tick(t, enrolled.ID)
	assert.Equal(t, models.EnrollmentStatusActive, result.Status)
	assert.Equal(t, "notify", result.CurrentStepID)
	require.NotNil(t, result.NextRunAt)
	assert.True(t, result.NextRunAt.Equal(start.Add(time.Minute)))

	assert.True(t, f.tick(t, enrolled.ID).Skipped)

	f.clock.Advance(time.Minute)

	result = f.tick(t, enrolled.ID)
	assert.Equal(t, models.EnrollmentStatusActive, result.Status)
	require.NotNil(t, result.NextRunAt)
	assert.True(t, result.NextRunAt.Equal(start.Add(3*time.Minute)))

	f.clock.Advance(2 * time.Minute)

	result = f.tick(t, enrolled.ID)
	assert.Equal(t, models.EnrollmentStatusExited, result.Status)
	assert.Equal(t, models.ExitReasonActionFailed, result.ExitReason)
	assert.ErrorIs(t, result.Err, models.ErrActionExecution)
	assert.Equal(t, 3, failing.Calls())

	var attempts []int

	for _, entry := range f.history(t, enrolled.ID) {
		if entry.StepID == "notify" {
			assert.Equal(t, models.StepOutcomeFailed, entry.Outcome)
			assert.Contains(t, entry.Error, "connection refused")

			attempts = append(attempts, entry.Attempt)
		}
	}

	assert.Equal(t, []int{1, 2, 3}, attempts)

	failed := f.publisher.Events(events.EnrollmentFailedEvent)
	require.Len(t, failed, 1)
	assert.Equal(t, models.ExitReasonActionFailed, failed[0].(events.EnrollmentFailed).Reason)
}

func TestExecutor_ActionRecoversOnRetry(t *testing.T) {
	workflow := retryWorkflow()
	flaky := &flakyActions{failures: 1, err: errors.New("timeout")}
	f := setup(t, workflow, withActions(flaky))
	enrolled := f.enroll(t, workflow.ID, nil)

	f.tick(t, enrolled.ID)
	f.clock.Advance(time.Minute)

	result := f.tick(t, enrolled.ID)
	assert.Equal(t, models.EnrollmentStatusCompleted, result.Status)

	stored, err := f.tracker.Get(context.Background(), enrolled.ID)
	require.NoError(t, err)
	assert.Equal(t, true, stored.Metadata["delivered"])
}

func TestExecutor_PermanentActionErrorIsNotRetried(t *testing.T) {
	workflow := testutil.CreateTestWorkflow(
		testutil.WithSteps(
			testutil.TriggerStep("start", "form.submitted"),
			testutil.ActionStep("mystery", models.ActionType("fax"), nil),
		),
		testutil.WithConnections(testutil.Connect("start", "mystery")),
	)
	f := setup(t, workflow)
	enrolled := f.enroll(t, workflow.ID, nil)

	result := f.tick(t, enrolled.ID)

	assert.Equal(t, models.EnrollmentStatusExited, result.Status)
	assert.Equal(t, models.ExitReasonActionFailed, result.ExitReason)
	assert.ErrorIs(t, result.Err, actions.ErrUnknownAction)
}

func TestExecutor_DanglingConnectionIsGraphError(t *testing.T) {
	workflow := testutil.CreateTestWorkflow(
		testutil.WithSteps(testutil.TriggerStep("start", "form.submitted"), logStep("one")),
		testutil.WithConnections(testutil.Connect("start", "one"), testutil.Connect("one", "ghost")),
	)
	f := setup(t, workflow)
	enrolled := f.enroll(t, workflow.ID, nil)

	result, err := f.executor.Tick(context.Background(), enrolled.ID)

	var integrity *models.GraphIntegrityError

	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, "ghost", integrity.StepID)
	assert.Equal(t, models.EnrollmentStatusExited, result.Status)
	assert.Equal(t, models.ExitReasonGraphError, result.ExitReason)
	assert.Len(t, f.publisher.Events(events.EnrollmentFailedEvent), 1)
}

func TestExecutor_ArchivedWorkflow(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		policy     models.ArchivePolicy
		wantStatus models.EnrollmentStatus
		wantStep   string
	}{
		{policy: models.ArchivePolicyFreeze, wantStatus: models.EnrollmentStatusActive, wantStep: "start"},
		{policy: models.ArchivePolicyExit, wantStatus: models.EnrollmentStatusExited, wantStep: "start"},
		{policy: models.ArchivePolicyContinue, wantStatus: models.EnrollmentStatusCompleted, wantStep: "one"},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			workflow := testutil.CreateTestWorkflow(
				testutil.WithSteps(testutil.TriggerStep("start", "form.submitted"), logStep("one")),
				testutil.WithConnections(testutil.Connect("start", "one")),
				testutil.WithSettings(models.WorkflowSettings{ArchivePolicy: tt.policy}),
			)
			f := setup(t, workflow)
			enrolled := f.enroll(t, workflow.ID, nil)

			workflow.Status = models.WorkflowStatusArchived
			require.NoError(t, f.store.WorkflowRepository().Save(ctx, workflow))

			result := f.tick(t, enrolled.ID)

			assert.Equal(t, tt.wantStatus, result.Status)
			assert.Equal(t, tt.wantStep, result.CurrentStepID)

			if tt.policy == models.ArchivePolicyExit {
				assert.Equal(t, models.ExitReasonWorkflowArchived, result.ExitReason)
			}

			if tt.policy == models.ArchivePolicyFreeze {
				assert.True(t, result.Skipped)
				assert.Empty(t, f.history(t, enrolled.ID))

				require.NotNil(t, result.NextRunAt)
				assert.Equal(t, f.clock.Now().Add(time.Hour), *result.NextRunAt)
			}
		})
	}
}

// conflictingEnrollments fails updates with a version conflict while armed.
type conflictingEnrollments struct {
	persistence.EnrollmentRepository
	armed bool
}

func (r *conflictingEnrollments) Update(ctx context.Context, e *models.Enrollment) error {
	if r.armed {
		return persistence.NewEnrollmentError("Update", e.ID, persistence.ErrVersionConflict)
	}

	return r.EnrollmentRepository.Update(ctx, e)
}

type wrappedStore struct {
	persistence.Persistence
	enrollments persistence.EnrollmentRepository
}

func (s wrappedStore) EnrollmentRepository() persistence.EnrollmentRepository {
	return s.enrollments
}

func TestExecutor_ArchiveExitLosingVersionRaceIsAborted(t *testing.T) {
	ctx := context.Background()
	workflow := testutil.CreateTestWorkflow(
		testutil.WithSteps(testutil.TriggerStep("start", "form.submitted"), logStep("one")),
		testutil.WithConnections(testutil.Connect("start", "one")),
		testutil.WithSettings(models.WorkflowSettings{ArchivePolicy: models.ArchivePolicyExit}),
	)

	var conflicting *conflictingEnrollments

	f := setup(t, workflow, withStore(func(store persistence.Persistence) persistence.Persistence {
		conflicting = &conflictingEnrollments{EnrollmentRepository: store.EnrollmentRepository()}

		return wrappedStore{Persistence: store, enrollments: conflicting}
	}))
	enrolled := f.enroll(t, workflow.ID, nil)

	workflow.Status = models.WorkflowStatusArchived
	require.NoError(t, f.store.WorkflowRepository().Save(ctx, workflow))

	conflicting.armed = true

	result, err := f.executor.Tick(ctx, enrolled.ID)
	require.NoError(t, err)
	assert.True(t, result.Aborted)
	assert.Equal(t, models.EnrollmentStatusActive, result.Status)
	assert.Empty(t, f.publisher.Events(events.EnrollmentExitedEvent))
}

// failingContacts cannot resolve any contact.
type failingContacts struct{}

func (failingContacts) Attributes(context.Context, string) (map[string]any, error) {
	return nil, errors.New("contact store unavailable")
}

func TestExecutor_FailedTickPostponesEnrollment(t *testing.T) {
	workflow := conditionWorkflow()
	f := setup(t, workflow, withContacts(func(*fixture) contacts.Provider { return failingContacts{} }))
	enrolled := f.enroll(t, workflow.ID, nil)

	result, err := f.executor.Tick(context.Background(), enrolled.ID)
	require.Error(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, result.Status)

	require.NotNil(t, result.NextRunAt)
	assert.Equal(t, f.clock.Now().Add(time.Minute), *result.NextRunAt)

	stored, err := f.tracker.Get(context.Background(), enrolled.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsDue(f.clock.Now()))
	assert.True(t, stored.IsDue(f.clock.Now().Add(time.Minute)))
}

func TestExecutor_ExitDuringTickWins(t *testing.T) {
	workflow := testutil.CreateTestWorkflow(
		testutil.WithSteps(
			testutil.TriggerStep("start", "form.submitted"),
			testutil.ActionStep("notify", models.ActionTypeWebhook, map[string]any{"url": "http://crm.invalid/hook"}),
			logStep("after"),
		),
		testutil.WithConnections(testutil.Connect("start", "notify"), testutil.Connect("notify", "after")),
	)

	var f *fixture

	// The operator exits the enrollment while its action is in flight.
	racing := actionFunc(func(ctx context.Context, req actions.Request) (map[string]any, error) {
		_, err := f.tracker.Exit(ctx, req.Enrollment.ID, models.ExitReasonManual)
		require.NoError(t, err)

		return nil, nil
	})

	f = setup(t, workflow, withActions(racing))
	enrolled := f.enroll(t, workflow.ID, nil)

	result := f.tick(t, enrolled.ID)
	assert.True(t, result.Aborted)

	stored, err := f.tracker.Get(context.Background(), enrolled.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusExited, stored.Status)
	assert.Equal(t, models.ExitReasonManual, stored.ExitReason)
	assert.Equal(t, "notify", stored.CurrentStepID)

	assert.NotContains(t, stepIDs(f.history(t, enrolled.ID)), "after")
	assert.Empty(t, f.publisher.Events(events.EnrollmentCompletedEvent))
}

// exitingContacts exits the enrollment while the contact is being loaded,
// right before the action side effect.
type exitingContacts struct {
	f          *fixture
	workflowID string
}

func (p exitingContacts) Attributes(ctx context.Context, contactID string) (map[string]any, error) {
	enrollments, err := p.f.store.EnrollmentRepository().ListByContact(ctx, p.workflowID, contactID)
	if err != nil {
		return nil, err
	}

	for _, e := range enrollments {
		if e.IsActive() {
			if _, err := p.f.tracker.Exit(ctx, e.ID, models.ExitReasonManual); err != nil {
				return nil, err
			}
		}
	}

	return map[string]any{}, nil
}

func TestExecutor_ActionSkippedAfterExit(t *testing.T) {
	workflow := testutil.CreateTestWorkflow(
		testutil.WithSteps(
			testutil.TriggerStep("start", "form.submitted"),
			logStep("notify"),
		),
		testutil.WithConnections(testutil.Connect("start", "notify")),
	)

	calls := 0
	counting := actionFunc(func(context.Context, actions.Request) (map[string]any, error) {
		calls++

		return nil, nil
	})

	f := setup(t, workflow,
		withActions(counting),
		withContacts(func(f *fixture) contacts.Provider { return exitingContacts{f: f, workflowID: workflow.ID} }),
	)
	enrolled := f.enroll(t, workflow.ID, nil)

	result := f.tick(t, enrolled.ID)
	assert.True(t, result.Aborted)
	assert.Equal(t, models.EnrollmentStatusExited, result.Status)
	assert.Zero(t, calls)

	history := f.history(t, enrolled.ID)
	require.Len(t, history, 2)
	assert.Equal(t, "notify", history[1].StepID)
	assert.Equal(t, models.StepOutcomeSkipped, history[1].Outcome)
}

func TestExecutor_SkipsInactiveEnrollments(t *testing.T) {
	workflow := conditionWorkflow()
	f := setup(t, workflow)
	enrolled := f.enroll(t, workflow.ID, nil)

	_, err := f.tracker.Pause(context.Background(), enrolled.ID)
	require.NoError(t, err)

	result := f.tick(t, enrolled.ID)
	assert.True(t, result.Skipped)
	assert.Equal(t, models.EnrollmentStatusPaused, result.Status)
	assert.Empty(t, f.history(t, enrolled.ID))
}

func TestExecutor_EndToEndNurture(t *testing.T) {
	ctx := context.Background()

	workflow := testutil.CreateTestWorkflow(
		testutil.WithSteps(
			testutil.TriggerStep("signup", "form.submitted"),
			testutil.ActionStep("tag", models.ActionTypeTagContact, map[string]any{"tag": "new"}),
			testutil.DelayStep("wait", 24*60*60),
			testutil.ConditionStep("still-new", map[string]any{
				"field": "metadata.tag", "operator": "equals", "value": "new",
			}),
			testutil.ActionStep("welcome", models.ActionTypeSendEmail, map[string]any{
				"template_id": "welcome",
				"to":          "{{ .contact.email }}",
			}),
		),
		testutil.WithConnections(
			testutil.Connect("signup", "tag"),
			testutil.Connect("tag", "wait"),
			testutil.Connect("wait", "still-new"),
			testutil.ConnectHandle("still-new", "welcome", models.HandleTrue),
		),
	)
	f := setup(t, workflow)
	enrolled := f.enroll(t, workflow.ID, map[string]any{"form": "newsletter"})

	result := f.tick(t, enrolled.ID)
	assert.Equal(t, "wait", result.CurrentStepID)
	assert.Equal(t, models.EnrollmentStatusActive, result.Status)

	attributes, err := f.contacts.Attributes(ctx, "c-1")
	require.NoError(t, err)
	assert.Contains(t, attributes[contacts.TagsAttribute], "new")

	f.clock.Advance(12 * time.Hour)
	assert.True(t, f.tick(t, enrolled.ID).Skipped)
	assert.Empty(t, f.publisher.Events(events.ActionRequestedEvent))

	f.clock.Advance(12 * time.Hour)

	result = f.tick(t, enrolled.ID)
	assert.Equal(t, models.EnrollmentStatusCompleted, result.Status)
	assert.Equal(t, "welcome", result.CurrentStepID)

	requested := f.publisher.Events(events.ActionRequestedEvent)
	require.Len(t, requested, 1)

	request := requested[0].(events.ActionRequested)
	assert.Equal(t, enrolled.ID, request.EnrollmentID)
	assert.Equal(t, "ada@example.com", request.Config["to"])

	assert.Equal(t,
		[]string{"signup", "tag", "wait", "wait", "still-new", "welcome"},
		stepIDs(f.history(t, enrolled.ID)))

	stored, err := f.tracker.Get(ctx, enrolled.ID)
	require.NoError(t, err)
	assert.Equal(t, "newsletter", stored.Metadata["form"])
	assert.NotEmpty(t, stored.Metadata["last_email_request_id"])
}
