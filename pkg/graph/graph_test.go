package graph

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/dukex/journeys/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func branchingWorkflow() *models.Workflow {
	return &models.Workflow{
		ID:      "wf-branch",
		Name:    "Branching",
		Status:  models.WorkflowStatusActive,
		Version: 3,
		Steps: []*models.Step{
			{ID: "trigger", Type: models.StepTypeTrigger},
			{ID: "check", Type: models.StepTypeCondition},
			{ID: "vip", Type: models.StepTypeAction, ActionType: models.ActionTypeLog},
			{ID: "regular", Type: models.StepTypeAction, ActionType: models.ActionTypeLog},
			{ID: "fallback", Type: models.StepTypeAction, ActionType: models.ActionTypeLog},
		},
		Connections: []*models.Connection{
			{ID: "c-entry", SourceStepID: "trigger", TargetStepID: "check"},
			{
				ID: "c-vip", SourceStepID: "check", TargetStepID: "vip", SourceHandle: models.HandleTrue,
				Condition: map[string]any{"field": "plan", "operator": "equals", "value": "gold"},
			},
			{ID: "c-true", SourceStepID: "check", TargetStepID: "fallback", SourceHandle: models.HandleTrue},
			{ID: "c-false", SourceStepID: "check", TargetStepID: "regular", SourceHandle: models.HandleFalse},
		},
	}
}

func TestGraph_ResolveNext(t *testing.T) {
	g := New(branchingWorkflow(), testLogger())

	tests := []struct {
		name     string
		stepID   string
		metadata map[string]any
		handle   string
		want     string
		terminal bool
		wantErr  error
	}{
		{name: "unlabeled edge", stepID: "trigger", want: "check"},
		{name: "guard passes first", stepID: "check", handle: "true", metadata: map[string]any{"plan": "gold"}, want: "vip"},
		{name: "guard fails falls through in order", stepID: "check", handle: "true", metadata: map[string]any{"plan": "free"}, want: "fallback"},
		{name: "false branch", stepID: "check", handle: "false", want: "regular"},
		{name: "unknown handle is no route", stepID: "check", handle: "maybe", wantErr: ErrNoRoute},
		{name: "no outgoing connections is terminal", stepID: "vip", terminal: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route, err := g.ResolveNext(tt.stepID, tt.metadata, tt.handle)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)

			if tt.terminal {
				assert.True(t, route.Terminal)

				return
			}

			assert.Equal(t, tt.want, route.Target.ID)
		})
	}
}

func TestGraph_MalformedGuardIsNonMatch(t *testing.T) {
	workflow := branchingWorkflow()
	workflow.Connections[1].Condition = map[string]any{"field": "plan", "operator": "resembles"}

	g := New(workflow, testLogger())

	route, err := g.ResolveNext("check", map[string]any{"plan": "gold"}, models.HandleTrue)
	require.NoError(t, err)
	assert.Equal(t, "fallback", route.Target.ID)
}

func TestGraph_DanglingTarget(t *testing.T) {
	workflow := branchingWorkflow()
	workflow.Connections[3].TargetStepID = "deleted"

	g := New(workflow, testLogger())

	_, err := g.ResolveNext("check", nil, models.HandleFalse)
	require.ErrorIs(t, err, models.ErrGraphIntegrity)

	var integrityErr *models.GraphIntegrityError
	require.ErrorAs(t, err, &integrityErr)
	assert.Equal(t, "c-false", integrityErr.ConnectionID)
}

func TestGraph_EntryStep(t *testing.T) {
	g := New(branchingWorkflow(), testLogger())

	entry, err := g.EntryStep()
	require.NoError(t, err)
	assert.Equal(t, "trigger", entry.ID)

	explicit := branchingWorkflow()
	explicit.EntryStepID = "check"

	entry, err = New(explicit, testLogger()).EntryStep()
	require.NoError(t, err)
	assert.Equal(t, "check", entry.ID)

	twoTriggers := branchingWorkflow()
	twoTriggers.Steps = append(twoTriggers.Steps, &models.Step{ID: "trigger-2", Type: models.StepTypeTrigger})

	_, err = New(twoTriggers, testLogger()).EntryStep()
	assert.ErrorIs(t, err, models.ErrNoEntryStep)

	missing := branchingWorkflow()
	missing.EntryStepID = "nope"

	_, err = New(missing, testLogger()).EntryStep()
	assert.ErrorIs(t, err, models.ErrGraphIntegrity)
}

func TestGraph_SnapshotIsIsolatedFromEdits(t *testing.T) {
	workflow := branchingWorkflow()
	g := New(workflow, testLogger())

	workflow.Steps[2].ActionType = models.ActionTypeWebhook
	workflow.Connections[3].TargetStepID = "elsewhere"

	step, ok := g.Step("vip")
	require.True(t, ok)
	assert.Equal(t, models.ActionTypeLog, step.ActionType)

	route, err := g.ResolveNext("check", nil, models.HandleFalse)
	require.NoError(t, err)
	assert.Equal(t, "regular", route.Target.ID)
}

func TestGraph_LoopGuard(t *testing.T) {
	workflow := branchingWorkflow()
	assert.Equal(t, 5, New(workflow, testLogger()).LoopGuard(5))

	workflow.Settings.LoopGuard = 2
	assert.Equal(t, 2, New(workflow, testLogger()).LoopGuard(5))
}

// countingRepository counts full workflow reads.
type countingRepository struct {
	persistence.WorkflowRepository
	reads int
}

func (r *countingRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	r.reads++

	return r.WorkflowRepository.GetByID(ctx, id)
}

func TestStore_CachesAndInvalidates(t *testing.T) {
	ctx := context.Background()
	repo := &countingRepository{WorkflowRepository: file.NewWorkflowRepository(t.TempDir())}
	store := NewStore(repo, testLogger())

	workflow := branchingWorkflow()
	workflow.Version = 0
	require.NoError(t, repo.Save(ctx, workflow))

	first, err := store.Load(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)

	cached, err := store.Load(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Same(t, first, cached)
	assert.Equal(t, 1, repo.reads)

	store.Invalidate(workflow.ID)

	reloaded, err := store.Load(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Version)
	assert.Equal(t, 2, repo.reads)

	_, err = store.Load(ctx, "missing")
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func TestStore_SeesUnannouncedChanges(t *testing.T) {
	ctx := context.Background()
	repo := file.NewWorkflowRepository(t.TempDir())
	store := NewStore(repo, testLogger())

	workflow := branchingWorkflow()
	workflow.Version = 0
	workflow.Settings.ArchivePolicy = models.ArchivePolicyContinue
	require.NoError(t, repo.Save(ctx, workflow))

	first, err := store.Load(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusActive, first.Status)

	// Another process archives the workflow; this store is never told.
	workflow.Status = models.WorkflowStatusArchived
	workflow.Settings.ArchivePolicy = models.ArchivePolicyFreeze
	require.NoError(t, repo.Save(ctx, workflow))

	fresh, err := store.Load(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.Version)
	assert.Equal(t, models.WorkflowStatusArchived, fresh.Status)
	assert.Equal(t, models.ArchivePolicyFreeze, fresh.Settings.ArchivePolicyOrDefault())

	require.NoError(t, repo.Delete(ctx, workflow.ID))

	_, err = store.Load(ctx, workflow.ID)
	assert.True(t, persistence.IsWorkflowNotFound(err))
}
