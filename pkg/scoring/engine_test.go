package scoring_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dukex/journeys/pkg/events"
	"github.com/dukex/journeys/pkg/lock"
	"github.com/dukex/journeys/pkg/mocks"
	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence/file"
	"github.com/dukex/journeys/pkg/scoring"
	"github.com/dukex/journeys/pkg/testutil"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int {
	return &v
}

func setup(t *testing.T, thresholds ...int) (*scoring.Engine, *file.ScoringRepository, *clockwork.FakeClock, *testutil.RecordingPublisher) {
	t.Helper()

	repo := file.NewScoringRepository(t.TempDir())
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	publisher := &testutil.RecordingPublisher{}

	engine := scoring.NewEngine(repo, lock.NewLocal(), testutil.Logger(),
		scoring.WithClock(clock),
		scoring.WithPublisher(publisher),
		scoring.WithThresholds(thresholds...),
	)

	return engine, repo, clock, publisher
}

func TestEngine_NoRulesIsNoop(t *testing.T) {
	engine, _, _, publisher := setup(t)

	result, err := engine.ApplyEvent(context.Background(), "c-1", "page.visited", nil)
	require.NoError(t, err)

	assert.Empty(t, result.Granted)
	assert.Equal(t, 0, result.Score)
	assert.Empty(t, publisher.Events())
}

func TestEngine_MaxOccurrencesCapsGrants(t *testing.T) {
	ctx := context.Background()
	engine, repo, _, publisher := setup(t)

	require.NoError(t, repo.SaveRule(ctx, &models.ScoringRule{
		ID:             "pricing-visit",
		EventType:      "page.visited",
		Conditions:     map[string]any{"field": "path", "operator": "equals", "value": "/pricing"},
		Points:         10,
		MaxOccurrences: 2,
		Active:         true,
	}))

	payload := map[string]any{"path": "/pricing"}

	for range 3 {
		_, err := engine.ApplyEvent(ctx, "c-1", "page.visited", payload)
		require.NoError(t, err)
	}

	history, err := repo.History(ctx, "c-1")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	score, err := engine.Score(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 20, score)

	assert.Len(t, publisher.Events(events.ScoreChangedEvent), 2)
}

func TestEngine_ConditionsFilterPayload(t *testing.T) {
	ctx := context.Background()
	engine, repo, _, _ := setup(t)

	require.NoError(t, repo.SaveRule(ctx, &models.ScoringRule{
		ID:         "pricing-visit",
		EventType:  "page.visited",
		Conditions: map[string]any{"field": "path", "operator": "equals", "value": "/pricing"},
		Points:     10,
		Active:     true,
	}))

	result, err := engine.ApplyEvent(ctx, "c-1", "page.visited", map[string]any{"path": "/blog"})
	require.NoError(t, err)
	assert.Empty(t, result.Granted)
}

func TestEngine_ExpiredGrantsLeaveScoreAndFreeOccurrences(t *testing.T) {
	ctx := context.Background()
	engine, repo, clock, _ := setup(t)

	require.NoError(t, repo.SaveRule(ctx, &models.ScoringRule{
		ID:               "email-click",
		EventType:        "email.clicked",
		Points:           5,
		ExpiresAfterDays: intPtr(30),
		MaxOccurrences:   1,
		Active:           true,
	}))

	result, err := engine.ApplyEvent(ctx, "c-1", "email.clicked", nil)
	require.NoError(t, err)
	require.Len(t, result.Granted, 1)
	assert.Equal(t, 5, result.Score)

	result, err = engine.ApplyEvent(ctx, "c-1", "email.clicked", nil)
	require.NoError(t, err)
	assert.Empty(t, result.Granted)
	assert.Equal(t, []string{"email-click"}, result.Skipped)

	clock.Advance(31 * 24 * time.Hour)

	score, err := engine.Score(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 0, score)

	result, err = engine.ApplyEvent(ctx, "c-1", "email.clicked", nil)
	require.NoError(t, err)
	assert.Len(t, result.Granted, 1)
	assert.Equal(t, 0, result.PreviousScore)
	assert.Equal(t, 5, result.Score)
}

func TestEngine_MalformedRuleIsSkipped(t *testing.T) {
	ctx := context.Background()
	engine, repo, _, _ := setup(t)

	require.NoError(t, repo.SaveRule(ctx, &models.ScoringRule{
		ID:         "broken",
		EventType:  "form.submitted",
		Conditions: map[string]any{"field": "plan", "operator": "resembles", "value": "pro"},
		Points:     50,
		Active:     true,
	}))
	require.NoError(t, repo.SaveRule(ctx, &models.ScoringRule{
		ID:        "any-form",
		EventType: "form.submitted",
		Points:    15,
		Active:    true,
	}))

	result, err := engine.ApplyEvent(ctx, "c-1", "form.submitted", map[string]any{"plan": "pro"})
	require.NoError(t, err)

	require.Len(t, result.Granted, 1)
	assert.Equal(t, "any-form", result.Granted[0].RuleID)
	assert.Equal(t, 15, result.Score)
}

func TestEngine_ThresholdSignals(t *testing.T) {
	ctx := context.Background()
	engine, repo, _, publisher := setup(t, 50, 20)

	require.NoError(t, repo.SaveRule(ctx, &models.ScoringRule{
		ID: "demo", EventType: "demo.requested", Points: 30, Active: true,
	}))
	require.NoError(t, repo.SaveRule(ctx, &models.ScoringRule{
		ID: "unsubscribe", EventType: "email.unsubscribed", Points: -40, Active: true,
	}))

	_, err := engine.ApplyEvent(ctx, "c-1", "demo.requested", nil)
	require.NoError(t, err)

	result, err := engine.ApplyEvent(ctx, "c-1", "demo.requested", nil)
	require.NoError(t, err)
	require.Len(t, result.Crossings, 1)
	assert.Equal(t, 50, result.Crossings[0].Threshold)
	assert.Equal(t, events.DirectionUp, result.Crossings[0].Direction)

	result, err = engine.ApplyEvent(ctx, "c-1", "email.unsubscribed", nil)
	require.NoError(t, err)
	assert.Equal(t, 20, result.Score)
	require.Len(t, result.Crossings, 1)
	assert.Equal(t, 50, result.Crossings[0].Threshold)
	assert.Equal(t, events.DirectionDown, result.Crossings[0].Direction)

	crossed := publisher.Events(events.ScoreThresholdCrossedEvent)
	require.Len(t, crossed, 3)

	first := crossed[0].(events.ScoreThresholdCrossed)
	assert.Equal(t, 20, first.Threshold)
	assert.Equal(t, "c-1", first.ContactID)
}

func TestEngine_ConcurrentEventsRespectCap(t *testing.T) {
	ctx := context.Background()
	engine, repo, _, _ := setup(t)

	require.NoError(t, repo.SaveRule(ctx, &models.ScoringRule{
		ID: "visit", EventType: "page.visited", Points: 1, MaxOccurrences: 3, Active: true,
	}))

	var wg sync.WaitGroup

	for range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := engine.ApplyEvent(ctx, "c-1", "page.visited", nil)
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	score, err := engine.Score(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 3, score)
}

func TestEngine_RepositoryErrors(t *testing.T) {
	repo := &mocks.MockScoringRepository{}
	repo.On("ActiveRules", mock.Anything, "page.visited").Return(nil, errors.New("connection refused"))

	engine := scoring.NewEngine(repo, lock.NewLocal(), testutil.Logger())

	_, err := engine.ApplyEvent(context.Background(), "c-1", "page.visited", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	repo.AssertExpectations(t)
}

func TestCrossings(t *testing.T) {
	tests := []struct {
		name     string
		previous int
		current  int
		want     []string
	}{
		{"no movement", 10, 10, nil},
		{"up through one", 10, 25, []string{"20:up"}},
		{"up through two", 0, 60, []string{"20:up", "50:up"}},
		{"landing on threshold counts", 19, 20, []string{"20:up"}},
		{"down through one", 55, 45, []string{"50:down"}},
		{"staying above", 60, 55, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string

			for _, crossing := range scoring.Crossings([]int{20, 50}, tt.previous, tt.current) {
				got = append(got, fmt.Sprintf("%d:%s", crossing.Threshold, crossing.Direction))
			}

			assert.Equal(t, tt.want, got)
		})
	}
}
