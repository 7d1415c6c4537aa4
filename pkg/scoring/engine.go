// Package scoring accrues expiring, capped points for contacts from behavioral
// events and signals score changes back to the workflow engine.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/dukex/journeys/pkg/conditions"
	"github.com/dukex/journeys/pkg/eventbus"
	"github.com/dukex/journeys/pkg/events"
	"github.com/dukex/journeys/pkg/lock"
	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Result describes what one ApplyEvent call changed.
type Result struct {
	ContactID     string
	PreviousScore int
	Score         int
	Granted       []*models.ScoreHistory
	// Skipped lists rules that matched but were capped by MaxOccurrences.
	Skipped   []string
	Crossings []events.ScoreThresholdCrossed
}

// Delta is the change of the live score caused by the event.
func (r *Result) Delta() int {
	return r.Score - r.PreviousScore
}

type Engine struct {
	repo       persistence.ScoringRepository
	locker     lock.Locker
	publisher  eventbus.EventPublisher
	clock      clockwork.Clock
	thresholds []int
	logger     *slog.Logger
}

type Option func(*Engine)

// WithThresholds configures the scores that emit threshold crossing signals.
func WithThresholds(thresholds ...int) Option {
	return func(e *Engine) {
		e.thresholds = slices.Sorted(slices.Values(thresholds))
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(e *Engine) {
		e.publisher = publisher
	}
}

func NewEngine(repo persistence.ScoringRepository, locker lock.Locker, logger *slog.Logger, opts ...Option) *Engine {
	engine := &Engine{
		repo:      repo,
		locker:    locker,
		publisher: eventbus.Discard,
		clock:     clockwork.NewRealClock(),
		logger:    logger.With("module", "scoring"),
	}

	for _, opt := range opts {
		opt(engine)
	}

	return engine
}

// Thresholds returns the configured thresholds in ascending order.
func (e *Engine) Thresholds() []int {
	return slices.Clone(e.thresholds)
}

// Score returns the sum of the contact's non-expired grants.
func (e *Engine) Score(ctx context.Context, contactID string) (int, error) {
	return e.repo.LiveScore(ctx, contactID, e.clock.Now())
}

// ApplyEvent grants points for every active rule matching the event and reports
// the resulting score change. Updates of one contact are serialized so the
// occurrence cap holds under concurrent events.
func (e *Engine) ApplyEvent(ctx context.Context, contactID, eventType string, payload map[string]any) (*Result, error) {
	logger := e.logger.With("contact_id", contactID, "event_type", eventType)

	rules, err := e.repo.ActiveRules(ctx, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to load scoring rules for %s: %w", eventType, err)
	}

	result := &Result{ContactID: contactID}

	if len(rules) == 0 {
		logger.DebugContext(ctx, "No active scoring rules for event")

		return result, nil
	}

	release, err := e.locker.Acquire(ctx, lock.ContactScoreKey(contactID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock score of contact %s: %w", contactID, err)
	}

	defer func() {
		if releaseErr := release(context.WithoutCancel(ctx)); releaseErr != nil {
			logger.WarnContext(ctx, "Failed to release score lock", "error", releaseErr)
		}
	}()

	now := e.clock.Now()

	result.PreviousScore, err = e.repo.LiveScore(ctx, contactID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to read score of contact %s: %w", contactID, err)
	}

	for _, rule := range rules {
		matched, err := conditions.Evaluate(rule.Conditions, payload)
		if err != nil {
			logger.ErrorContext(ctx, "Skipping scoring rule with malformed conditions", "rule_id", rule.ID, "error", err)

			continue
		}

		if !matched {
			continue
		}

		if rule.MaxOccurrences > 0 {
			occurrences, err := e.repo.CountLiveOccurrences(ctx, rule.ID, contactID, now)
			if err != nil {
				return nil, fmt.Errorf("failed to count occurrences of rule %s: %w", rule.ID, err)
			}

			if occurrences >= rule.MaxOccurrences {
				logger.DebugContext(ctx, "Scoring rule reached max occurrences", "rule_id", rule.ID, "occurrences", occurrences)
				result.Skipped = append(result.Skipped, rule.ID)

				continue
			}
		}

		entry := &models.ScoreHistory{
			ID:        uuid.NewString(),
			ContactID: contactID,
			RuleID:    rule.ID,
			EventType: eventType,
			Points:    rule.Points,
			CreatedAt: now,
			ExpiresAt: rule.ExpiryFrom(now),
		}

		err = e.repo.AppendHistory(ctx, entry)
		if err != nil {
			return nil, fmt.Errorf("failed to record points of rule %s: %w", rule.ID, err)
		}

		result.Granted = append(result.Granted, entry)
	}

	result.Score, err = e.repo.LiveScore(ctx, contactID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to read score of contact %s: %w", contactID, err)
	}

	if len(result.Granted) == 0 {
		return result, nil
	}

	logger.InfoContext(ctx, "Contact score updated",
		"previous_score", result.PreviousScore,
		"score", result.Score,
		"granted", len(result.Granted))

	e.publish(ctx, contactID, events.ScoreChanged{
		BaseEvent:   events.NewBaseEvent(events.ScoreChangedEvent, "", contactID),
		Score:       result.Score,
		Delta:       result.Delta(),
		SourceEvent: eventType,
	})

	for _, crossing := range Crossings(e.thresholds, result.PreviousScore, result.Score) {
		crossing.BaseEvent = events.NewBaseEvent(events.ScoreThresholdCrossedEvent, "", contactID)
		result.Crossings = append(result.Crossings, crossing)

		e.publish(ctx, contactID, crossing)
	}

	return result, nil
}

// Crossings lists the thresholds passed when a score moves from previous to
// current. A threshold is reached going up when the score becomes >= it and
// left going down when the score drops below it.
func Crossings(thresholds []int, previous, current int) []events.ScoreThresholdCrossed {
	var crossings []events.ScoreThresholdCrossed

	for _, threshold := range thresholds {
		switch {
		case previous < threshold && current >= threshold:
			crossings = append(crossings, events.ScoreThresholdCrossed{
				Threshold: threshold,
				Direction: events.DirectionUp,
				Score:     current,
			})
		case previous >= threshold && current < threshold:
			crossings = append(crossings, events.ScoreThresholdCrossed{
				Threshold: threshold,
				Direction: events.DirectionDown,
				Score:     current,
			})
		}
	}

	return crossings
}

func (e *Engine) publish(ctx context.Context, contactID string, event eventbus.Event) {
	err := e.publisher.Publish(ctx, contactID, event)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish scoring signal", "event_type", event.GetType(), "error", err)
	}
}
