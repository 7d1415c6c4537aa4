package file

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dukex/journeys/pkg/models"
)

// ScoringRepository stores rules as JSON documents and point grants as one
// JSON-lines file per contact.
type ScoringRepository struct {
	root string
	mu   sync.Mutex
}

// NewScoringRepository creates a new scoring repository.
func NewScoringRepository(root string) *ScoringRepository {
	return &ScoringRepository{root: root}
}

func (sr *ScoringRepository) rulesDir() string {
	return filepath.Join(sr.root, "scoring", "rules")
}

func (sr *ScoringRepository) historyPath(contactID string) string {
	return filepath.Join(sr.root, "scoring", "history", contactID+".jsonl")
}

// SaveRule creates or replaces a scoring rule.
func (sr *ScoringRepository) SaveRule(_ context.Context, rule *models.ScoringRule) error {
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}

	err := writeJSON(filepath.Join(sr.rulesDir(), rule.ID+".json"), rule)
	if err != nil {
		return fmt.Errorf("failed to save scoring rule %s: %w", rule.ID, err)
	}

	return nil
}

// ActiveRules returns the active rules listening for eventType, oldest first.
func (sr *ScoringRepository) ActiveRules(_ context.Context, eventType string) ([]*models.ScoringRule, error) {
	ids, err := listJSON(sr.rulesDir())
	if err != nil {
		return nil, fmt.Errorf("failed to list scoring rules: %w", err)
	}

	rules := make([]*models.ScoringRule, 0)

	for _, id := range ids {
		var rule models.ScoringRule

		found, err := readJSON(filepath.Join(sr.rulesDir(), id+".json"), &rule)
		if err != nil {
			return nil, err
		}

		if found && rule.Active && rule.EventType == eventType {
			rules = append(rules, &rule)
		}
	}

	sort.Slice(rules, func(i, j int) bool {
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})

	return rules, nil
}

// AppendHistory records a point grant.
func (sr *ScoringRepository) AppendHistory(_ context.Context, entry *models.ScoreHistory) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	err := appendJSONLine(sr.historyPath(entry.ContactID), entry)
	if err != nil {
		return fmt.Errorf("failed to append score history for %s: %w", entry.ContactID, err)
	}

	return nil
}

// CountLiveOccurrences counts non-expired grants of a rule for a contact.
func (sr *ScoringRepository) CountLiveOccurrences(ctx context.Context, ruleID, contactID string, now time.Time) (int, error) {
	history, err := sr.History(ctx, contactID)
	if err != nil {
		return 0, err
	}

	count := 0

	for _, entry := range history {
		if entry.RuleID == ruleID && entry.IsLive(now) {
			count++
		}
	}

	return count, nil
}

// LiveScore sums the non-expired grants of a contact.
func (sr *ScoringRepository) LiveScore(ctx context.Context, contactID string, now time.Time) (int, error) {
	history, err := sr.History(ctx, contactID)
	if err != nil {
		return 0, err
	}

	score := 0

	for _, entry := range history {
		if entry.IsLive(now) {
			score += entry.Points
		}
	}

	return score, nil
}

// History returns every grant of a contact in append order, expired ones included.
func (sr *ScoringRepository) History(_ context.Context, contactID string) ([]*models.ScoreHistory, error) {
	history := make([]*models.ScoreHistory, 0)

	err := readJSONLines(sr.historyPath(contactID), func(line []byte) error {
		var entry models.ScoreHistory

		err := json.Unmarshal(line, &entry)
		if err != nil {
			return err
		}

		history = append(history, &entry)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read score history for %s: %w", contactID, err)
	}

	return history, nil
}
