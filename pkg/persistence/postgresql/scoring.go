package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/journeys/pkg/models"
)

// ScoringRepository handles scoring rules and the score history ledger.
type ScoringRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewScoringRepository creates a new scoring repository.
func NewScoringRepository(db *sql.DB, logger *slog.Logger) *ScoringRepository {
	return &ScoringRepository{db: db, logger: logger}
}

// SaveRule upserts a scoring rule.
func (r *ScoringRepository) SaveRule(ctx context.Context, rule *models.ScoringRule) error {
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}

	var conditionsJSON []byte

	if rule.Conditions != nil {
		var err error

		conditionsJSON, err = json.Marshal(rule.Conditions)
		if err != nil {
			return fmt.Errorf("failed to marshal rule conditions: %w", err)
		}
	}

	query := `
		INSERT INTO scoring_rules (
			id, name, event_type, conditions, points, expires_after_days, max_occurrences, active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			event_type = EXCLUDED.event_type,
			conditions = EXCLUDED.conditions,
			points = EXCLUDED.points,
			expires_after_days = EXCLUDED.expires_after_days,
			max_occurrences = EXCLUDED.max_occurrences,
			active = EXCLUDED.active
	`

	_, err := r.db.ExecContext(ctx, query,
		rule.ID,
		rule.Name,
		rule.EventType,
		conditionsJSON,
		rule.Points,
		rule.ExpiresAfterDays,
		rule.MaxOccurrences,
		rule.Active,
		rule.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save scoring rule %s: %w", rule.ID, err)
	}

	return nil
}

// ActiveRules returns the active rules listening for eventType, oldest first.
func (r *ScoringRepository) ActiveRules(ctx context.Context, eventType string) ([]*models.ScoringRule, error) {
	query := `
		SELECT id, name, event_type, conditions, points, expires_after_days, max_occurrences, active, created_at
		FROM scoring_rules
		WHERE active AND event_type = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to query scoring rules: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	rules := make([]*models.ScoringRule, 0)

	for rows.Next() {
		var (
			rule           models.ScoringRule
			conditionsJSON []byte
			expiresAfter   sql.NullInt64
		)

		err := rows.Scan(
			&rule.ID,
			&rule.Name,
			&rule.EventType,
			&conditionsJSON,
			&rule.Points,
			&expiresAfter,
			&rule.MaxOccurrences,
			&rule.Active,
			&rule.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scoring rule: %w", err)
		}

		if expiresAfter.Valid {
			days := int(expiresAfter.Int64)
			rule.ExpiresAfterDays = &days
		}

		if len(conditionsJSON) > 0 {
			err = json.Unmarshal(conditionsJSON, &rule.Conditions)
			if err != nil {
				return nil, fmt.Errorf("failed to unmarshal rule conditions: %w", err)
			}
		}

		rules = append(rules, &rule)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating scoring rules: %w", err)
	}

	return rules, nil
}

// AppendHistory records a point grant.
func (r *ScoringRepository) AppendHistory(ctx context.Context, entry *models.ScoreHistory) error {
	query := `
		INSERT INTO score_history (id, contact_id, rule_id, event_type, points, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.ContactID,
		entry.RuleID,
		entry.EventType,
		entry.Points,
		entry.CreatedAt,
		entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append score history for %s: %w", entry.ContactID, err)
	}

	return nil
}

// CountLiveOccurrences counts non-expired grants of a rule for a contact.
func (r *ScoringRepository) CountLiveOccurrences(ctx context.Context, ruleID, contactID string, now time.Time) (int, error) {
	var count int

	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM score_history
		WHERE rule_id = $1 AND contact_id = $2 AND (expires_at IS NULL OR expires_at > $3)
	`, ruleID, contactID, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count occurrences of rule %s: %w", ruleID, err)
	}

	return count, nil
}

// LiveScore sums the non-expired grants of a contact.
func (r *ScoringRepository) LiveScore(ctx context.Context, contactID string, now time.Time) (int, error) {
	var score int

	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(points), 0) FROM score_history
		WHERE contact_id = $1 AND (expires_at IS NULL OR expires_at > $2)
	`, contactID, now).Scan(&score)
	if err != nil {
		return 0, fmt.Errorf("failed to compute score for %s: %w", contactID, err)
	}

	return score, nil
}

// History returns every grant of a contact, oldest first.
func (r *ScoringRepository) History(ctx context.Context, contactID string) ([]*models.ScoreHistory, error) {
	query := `
		SELECT id, contact_id, rule_id, event_type, points, created_at, expires_at
		FROM score_history
		WHERE contact_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, contactID)
	if err != nil {
		return nil, fmt.Errorf("failed to query score history: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	history := make([]*models.ScoreHistory, 0)

	for rows.Next() {
		var (
			entry     models.ScoreHistory
			expiresAt sql.NullTime
		)

		err := rows.Scan(
			&entry.ID,
			&entry.ContactID,
			&entry.RuleID,
			&entry.EventType,
			&entry.Points,
			&entry.CreatedAt,
			&expiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan score history: %w", err)
		}

		entry.ExpiresAt = timePtr(expiresAt)
		history = append(history, &entry)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating score history: %w", err)
	}

	return history, nil
}
