package models

import "time"

// ScoringRule grants points when a matching behavioral event is observed.
type ScoringRule struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	EventType  string         `json:"event_type"                   validate:"required"`
	Conditions map[string]any `json:"conditions,omitempty"`
	Points     int            `json:"points"`
	// ExpiresAfterDays makes granted points expire; nil means they never expire.
	ExpiresAfterDays *int `json:"expires_after_days,omitempty" validate:"omitempty,gt=0"`
	// MaxOccurrences caps live grants per contact; zero means unlimited.
	MaxOccurrences int       `json:"max_occurrences"              validate:"gte=0"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}

// ExpiryFrom returns the expiry time of a grant created at now, if any.
func (r *ScoringRule) ExpiryFrom(now time.Time) *time.Time {
	if r.ExpiresAfterDays == nil {
		return nil
	}

	expiresAt := now.AddDate(0, 0, *r.ExpiresAfterDays)

	return &expiresAt
}

// ScoreHistory is an immutable, independently expirable point grant.
type ScoreHistory struct {
	ID        string     `json:"id"`
	ContactID string     `json:"contact_id"`
	RuleID    string     `json:"rule_id"`
	EventType string     `json:"event_type"`
	Points    int        `json:"points"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// IsLive reports whether the grant still counts at now.
func (h *ScoreHistory) IsLive(now time.Time) bool {
	return h.ExpiresAt == nil || h.ExpiresAt.After(now)
}
