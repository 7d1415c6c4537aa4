// Package contacts resolves contact attributes for condition steps and templates.
// Contact storage itself belongs to the CRM; the engine only reads attributes
// and applies the field and tag updates of action steps.
package contacts

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// TagsAttribute is the attribute holding a contact's tags.
const TagsAttribute = "tags"

// Provider reads the attributes of a contact. Unknown contacts have no attributes.
type Provider interface {
	Attributes(ctx context.Context, contactID string) (map[string]any, error)
}

// Writer applies attribute changes made by action steps.
type Writer interface {
	SetFields(ctx context.Context, contactID string, fields map[string]any) error
	AddTags(ctx context.Context, contactID string, tags ...string) error
}

// Store reads and writes contact attributes.
type Store interface {
	Provider
	Writer
}

// Static keeps contact attributes in memory.
type Static struct {
	mu       sync.RWMutex
	contacts map[string]map[string]any
}

// NewStatic creates an in-memory store seeded with the given contacts.
func NewStatic(seed map[string]map[string]any) *Static {
	contacts := make(map[string]map[string]any, len(seed))

	for id, attributes := range seed {
		contacts[id] = maps.Clone(attributes)
	}

	return &Static{contacts: contacts}
}

func (s *Static) Attributes(_ context.Context, contactID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attributes := maps.Clone(s.contacts[contactID])
	if attributes == nil {
		attributes = make(map[string]any)
	}

	if tags, ok := attributes[TagsAttribute].([]string); ok {
		attributes[TagsAttribute] = slices.Clone(tags)
	}

	return attributes, nil
}

func (s *Static) SetFields(_ context.Context, contactID string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attributes := s.ensure(contactID)
	maps.Copy(attributes, fields)

	return nil
}

func (s *Static) AddTags(_ context.Context, contactID string, tags ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attributes := s.ensure(contactID)

	existing, _ := attributes[TagsAttribute].([]string)
	attributes[TagsAttribute] = MergeTags(existing, tags...)

	return nil
}

func (s *Static) ensure(contactID string) map[string]any {
	attributes, ok := s.contacts[contactID]
	if !ok {
		attributes = make(map[string]any)
		s.contacts[contactID] = attributes
	}

	return attributes
}

// MergeTags appends tags not yet present, keeping the order of first appearance.
func MergeTags(existing []string, tags ...string) []string {
	merged := slices.Clone(existing)

	for _, tag := range tags {
		if tag != "" && !slices.Contains(merged, tag) {
			merged = append(merged, tag)
		}
	}

	return merged
}
