// Package contact provides the tag_contact and update_field actions.
package contact

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/journeys/pkg/actions"
	"github.com/dukex/journeys/pkg/contacts"
	"github.com/dukex/journeys/pkg/models"
)

// TagAction adds tags to the contact. The tags are also recorded in the
// enrollment metadata under "tag" (the last tag added) and "tags".
type TagAction struct {
	writer contacts.Writer
}

// NewTagAction creates the tag_contact action. writer may be nil, in which
// case tags only land in the enrollment metadata.
func NewTagAction(writer contacts.Writer) *TagAction {
	return &TagAction{writer: writer}
}

func (*TagAction) Type() models.ActionType {
	return models.ActionTypeTagContact
}

func (*TagAction) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tag":  map[string]any{"type": "string", "minLength": 1},
			"tags": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "minItems": 1},
		},
		"anyOf": []any{
			map[string]any{"required": []any{"tag"}},
			map[string]any{"required": []any{"tags"}},
		},
	}
}

func (a *TagAction) Execute(ctx context.Context, req actions.Request, logger *slog.Logger) (map[string]any, error) {
	tags := append(actions.StringList(req.Config["tag"]), actions.StringList(req.Config["tags"])...)
	if len(tags) == 0 {
		return nil, fmt.Errorf("%w: tag_contact requires tag or tags", actions.ErrInvalidConfig)
	}

	if a.writer != nil {
		err := a.writer.AddTags(ctx, req.ContactID(), tags...)
		if err != nil {
			return nil, err
		}
	}

	var existing []string
	if req.Enrollment != nil {
		existing = actions.StringList(req.Enrollment.Metadata["tags"])
	}

	logger.InfoContext(ctx, "Contact tagged", "tags", tags)

	return map[string]any{
		"tag":  tags[len(tags)-1],
		"tags": contacts.MergeTags(existing, tags...),
	}, nil
}

// UpdateFieldAction sets contact fields and mirrors them into the enrollment metadata.
type UpdateFieldAction struct {
	writer contacts.Writer
}

func NewUpdateFieldAction(writer contacts.Writer) *UpdateFieldAction {
	return &UpdateFieldAction{writer: writer}
}

func (*UpdateFieldAction) Type() models.ActionType {
	return models.ActionTypeUpdateField
}

func (*UpdateFieldAction) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"field":  map[string]any{"type": "string", "minLength": 1},
			"value":  map[string]any{},
			"fields": map[string]any{"type": "object", "minProperties": 1},
		},
		"anyOf": []any{
			map[string]any{"required": []any{"field", "value"}},
			map[string]any{"required": []any{"fields"}},
		},
	}
}

func (a *UpdateFieldAction) Execute(ctx context.Context, req actions.Request, logger *slog.Logger) (map[string]any, error) {
	fields := make(map[string]any)

	if field, ok := req.Config["field"].(string); ok && field != "" {
		fields[field] = req.Config["value"]
	}

	if extra, ok := req.Config["fields"].(map[string]any); ok {
		for field, value := range extra {
			fields[field] = value
		}
	}

	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: update_field requires field or fields", actions.ErrInvalidConfig)
	}

	if a.writer != nil {
		err := a.writer.SetFields(ctx, req.ContactID(), fields)
		if err != nil {
			return nil, err
		}
	}

	logger.InfoContext(ctx, "Contact fields updated", "fields", len(fields))

	return fields, nil
}
