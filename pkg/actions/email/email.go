// Package email provides the send_email action. Delivery is done by an
// external sender listening for action.requested events.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/journeys/pkg/actions"
	"github.com/dukex/journeys/pkg/eventbus"
	"github.com/dukex/journeys/pkg/events"
	"github.com/dukex/journeys/pkg/models"
)

type Action struct {
	publisher eventbus.EventPublisher
}

func NewAction(publisher eventbus.EventPublisher) *Action {
	return &Action{publisher: publisher}
}

func (*Action) Type() models.ActionType {
	return models.ActionTypeSendEmail
}

func (*Action) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"template_id": map[string]any{"type": "string", "minLength": 1},
			"subject":     map[string]any{"type": "string"},
			"body":        map[string]any{"type": "string"},
			"to":          map[string]any{"type": "string"},
		},
		"anyOf": []any{
			map[string]any{"required": []any{"template_id"}},
			map[string]any{"required": []any{"subject", "body"}},
		},
	}
}

func (a *Action) Execute(ctx context.Context, req actions.Request, logger *slog.Logger) (map[string]any, error) {
	_, hasTemplate := req.Config["template_id"].(string)
	_, hasSubject := req.Config["subject"].(string)

	if !hasTemplate && !hasSubject {
		return nil, fmt.Errorf("%w: send_email requires template_id or subject", actions.ErrInvalidConfig)
	}

	event := events.ActionRequested{
		BaseEvent:  events.NewBaseEvent(events.ActionRequestedEvent, "", req.ContactID()),
		StepID:     req.StepID,
		ActionType: string(models.ActionTypeSendEmail),
		Config:     req.Config,
	}

	if req.Enrollment != nil {
		event.EnrollmentID = req.Enrollment.ID
		event.WorkflowID = req.Enrollment.WorkflowID
	}

	err := a.publisher.Publish(ctx, req.ContactID(), event)
	if err != nil {
		return nil, fmt.Errorf("failed to request email delivery: %w", err)
	}

	logger.InfoContext(ctx, "Email delivery requested", "request_id", event.ID)

	return map[string]any{
		"last_email_request_id": event.ID,
		"last_email_at":         event.Timestamp.Format(time.RFC3339),
	}, nil
}
