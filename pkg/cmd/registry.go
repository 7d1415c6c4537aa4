package cmd

import (
	"log/slog"
	"net/http"

	"github.com/dukex/journeys/pkg/actions"
	"github.com/dukex/journeys/pkg/actions/contact"
	"github.com/dukex/journeys/pkg/actions/email"
	logaction "github.com/dukex/journeys/pkg/actions/log"
	"github.com/dukex/journeys/pkg/actions/webhook"
	"github.com/dukex/journeys/pkg/contacts"
	"github.com/dukex/journeys/pkg/eventbus"
)

// NewActionRegistry registers the built-in action types.
func NewActionRegistry(logger *slog.Logger, publisher eventbus.EventPublisher, writer contacts.Writer, client *http.Client) *actions.Registry {
	registry := actions.NewRegistry(logger)

	registry.Register(
		email.NewAction(publisher),
		contact.NewTagAction(writer),
		contact.NewUpdateFieldAction(writer),
		webhook.NewAction(client),
		logaction.NewAction(),
	)

	return registry
}
