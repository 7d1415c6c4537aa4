// Package log provides the log action.
package log

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dukex/journeys/pkg/actions"
	"github.com/dukex/journeys/pkg/models"
)

type Action struct{}

func NewAction() *Action {
	return &Action{}
}

func (*Action) Type() models.ActionType {
	return models.ActionTypeLog
}

func (*Action) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "The message to log. Supports templating, e.g. {{ .contact.email }}.",
			},
			"level": map[string]any{
				"type":    "string",
				"default": "info",
				"enum":    []any{"debug", "info", "warn", "warning", "error"},
			},
		},
		"required": []any{"message"},
	}
}

func (*Action) Execute(ctx context.Context, req actions.Request, logger *slog.Logger) (map[string]any, error) {
	message, _ := req.Config["message"].(string)
	level, _ := req.Config["level"].(string)

	logger.Log(ctx, parseLevel(level), message)

	return nil, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
