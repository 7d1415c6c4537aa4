// Package actions executes the side effects of action steps through a registry
// of handlers keyed by action type.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/template"
)

var (
	// ErrUnknownAction indicates no handler is registered for an action type.
	ErrUnknownAction = errors.New("unknown action type")

	// ErrInvalidConfig indicates the step configuration cannot be executed.
	// Retrying does not help.
	ErrInvalidConfig = errors.New("invalid action configuration")
)

// IsPermanent reports whether an action error will fail again on retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnknownAction) || errors.Is(err, ErrInvalidConfig)
}

// Request is one execution of an action step.
type Request struct {
	ActionType models.ActionType
	StepID     string
	Config     map[string]any
	Enrollment *models.Enrollment
	// Contact holds the contact attributes resolved for this tick.
	Contact map[string]any
}

// ContactID returns the contact the action applies to.
func (r Request) ContactID() string {
	if r.Enrollment == nil {
		return ""
	}

	return r.Enrollment.ContactID
}

// Handler executes one action type. The returned patch is merged into the
// enrollment metadata.
type Handler interface {
	Type() models.ActionType
	// Schema is the JSON schema step configurations are validated against.
	Schema() map[string]any
	Execute(ctx context.Context, req Request, logger *slog.Logger) (map[string]any, error)
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[models.ActionType]Handler
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		handlers: make(map[models.ActionType]Handler),
		logger:   logger.With("module", "action_registry"),
	}
}

func (r *Registry) Register(handlers ...Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, handler := range handlers {
		r.handlers[handler.Type()] = handler
		r.logger.Debug("Registered action handler", "action_type", handler.Type())
	}
}

// Types lists the registered action types in sorted order.
func (r *Registry) Types() []models.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]models.ActionType, 0, len(r.handlers))
	for actionType := range r.handlers {
		types = append(types, actionType)
	}

	slices.Sort(types)

	return types
}

// Schema returns the configuration schema of an action type.
func (r *Registry) Schema(actionType models.ActionType) (map[string]any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[actionType]
	if !ok {
		return nil, false
	}

	return handler.Schema(), true
}

// Execute renders the step configuration against the enrollment and contact,
// then runs the handler registered for the action type.
func (r *Registry) Execute(ctx context.Context, req Request) (map[string]any, error) {
	r.mu.RLock()
	handler, ok := r.handlers[req.ActionType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, req.ActionType)
	}

	config, err := template.RenderConfig(req.Config, template.Data(req.Enrollment, req.Contact))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if config == nil {
		config = map[string]any{}
	}

	req.Config = config

	logger := r.logger.With("action_type", req.ActionType, "step_id", req.StepID)
	if req.Enrollment != nil {
		logger = logger.With("enrollment_id", req.Enrollment.ID, "contact_id", req.Enrollment.ContactID)
	}

	return handler.Execute(ctx, req, logger)
}

// StringList reads a string or a list of strings from a config value.
func StringList(value any) []string {
	switch v := value.(type) {
	case string:
		if v == "" {
			return nil
		}

		return []string{v}
	case []string:
		return v
	case []any:
		list := make([]string, 0, len(v))

		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				list = append(list, s)
			}
		}

		return list
	default:
		return nil
	}
}
