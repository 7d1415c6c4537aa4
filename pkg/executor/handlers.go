package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/journeys/pkg/actions"
	"github.com/dukex/journeys/pkg/conditions"
	"github.com/dukex/journeys/pkg/graph"
	"github.com/dukex/journeys/pkg/models"
)

// errInvalidStep marks a step whose configuration cannot be executed.
var errInvalidStep = errors.New("invalid step configuration")

// StepContext is what a step handler sees of the tick.
type StepContext struct {
	Enrollment *models.Enrollment
	Step       *models.Step
	Graph      *graph.Graph
	Contact    map[string]any
	Now        time.Time
	Attempt    int
	Logger     *slog.Logger
}

// StepResult tells the cascade how to continue after a step.
type StepResult struct {
	Outcome models.StepOutcome
	// Handle selects the outgoing connection; empty for steps that do not branch.
	Handle string
	// Patch is merged into the enrollment metadata.
	Patch  map[string]any
	Output map[string]any
	// WaitUntil holds the enrollment at the step until the given time.
	WaitUntil *time.Time
	// Silent suppresses the execution log entry.
	Silent bool
}

// StepHandler executes one step type.
type StepHandler func(ctx context.Context, sc StepContext) (*StepResult, error)

// ActionExecutor runs the side effect of action steps.
type ActionExecutor interface {
	Execute(ctx context.Context, req actions.Request) (map[string]any, error)
}

// handlers resolves the closed set of step types to their handlers.
func (ex *Executor) handlers() map[models.StepType]StepHandler {
	return map[models.StepType]StepHandler{
		models.StepTypeTrigger:   triggerStep,
		models.StepTypeAction:    ex.actionStep,
		models.StepTypeCondition: conditionStep,
		models.StepTypeDelay:     delayStep,
	}
}

// triggerStep only marks the entry point; the enrollment advances immediately.
func triggerStep(_ context.Context, _ StepContext) (*StepResult, error) {
	return &StepResult{Outcome: models.StepOutcomeSucceeded}, nil
}

func (ex *Executor) actionStep(ctx context.Context, sc StepContext) (*StepResult, error) {
	patch, err := ex.actions.Execute(ctx, actions.Request{
		ActionType: sc.Step.ActionType,
		StepID:     sc.Step.ID,
		Config:     sc.Step.Config,
		Enrollment: sc.Enrollment,
		Contact:    sc.Contact,
	})
	if err != nil {
		return nil, &models.ActionExecutionError{
			ActionType: sc.Step.ActionType,
			StepID:     sc.Step.ID,
			Attempt:    sc.Attempt,
			Err:        err,
		}
	}

	return &StepResult{
		Outcome: models.StepOutcomeSucceeded,
		Patch:   patch,
		Output:  patch,
	}, nil
}

// conditionStep evaluates either a two-way "conditions" predicate producing the
// true or false handle, or an ordered list of "branches" producing the handle of
// the first match and "default" otherwise. Predicates see the enrollment
// metadata under "metadata" and the contact attributes under "contact".
// Predicates that fail to evaluate count as not matching.
func conditionStep(ctx context.Context, sc StepContext) (*StepResult, error) {
	data := map[string]any{
		"metadata": sc.Enrollment.Metadata,
		"contact":  sc.Contact,
	}

	if rawBranches, ok := sc.Step.Config["branches"]; ok {
		branches, ok := rawBranches.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: branches must be a list", errInvalidStep)
		}

		for i, rawBranch := range branches {
			branch, ok := rawBranch.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: branch %d must be an object", errInvalidStep, i)
			}

			handle, _ := branch["handle"].(string)
			if handle == "" {
				return nil, fmt.Errorf("%w: branch %d requires a handle", errInvalidStep, i)
			}

			if evaluate(ctx, sc, branch["conditions"], data) {
				return branchResult(handle), nil
			}
		}

		return branchResult(models.HandleDefault), nil
	}

	if evaluate(ctx, sc, sc.Step.Config["conditions"], data) {
		return branchResult(models.HandleTrue), nil
	}

	return branchResult(models.HandleFalse), nil
}

func branchResult(handle string) *StepResult {
	return &StepResult{
		Outcome: models.StepOutcomeConditionResult,
		Handle:  handle,
		Output:  map[string]any{"handle": handle},
	}
}

func evaluate(ctx context.Context, sc StepContext, definition any, data map[string]any) bool {
	matched, err := conditions.Evaluate(definition, data)
	if err != nil {
		sc.Logger.WarnContext(ctx, "Condition failed to evaluate, treating as no match", "error", err)

		return false
	}

	return matched
}

// delayStep holds the enrollment until the configured time has passed since it
// entered the step. The first visit records delay_scheduled; ticks before the
// target leave no trace.
func delayStep(_ context.Context, sc StepContext) (*StepResult, error) {
	target, err := delayTarget(sc.Step.Config, sc.Enrollment.StepEnteredAt)
	if err != nil {
		return nil, err
	}

	if sc.Now.Before(target) {
		scheduled := sc.Enrollment.NextRunAt != nil && sc.Enrollment.NextRunAt.Equal(target)

		return &StepResult{
			Outcome:   models.StepOutcomeDelayScheduled,
			WaitUntil: &target,
			Output:    map[string]any{"until": target.Format(time.RFC3339)},
			Silent:    scheduled,
		}, nil
	}

	return &StepResult{Outcome: models.StepOutcomeSucceeded}, nil
}

// delayTarget reads "duration" (a Go duration such as "24h"), "duration_seconds"
// or "until" (RFC 3339) from a delay step configuration.
func delayTarget(config map[string]any, enteredAt time.Time) (time.Time, error) {
	if until, ok := config["until"].(string); ok && until != "" {
		target, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: until: %w", errInvalidStep, err)
		}

		return target, nil
	}

	if raw, ok := config["duration"].(string); ok && raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: duration: %w", errInvalidStep, err)
		}

		return enteredAt.Add(duration), nil
	}

	switch seconds := config["duration_seconds"].(type) {
	case float64:
		return enteredAt.Add(time.Duration(seconds * float64(time.Second))), nil
	case int:
		return enteredAt.Add(time.Duration(seconds) * time.Second), nil
	case int64:
		return enteredAt.Add(time.Duration(seconds) * time.Second), nil
	}

	return time.Time{}, fmt.Errorf("%w: delay requires duration, duration_seconds or until", errInvalidStep)
}
