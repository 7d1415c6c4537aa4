// Package executor advances enrollments through their workflow graph one tick
// at a time.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/journeys/pkg/actions"
	"github.com/dukex/journeys/pkg/contacts"
	"github.com/dukex/journeys/pkg/enrollment"
	"github.com/dukex/journeys/pkg/eventbus"
	"github.com/dukex/journeys/pkg/events"
	"github.com/dukex/journeys/pkg/graph"
	"github.com/dukex/journeys/pkg/lock"
	"github.com/dukex/journeys/pkg/metrics"
	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/otelhelper"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Config bounds the work done per tick.
type Config struct {
	// LoopGuard is the number of visits of one step allowed within a cascade
	// when the workflow does not set its own.
	LoopGuard int
	// MaxCascadeSteps caps the steps executed by one tick; the enrollment
	// continues on the next scheduler pass.
	MaxCascadeSteps int
	// MaxActionRetries is the number of attempts an action step gets before
	// the enrollment exits with action_failed.
	MaxActionRetries int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	// FrozenRecheck is how long an enrollment of a frozen workflow waits
	// before it is looked at again.
	FrozenRecheck time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		LoopGuard:        5,
		MaxCascadeSteps:  50,
		MaxActionRetries: 3,
		RetryBaseDelay:   time.Minute,
		RetryMaxDelay:    time.Hour,
		FrozenRecheck:    time.Hour,
	}
}

// TickResult describes what one tick did.
type TickResult struct {
	EnrollmentID  string
	Status        models.EnrollmentStatus
	CurrentStepID string
	StepsExecuted int
	NextRunAt     *time.Time
	ExitReason    string
	// Skipped is set when the enrollment was not due, not active or frozen.
	Skipped bool
	// Aborted is set when a concurrent change won the version race.
	Aborted bool
	// Err carries errors that ended the enrollment, such as graph integrity violations.
	Err error
}

type Executor struct {
	graphs      *graph.Store
	enrollments persistence.EnrollmentRepository
	executions  persistence.ExecutionLogRepository
	tracker     *enrollment.Tracker
	actions     ActionExecutor
	contacts    contacts.Provider
	locker      lock.Locker
	publisher   eventbus.EventPublisher
	clock       clockwork.Clock
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	config      Config
	logger      *slog.Logger

	stepHandlers map[models.StepType]StepHandler
}

type Option func(*Executor)

func WithConfig(config Config) Option {
	return func(ex *Executor) {
		defaults := DefaultConfig()

		if config.LoopGuard <= 0 {
			config.LoopGuard = defaults.LoopGuard
		}

		if config.MaxCascadeSteps <= 0 {
			config.MaxCascadeSteps = defaults.MaxCascadeSteps
		}

		if config.MaxActionRetries <= 0 {
			config.MaxActionRetries = defaults.MaxActionRetries
		}

		if config.RetryBaseDelay <= 0 {
			config.RetryBaseDelay = defaults.RetryBaseDelay
		}

		if config.RetryMaxDelay < config.RetryBaseDelay {
			config.RetryMaxDelay = max(defaults.RetryMaxDelay, config.RetryBaseDelay)
		}

		if config.FrozenRecheck <= 0 {
			config.FrozenRecheck = defaults.FrozenRecheck
		}

		ex.config = config
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(ex *Executor) {
		ex.clock = clock
	}
}

func WithContacts(provider contacts.Provider) Option {
	return func(ex *Executor) {
		ex.contacts = provider
	}
}

func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(ex *Executor) {
		ex.publisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(ex *Executor) {
		ex.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(ex *Executor) {
		ex.tracer = tracer
	}
}

func NewExecutor(
	graphs *graph.Store,
	store persistence.Persistence,
	tracker *enrollment.Tracker,
	actionExecutor ActionExecutor,
	locker lock.Locker,
	logger *slog.Logger,
	opts ...Option,
) *Executor {
	ex := &Executor{
		graphs:      graphs,
		enrollments: store.EnrollmentRepository(),
		executions:  store.ExecutionLogRepository(),
		tracker:     tracker,
		actions:     actionExecutor,
		contacts:    contacts.NewStatic(nil),
		locker:      locker,
		publisher:   eventbus.Discard,
		clock:       clockwork.NewRealClock(),
		tracer:      otelhelper.Tracer("journeys/executor"),
		config:      DefaultConfig(),
		logger:      logger.With("module", "step_executor"),
	}

	for _, opt := range opts {
		opt(ex)
	}

	ex.stepHandlers = ex.handlers()

	return ex
}

// errAborted stops a cascade after losing a version race.
var errAborted = errors.New("enrollment changed concurrently")

// Tick advances one enrollment as far as it can go right now: through every
// step until a delay is pending, a retry is scheduled, the enrollment ends, or
// the cascade limit is reached.
func (ex *Executor) Tick(ctx context.Context, enrollmentID string) (*TickResult, error) {
	started := ex.clock.Now()

	ctx, span := otelhelper.StartSpan(ctx, ex.tracer, "enrollment.tick",
		attribute.String(otelhelper.EnrollmentIDKey, enrollmentID))
	defer span.End()

	result, err := ex.tick(ctx, enrollmentID)

	outcome := "advanced"

	switch {
	case err != nil:
		outcome = "error"

		otelhelper.SetError(span, err)
	case result.Skipped:
		outcome = "skipped"
	case result.Aborted:
		outcome = "aborted"
	}

	if ex.metrics != nil {
		ex.metrics.RecordTick(outcome, ex.clock.Since(started))
	}

	return result, err
}

func (ex *Executor) tick(ctx context.Context, enrollmentID string) (*TickResult, error) {
	release, err := ex.locker.Acquire(ctx, lock.EnrollmentKey(enrollmentID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock enrollment %s: %w", enrollmentID, err)
	}

	defer func() {
		if releaseErr := release(context.WithoutCancel(ctx)); releaseErr != nil {
			ex.logger.WarnContext(ctx, "Failed to release enrollment lock", "enrollment_id", enrollmentID, "error", releaseErr)
		}
	}()

	current, err := ex.enrollments.GetByID(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}

	result := &TickResult{EnrollmentID: current.ID}
	defer result.capture(current)

	logger := ex.logger.With(
		"enrollment_id", current.ID,
		"workflow_id", current.WorkflowID,
		"contact_id", current.ContactID,
	)

	now := ex.clock.Now()

	if !current.IsDue(now) {
		result.Skipped = true

		return result, nil
	}

	g, err := ex.graphs.Load(ctx, current.WorkflowID)
	if err != nil {
		return ex.finish(ctx, result, current, err, logger)
	}

	if g.Status == models.WorkflowStatusArchived {
		switch g.Settings.ArchivePolicyOrDefault() {
		case models.ArchivePolicyFreeze:
			logger.DebugContext(ctx, "Workflow archived with freeze policy, leaving enrollment in place")

			result.Skipped = true
			ex.postpone(ctx, current, ex.config.FrozenRecheck, logger)

			return result, nil
		case models.ArchivePolicyExit:
			err = ex.exit(ctx, current, models.ExitReasonWorkflowArchived, nil, logger)

			return ex.finish(ctx, result, current, err, logger)
		}
	}

	c := &cascade{
		ex:         ex,
		g:          g,
		enrollment: current,
		result:     result,
		visits:     make(map[string]int),
		guard:      g.LoopGuard(ex.config.LoopGuard),
		logger:     logger,
	}

	err = c.run(ctx)

	return ex.finish(ctx, result, current, err, logger)
}

// finish turns a lost version race into an aborted result, and postpones an
// enrollment a failed tick left active so it does not stay first in line.
func (ex *Executor) finish(ctx context.Context, result *TickResult, current *models.Enrollment, err error, logger *slog.Logger) (*TickResult, error) {
	switch {
	case errors.Is(err, errAborted):
		logger.InfoContext(ctx, "Enrollment changed during tick, stopping")

		result.Aborted = true

		stored, getErr := ex.enrollments.GetByID(ctx, current.ID)
		if getErr == nil {
			*current = *stored
		}

		return result, nil
	case err != nil:
		ex.postpone(ctx, current, ex.config.RetryBaseDelay, logger)
	}

	return result, err
}

// postpone pushes the next run of a still active enrollment delay into the
// future. Changes the tick made in memory but did not save are discarded.
func (ex *Executor) postpone(ctx context.Context, current *models.Enrollment, delay time.Duration, logger *slog.Logger) {
	stored, err := ex.enrollments.GetByID(ctx, current.ID)
	if err != nil {
		logger.WarnContext(ctx, "Failed to reload enrollment to postpone it", "error", err)

		return
	}

	if !stored.IsActive() {
		*current = *stored

		return
	}

	now := ex.clock.Now()
	next := now.Add(delay)
	stored.NextRunAt = &next
	stored.UpdatedAt = now

	err = ex.enrollments.Update(ctx, stored)
	if err != nil {
		if !persistence.IsVersionConflict(err) {
			logger.WarnContext(ctx, "Failed to postpone enrollment", "error", err)
		}

		return
	}

	*current = *stored

	logger.DebugContext(ctx, "Enrollment postponed", "next_run_at", next)
}

func (r *TickResult) capture(e *models.Enrollment) {
	r.Status = e.Status
	r.CurrentStepID = e.CurrentStepID
	r.NextRunAt = e.NextRunAt
	r.ExitReason = e.ExitReason
}

// cascade is the state of one tick's walk through the graph.
type cascade struct {
	ex         *Executor
	g          *graph.Graph
	enrollment *models.Enrollment
	result     *TickResult
	visits     map[string]int
	guard      int
	contact    map[string]any
	logger     *slog.Logger
}

func (c *cascade) run(ctx context.Context) error {
	ex := c.ex
	e := c.enrollment

	for {
		if c.result.StepsExecuted >= ex.config.MaxCascadeSteps {
			now := ex.clock.Now()
			e.NextRunAt = &now
			e.UpdatedAt = now

			c.logger.InfoContext(ctx, "Cascade limit reached, continuing on next pass", "steps", c.result.StepsExecuted)

			return c.save(ctx)
		}

		step, ok := c.g.Step(e.CurrentStepID)
		if !ok {
			return c.fail(ctx, models.ExitReasonGraphError, &models.GraphIntegrityError{
				WorkflowID: e.WorkflowID,
				StepID:     e.CurrentStepID,
				Message:    "current step does not exist",
			})
		}

		c.visits[step.ID]++
		if c.visits[step.ID] > c.guard {
			return c.fail(ctx, models.ExitReasonLoopDetected,
				fmt.Errorf("step %s visited more than %d times: %w", step.ID, c.guard, models.ErrLoopDetected))
		}

		done, err := c.step(ctx, step)
		if err != nil || done {
			return err
		}
	}
}

// step executes one step and moves the cursor. It reports true when the tick
// should stop.
func (c *cascade) step(ctx context.Context, step *models.Step) (bool, error) {
	ex := c.ex
	e := c.enrollment
	logger := c.logger.With("step_id", step.ID, "step_type", step.Type)

	ctx, span := otelhelper.StartSpan(ctx, ex.tracer, "enrollment.step",
		attribute.String(otelhelper.WorkflowIDKey, e.WorkflowID),
		attribute.String(otelhelper.StepIDKey, step.ID),
		attribute.String(otelhelper.StepTypeKey, string(step.Type)))
	defer span.End()

	handler, ok := ex.stepHandlers[step.Type]
	if !ok {
		return true, c.fail(ctx, models.ExitReasonGraphError, &models.GraphIntegrityError{
			WorkflowID: e.WorkflowID,
			StepID:     step.ID,
			Message:    fmt.Sprintf("unknown step type %q", step.Type),
		})
	}

	if step.Type == models.StepTypeAction || step.Type == models.StepTypeCondition {
		err := c.loadContact(ctx)
		if err != nil {
			otelhelper.SetError(span, err)

			return true, err
		}
	}

	if step.Type == models.StepTypeAction {
		span.SetAttributes(attribute.String(otelhelper.ActionTypeKey, string(step.ActionType)))

		// The side effect must not run for an enrollment exited since it was loaded.
		err := c.recheck(ctx)
		if errors.Is(err, errAborted) {
			recordErr := c.record(ctx, step, models.StepOutcomeSkipped, "", nil, "", e.RetryCount+1)
			if recordErr != nil {
				logger.ErrorContext(ctx, "Failed to record skipped step", "error", recordErr)
			}
		}

		if err != nil {
			return true, err
		}
	}

	now := ex.clock.Now()
	attempt := e.RetryCount + 1

	stepResult, err := handler(ctx, StepContext{
		Enrollment: e,
		Step:       step,
		Graph:      c.g,
		Contact:    c.contact,
		Now:        now,
		Attempt:    attempt,
		Logger:     logger,
	})
	c.result.StepsExecuted++

	if err != nil {
		otelhelper.SetError(span, err)

		return true, c.stepFailed(ctx, step, attempt, err, logger)
	}

	if !stepResult.Silent {
		err = c.record(ctx, step, stepResult.Outcome, stepResult.Handle, stepResult.Output, "", attempt)
		if err != nil {
			return true, err
		}
	}

	e.MergeMetadata(stepResult.Patch)

	if stepResult.WaitUntil != nil {
		e.NextRunAt = stepResult.WaitUntil
		e.UpdatedAt = now

		logger.InfoContext(ctx, "Enrollment waiting", "until", stepResult.WaitUntil)

		return true, c.save(ctx)
	}

	route, err := c.g.ResolveNext(step.ID, e.Metadata, stepResult.Handle)

	var integrity *models.GraphIntegrityError

	switch {
	case errors.Is(err, graph.ErrNoRoute):
		logger.InfoContext(ctx, "No outgoing connection matched", "handle", stepResult.Handle)

		return true, c.exit(ctx, models.ExitReasonDeadEnd, nil)
	case errors.As(err, &integrity):
		return true, c.fail(ctx, models.ExitReasonGraphError, err)
	case err != nil:
		return true, err
	case route.Terminal:
		return true, c.complete(ctx)
	}

	e.MoveTo(route.Target.ID, now)

	return false, c.save(ctx)
}

// stepFailed handles a step error: action failures are retried with backoff
// until the attempts run out, everything else ends the enrollment.
func (c *cascade) stepFailed(ctx context.Context, step *models.Step, attempt int, stepErr error, logger *slog.Logger) error {
	ex := c.ex
	e := c.enrollment

	err := c.record(ctx, step, models.StepOutcomeFailed, "", nil, stepErr.Error(), attempt)
	if err != nil {
		return err
	}

	if errors.Is(stepErr, errInvalidStep) {
		return c.fail(ctx, models.ExitReasonGraphError, stepErr)
	}

	if !errors.Is(stepErr, models.ErrActionExecution) {
		return c.fail(ctx, models.ExitReasonActionFailed, stepErr)
	}

	if actions.IsPermanent(stepErr) || attempt >= ex.config.MaxActionRetries {
		return c.fail(ctx, models.ExitReasonActionFailed, stepErr)
	}

	now := ex.clock.Now()
	retryAt := now.Add(ex.backoff(attempt))

	e.RetryCount = attempt
	e.NextRunAt = &retryAt
	e.UpdatedAt = now

	logger.WarnContext(ctx, "Action failed, retry scheduled",
		"attempt", attempt,
		"max_attempts", ex.config.MaxActionRetries,
		"retry_at", retryAt,
		"error", stepErr)

	if ex.metrics != nil {
		ex.metrics.ActionRetries.WithLabelValues(string(step.ActionType)).Inc()
	}

	return c.save(ctx)
}

func (ex *Executor) backoff(attempt int) time.Duration {
	delay := ex.config.RetryBaseDelay

	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= ex.config.RetryMaxDelay {
			return ex.config.RetryMaxDelay
		}
	}

	return delay
}

func (c *cascade) loadContact(ctx context.Context) error {
	if c.contact != nil {
		return nil
	}

	attributes, err := c.ex.contacts.Attributes(ctx, c.enrollment.ContactID)
	if err != nil {
		return fmt.Errorf("failed to load contact %s: %w", c.enrollment.ContactID, err)
	}

	c.contact = attributes

	return nil
}

// recheck aborts the cascade when the stored enrollment moved on since this
// tick loaded it.
func (c *cascade) recheck(ctx context.Context) error {
	stored, err := c.ex.enrollments.GetByID(ctx, c.enrollment.ID)
	if err != nil {
		return err
	}

	if stored.Version != c.enrollment.Version || !stored.IsActive() {
		return errAborted
	}

	return nil
}

func (c *cascade) save(ctx context.Context) error {
	err := c.ex.enrollments.Update(ctx, c.enrollment)
	if persistence.IsVersionConflict(err) {
		return errAborted
	}

	return err
}

func (c *cascade) record(ctx context.Context, step *models.Step, outcome models.StepOutcome, handle string, output map[string]any, errMessage string, attempt int) error {
	execution := &models.StepExecution{
		ID:           uuid.NewString(),
		EnrollmentID: c.enrollment.ID,
		WorkflowID:   c.enrollment.WorkflowID,
		StepID:       step.ID,
		StepType:     step.Type,
		Outcome:      outcome,
		Handle:       handle,
		Output:       output,
		Error:        errMessage,
		Attempt:      attempt,
		ExecutedAt:   c.ex.clock.Now(),
	}

	err := c.ex.executions.Append(ctx, execution)
	if err != nil {
		return fmt.Errorf("failed to record execution of step %s: %w", step.ID, err)
	}

	if c.ex.metrics != nil {
		c.ex.metrics.RecordStep(string(step.Type), string(outcome))
	}

	return nil
}

func (c *cascade) complete(ctx context.Context) error {
	e := c.enrollment

	_, err := e.Complete(c.ex.clock.Now())
	if err != nil {
		return err
	}

	err = c.save(ctx)
	if err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "Enrollment completed", "step_id", e.CurrentStepID)
	c.ex.tracker.Publish(ctx, e, events.EnrollmentCompletedEvent)

	if c.ex.metrics != nil {
		c.ex.metrics.RecordFinished(string(e.Status), "")
	}

	return nil
}

func (c *cascade) exit(ctx context.Context, reason string, cause error) error {
	return c.ex.exit(ctx, c.enrollment, reason, cause, c.logger)
}

// fail exits the enrollment because of cause and surfaces cause in the tick
// result. Loop detection and action failures are expected outcomes, so only
// integrity errors are returned to the caller.
func (c *cascade) fail(ctx context.Context, reason string, cause error) error {
	c.result.Err = cause

	err := c.exit(ctx, reason, cause)
	if err != nil {
		return err
	}

	if reason == models.ExitReasonGraphError {
		return cause
	}

	return nil
}

func (ex *Executor) exit(ctx context.Context, e *models.Enrollment, reason string, cause error, logger *slog.Logger) error {
	e.Exit(reason, ex.clock.Now())

	err := ex.enrollments.Update(ctx, e)
	if persistence.IsVersionConflict(err) {
		return errAborted
	}

	if err != nil {
		return err
	}

	ex.tracker.Publish(ctx, e, events.EnrollmentExitedEvent)

	if ex.metrics != nil {
		ex.metrics.RecordFinished(string(e.Status), reason)
	}

	if cause == nil {
		logger.InfoContext(ctx, "Enrollment exited", "reason", reason, "step_id", e.CurrentStepID)

		return nil
	}

	logger.ErrorContext(ctx, "Enrollment failed", "reason", reason, "step_id", e.CurrentStepID, "error", cause)

	failed := events.EnrollmentFailed{
		BaseEvent:    events.NewBaseEvent(events.EnrollmentFailedEvent, e.WorkflowID, e.ContactID),
		EnrollmentID: e.ID,
		StepID:       e.CurrentStepID,
		Reason:       reason,
		Error:        cause.Error(),
	}

	err = ex.publisher.Publish(ctx, e.ID, failed)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to publish enrollment failure", "error", err)
	}

	return nil
}
