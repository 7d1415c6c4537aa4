package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/journeys/pkg/enrollment"
	"github.com/dukex/journeys/pkg/eventbus"
	"github.com/dukex/journeys/pkg/events"
	"github.com/dukex/journeys/pkg/executor"
	"github.com/dukex/journeys/pkg/graph"
	"github.com/dukex/journeys/pkg/metrics"
	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/dukex/journeys/pkg/scheduler"
	"github.com/dukex/journeys/pkg/scoring"
	"github.com/dukex/journeys/pkg/triggers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Scorer applies scoring rules to contact events.
type Scorer interface {
	ApplyEvent(ctx context.Context, contactID, eventType string, payload map[string]any) (*scoring.Result, error)
}

// Runner is a background component started and stopped with the worker.
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type WorkerManager struct {
	id          string
	logger      *slog.Logger
	eventBus    eventbus.EventBus
	graphs      *graph.Store
	scorer      Scorer
	matcher     *triggers.Matcher
	ticker      scheduler.Ticker
	scheduler   Runner
	sources     []Runner
	metrics     *metrics.Metrics
	metricsAddr string
}

type Option func(*WorkerManager)

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *WorkerManager) {
		w.metrics = m
	}
}

// WithMetricsAddr serves Prometheus metrics on addr while the worker runs.
func WithMetricsAddr(addr string) Option {
	return func(w *WorkerManager) {
		w.metricsAddr = addr
	}
}

// WithSource consumes contact events from an external queue or topic.
func WithSource(source Runner) Option {
	return func(w *WorkerManager) {
		w.sources = append(w.sources, source)
	}
}

func NewWorkerManager(
	id string,
	eventBus eventbus.EventBus,
	workflows persistence.WorkflowRepository,
	graphs *graph.Store,
	tracker *enrollment.Tracker,
	scorer Scorer,
	ticker scheduler.Ticker,
	sched Runner,
	logger *slog.Logger,
	opts ...Option,
) *WorkerManager {
	w := &WorkerManager{
		id:        id,
		logger:    logger.With("module", "journeys-worker", "worker_id", id),
		eventBus:  eventBus,
		graphs:    graphs,
		scorer:    scorer,
		ticker:    ticker,
		scheduler: sched,
	}

	for _, opt := range opts {
		opt(w)
	}

	matcherOpts := []triggers.Option{triggers.WithOnEnrolled(w.tickEnrolled)}
	if w.metrics != nil {
		matcherOpts = append(matcherOpts, triggers.WithMetrics(w.metrics))
	}

	w.matcher = triggers.NewMatcher(workflows, graphs, tracker, logger, matcherOpts...)

	return w
}

// Register subscribes the worker's handlers on the event bus.
func (w *WorkerManager) Register() error {
	handlers := map[events.EventType]eventbus.EventHandler{
		events.ContactEventReceivedEvent:  w.handleContactEvent,
		events.ScoreChangedEvent:          w.handleScoreSignal,
		events.ScoreThresholdCrossedEvent: w.handleScoreSignal,
		events.WorkflowUpdatedEvent:       w.handleWorkflowUpdated,
	}

	for eventType, handler := range handlers {
		err := w.eventBus.Handle(eventType, handler)
		if err != nil {
			return err
		}
	}

	return nil
}

func (w *WorkerManager) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker manager")

	err := w.Register()
	if err != nil {
		return err
	}

	err = w.eventBus.Subscribe(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	err = w.scheduler.Start(ctx)
	if err != nil {
		return err
	}

	for _, source := range w.sources {
		err = source.Start(ctx)
		if err != nil {
			return err
		}
	}

	server := w.serveMetrics(ctx)

	w.logger.InfoContext(ctx, "Worker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	w.logger.InfoContext(ctx, "Shutting down worker...")

	return w.stop(context.WithoutCancel(ctx), server)
}

func (w *WorkerManager) stop(ctx context.Context, server *http.Server) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var errs []error

	for _, source := range w.sources {
		errs = append(errs, source.Stop(ctx))
	}

	errs = append(errs, w.scheduler.Stop(ctx))

	if server != nil {
		errs = append(errs, server.Shutdown(ctx))
	}

	return errors.Join(errs...)
}

func (w *WorkerManager) serveMetrics(ctx context.Context) *http.Server {
	if w.metricsAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              w.metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		w.logger.InfoContext(ctx, "Serving metrics", "addr", w.metricsAddr)

		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.ErrorContext(ctx, "Metrics server failed", "error", err)
		}
	}()

	return server
}

// handleContactEvent scores the event, then enrolls the contact into the
// workflows it triggers. Failures are logged and the event acknowledged so
// a redelivery never grants points twice.
func (w *WorkerManager) handleContactEvent(ctx context.Context, event any) error {
	received, ok := event.(*events.ContactEventReceived)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for ContactEventReceived")

		return nil
	}

	logger := w.logger.With(
		"contact_id", received.ContactID,
		"event_type", received.EventType,
		"event_id", received.ID,
	)

	if err := received.Validate(); err != nil {
		logger.WarnContext(ctx, "Dropping invalid contact event", "error", err)
		w.recordIngested(received.Source, "invalid")

		return nil
	}

	logger.InfoContext(ctx, "Processing contact event")

	_, err := w.scorer.ApplyEvent(ctx, received.ContactID, received.EventType, received.Payload)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to score contact event", "error", err)
	}

	_, err = w.matcher.Handle(ctx, received.ContactID, received.EventType, received.Payload)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to match contact event", "error", err)
		w.recordIngested(received.Source, "failed")

		return nil
	}

	w.recordIngested(received.Source, "processed")

	return nil
}

// scoreSignal is a scoring event trigger steps can listen for.
type scoreSignal interface {
	GetType() events.EventType
	Payload() map[string]any
}

func (w *WorkerManager) handleScoreSignal(ctx context.Context, event any) error {
	var (
		sig       scoreSignal
		contactID string
	)

	switch e := event.(type) {
	case *events.ScoreChanged:
		sig, contactID = e, e.ContactID
	case *events.ScoreThresholdCrossed:
		sig, contactID = e, e.ContactID
	default:
		w.logger.ErrorContext(ctx, "Invalid event type for score signal")

		return nil
	}

	_, err := w.matcher.Handle(ctx, contactID, string(sig.GetType()), sig.Payload())
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to match score signal",
			"contact_id", contactID,
			"event_type", sig.GetType(),
			"error", err)
	}

	return nil
}

func (w *WorkerManager) handleWorkflowUpdated(ctx context.Context, event any) error {
	updated, ok := event.(*events.WorkflowUpdated)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for WorkflowUpdated")

		return nil
	}

	w.graphs.Invalidate(updated.WorkflowID)

	w.logger.DebugContext(ctx, "Dropped cached workflow graph",
		"workflow_id", updated.WorkflowID,
		"version", updated.Version)

	return nil
}

// tickEnrolled runs the first cascade of a new enrollment right away instead
// of waiting for the next scheduler pass.
func (w *WorkerManager) tickEnrolled(ctx context.Context, enrolled *models.Enrollment) {
	result, err := w.ticker.Tick(ctx, enrolled.ID)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to tick new enrollment", "enrollment_id", enrolled.ID, "error", err)

		return
	}

	w.logger.DebugContext(ctx, "Ticked new enrollment",
		"enrollment_id", enrolled.ID,
		"status", result.Status,
		"steps", result.StepsExecuted)
}

func (w *WorkerManager) recordIngested(source, result string) {
	if w.metrics == nil {
		return
	}

	if source == "" {
		source = "unknown"
	}

	w.metrics.EventsIngested.WithLabelValues(source, result).Inc()
}

var (
	_ Runner           = (*scheduler.Scheduler)(nil)
	_ scheduler.Ticker = (*executor.Executor)(nil)
)
