// Package web provides HTTP handlers for event ingestion, workflow management
// and manual enrollment control.
package web

import (
	"context"
	"net/http"

	"github.com/dukex/journeys/pkg/enrollment"
	"github.com/dukex/journeys/pkg/eventbus"
	"github.com/dukex/journeys/pkg/events"
	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/dukex/journeys/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// ScoreReader reads the live score of a contact.
type ScoreReader interface {
	Score(ctx context.Context, contactID string) (int, error)
}

// Option configures APIHandlers.
type Option func(*APIHandlers)

func WithClock(clock clockwork.Clock) Option {
	return func(h *APIHandlers) {
		h.clock = clock
	}
}

type APIHandlers struct {
	workflowService *services.Workflow
	tracker         *enrollment.Tracker
	store           persistence.Persistence
	scores          ScoreReader
	publisher       eventbus.EventPublisher
	validator       *validator.Validate
	clock           clockwork.Clock
}

func NewAPIHandlers(
	workflowService *services.Workflow,
	tracker *enrollment.Tracker,
	store persistence.Persistence,
	scores ScoreReader,
	publisher eventbus.EventPublisher,
	validator *validator.Validate,
	opts ...Option,
) *APIHandlers {
	h := &APIHandlers{
		workflowService: workflowService,
		tracker:         tracker,
		store:           store,
		scores:          scores,
		publisher:       publisher,
		validator:       validator,
		clock:           clockwork.NewRealClock(),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Routes registers every endpoint on app.
func (h *APIHandlers) Routes(app *fiber.App) {
	app.Get("/health", h.HealthCheck)
	app.Post("/events", h.IngestEvent)

	w := app.Group("/workflows")
	w.Get("/", h.GetWorkflows)
	w.Post("/", h.CreateWorkflow)
	w.Get("/:id", h.GetWorkflow)
	w.Put("/:id", h.UpdateWorkflow)
	w.Post("/:id/activate", h.ActivateWorkflow)
	w.Post("/:id/archive", h.ArchiveWorkflow)
	w.Post("/:id/enrollments", h.Enroll)

	e := app.Group("/enrollments")
	e.Get("/:id", h.GetEnrollment)
	e.Get("/:id/history", h.GetHistory)
	e.Post("/:id/pause", h.PauseEnrollment)
	e.Post("/:id/resume", h.ResumeEnrollment)
	e.Post("/:id/exit", h.ExitEnrollment)

	app.Get("/contacts/:id/score", h.GetScore)
	app.Post("/scoring/rules", h.SaveScoringRule)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, ok := h.workflowService.HealthCheck(c.Context())

	status := "unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": h.clock.Now().UTC(),
	})
}

// IngestEvent publishes a contact event for scoring and trigger matching.
func (h *APIHandlers) IngestEvent(c fiber.Ctx) error {
	var req IngestEventRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	source := req.Source
	if source == "" {
		source = "api"
	}

	event := events.NewContactEventReceived(req.ContactID, req.EventType, source, req.Payload)

	err := h.publisher.Publish(c.Context(), req.ContactID, event)
	if err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(IngestEventResponse{EventID: event.ID, Status: "accepted"})
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	status := models.WorkflowStatus(c.Query("status"))

	switch status {
	case "", models.WorkflowStatusDraft, models.WorkflowStatusActive, models.WorkflowStatusArchived:
	default:
		return badRequest(c, "Invalid status filter: "+string(status))
	}

	workflows, err := h.workflowService.List(c.Context(), status)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflows":   workflows,
		"total_count": len(workflows),
	})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	workflow, err := h.workflowService.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req WorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.workflowService.Create(c.Context(), req.toModel(""))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) UpdateWorkflow(c fiber.Ctx) error {
	var req WorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	updated, err := h.workflowService.Update(c.Context(), req.toModel(c.Params("id")))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) ActivateWorkflow(c fiber.Ctx) error {
	workflow, err := h.workflowService.Activate(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) ArchiveWorkflow(c fiber.Ctx) error {
	workflow, err := h.workflowService.Archive(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) Enroll(c fiber.Ctx) error {
	var req EnrollRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	enrolled, err := h.tracker.Enroll(c.Context(), c.Params("id"), req.ContactID, req.Metadata)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(enrolled)
}

func (h *APIHandlers) GetEnrollment(c fiber.Ctx) error {
	enrolled, err := h.tracker.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(enrolled)
}

func (h *APIHandlers) GetHistory(c fiber.Ctx) error {
	id := c.Params("id")

	_, err := h.tracker.Get(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	executions, err := h.store.ExecutionLogRepository().History(c.Context(), id)
	if err != nil {
		return internalError(c, err)
	}

	if executions == nil {
		executions = []*models.StepExecution{}
	}

	return c.JSON(HistoryResponse{EnrollmentID: id, Executions: executions})
}

func (h *APIHandlers) PauseEnrollment(c fiber.Ctx) error {
	enrolled, err := h.tracker.Pause(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(enrolled)
}

func (h *APIHandlers) ResumeEnrollment(c fiber.Ctx) error {
	enrolled, err := h.tracker.Resume(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(enrolled)
}

func (h *APIHandlers) ExitEnrollment(c fiber.Ctx) error {
	req := ExitRequest{Reason: models.ExitReasonManual}

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if req.Reason == "" {
		req.Reason = models.ExitReasonManual
	}

	enrolled, err := h.tracker.Exit(c.Context(), c.Params("id"), req.Reason)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(enrolled)
}

func (h *APIHandlers) GetScore(c fiber.Ctx) error {
	contactID := c.Params("id")

	score, err := h.scores.Score(c.Context(), contactID)
	if err != nil {
		return internalError(c, err)
	}

	history, err := h.store.ScoringRepository().History(c.Context(), contactID)
	if err != nil {
		return internalError(c, err)
	}

	if history == nil {
		history = []*models.ScoreHistory{}
	}

	return c.JSON(ScoreResponse{
		ContactID: contactID,
		Score:     score,
		History:   history,
		AsOf:      h.clock.Now().UTC(),
	})
}

func (h *APIHandlers) SaveScoringRule(c fiber.Ctx) error {
	var rule models.ScoringRule
	if err := c.Bind().JSON(&rule); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(rule); err != nil {
		return badRequest(c, err.Error())
	}

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = h.clock.Now().UTC()
	}

	err := h.store.ScoringRepository().SaveRule(c.Context(), &rule)
	if err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(rule)
}
