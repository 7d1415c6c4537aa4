package web

import (
	"errors"

	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/dukex/journeys/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, kind, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, kind string, err error) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(err.Error())

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError maps domain errors to problem documents.
func handleServiceError(c fiber.Ctx, err error) error {
	var integrity *models.GraphIntegrityError

	switch {
	case services.IsValidationError(err):
		return badRequest(c, err.Error())

	case persistence.IsWorkflowNotFound(err):
		return notFound(c, "workflow_not_found", "workflow not found")

	case persistence.IsEnrollmentNotFound(err):
		return notFound(c, "enrollment_not_found", "enrollment not found")

	case models.IsAlreadyEnrolled(err):
		return conflict(c, "already_enrolled", err)

	case models.IsInvalidTransition(err):
		return conflict(c, "invalid_transition", err)

	case errors.Is(err, services.ErrWorkflowNotDraft):
		return conflict(c, "workflow_not_draft", err)

	case errors.Is(err, models.ErrWorkflowNotActive), services.IsConflictError(err):
		return conflict(c, "workflow_not_active", err)

	case errors.Is(err, models.ErrNoEntryStep), errors.As(err, &integrity):
		return conflict(c, "graph_integrity", err)

	default:
		return internalError(c, err)
	}
}
