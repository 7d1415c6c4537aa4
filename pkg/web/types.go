// Package web provides HTTP request and response types for the journeys API.
package web

import (
	"time"

	"github.com/dukex/journeys/pkg/models"
)

// IngestEventRequest is a behavioral event observed for a contact.
type IngestEventRequest struct {
	ContactID string         `json:"contact_id" validate:"required"`
	EventType string         `json:"event_type" validate:"required"`
	Payload   map[string]any `json:"payload"`
	Source    string         `json:"source"`
}

// IngestEventResponse acknowledges an accepted event. Scoring and trigger
// matching happen asynchronously.
type IngestEventResponse struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
}

// WorkflowRequest is the body for creating or replacing a workflow definition.
type WorkflowRequest struct {
	Name        string                  `json:"name"          validate:"required,min=3"`
	Description string                  `json:"description"`
	EntryStepID string                  `json:"entry_step_id"`
	Settings    models.WorkflowSettings `json:"settings"`
	Steps       []*models.Step          `json:"steps"         validate:"dive"`
	Connections []*models.Connection    `json:"connections"   validate:"dive"`
	Owner       string                  `json:"owner"`
}

func (r WorkflowRequest) toModel(id string) *models.Workflow {
	steps := r.Steps
	if steps == nil {
		steps = []*models.Step{}
	}

	connections := r.Connections
	if connections == nil {
		connections = []*models.Connection{}
	}

	return &models.Workflow{
		ID:          id,
		Name:        r.Name,
		Description: r.Description,
		EntryStepID: r.EntryStepID,
		Settings:    r.Settings,
		Steps:       steps,
		Connections: connections,
		Owner:       r.Owner,
	}
}

// EnrollRequest enrolls a contact explicitly, bypassing trigger matching.
type EnrollRequest struct {
	ContactID string         `json:"contact_id" validate:"required"`
	Metadata  map[string]any `json:"metadata"`
}

// ExitRequest removes a contact from a workflow.
type ExitRequest struct {
	Reason string `json:"reason"`
}

// HistoryResponse is the execution log of an enrollment.
type HistoryResponse struct {
	EnrollmentID string                  `json:"enrollment_id"`
	Executions   []*models.StepExecution `json:"executions"`
}

// ScoreResponse is the live score of a contact and its grants.
type ScoreResponse struct {
	ContactID string                 `json:"contact_id"`
	Score     int                    `json:"score"`
	History   []*models.ScoreHistory `json:"history"`
	AsOf      time.Time              `json:"as_of"`
}
