package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/google/uuid"
)

const workflowColumns = `
			id
		  , name
		  , description
		  , status
		  , entry_step_id
		  , settings
		  , steps
		  , connections
		  , owner
		  , version
		  , created_at
		  , updated_at
		  , activated_at
		  , archived_at`

// WorkflowRepository handles workflow-related database operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

// List returns workflows filtered by status, oldest first. An empty status returns all.
func (r *WorkflowRepository) List(ctx context.Context, status models.WorkflowStatus) ([]*models.Workflow, error) {
	query := `SELECT` + workflowColumns + `
		FROM workflows
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	workflows := make([]*models.Workflow, 0)

	for rows.Next() {
		workflow, err := r.scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		workflows = append(workflows, workflow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return workflows, nil
}

// GetByID retrieves a workflow by its ID.
func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	query := `SELECT` + workflowColumns + `
		FROM workflows
		WHERE id = $1
	`

	workflow, err := r.scanWorkflow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	return workflow, nil
}

// Version returns the stored version of a workflow.
func (r *WorkflowRepository) Version(ctx context.Context, id string) (int, error) {
	var version int

	err := r.db.QueryRowContext(ctx, `SELECT version FROM workflows WHERE id = $1`, id).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, persistence.NewWorkflowError("Version", id, persistence.ErrWorkflowNotFound)
		}

		return 0, persistence.NewWorkflowError("Version", id, err)
	}

	return version, nil
}

// Save upserts a workflow, bumping its version.
func (r *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	now := time.Now().UTC()

	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	if workflow.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate workflow ID: %w", err)
		}

		workflow.ID = id.String()
	}

	settingsJSON, err := json.Marshal(workflow.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	stepsJSON, err := json.Marshal(nonNil(workflow.Steps))
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	connectionsJSON, err := json.Marshal(nonNil(workflow.Connections))
	if err != nil {
		return fmt.Errorf("failed to marshal connections: %w", err)
	}

	query := `
		INSERT INTO workflows (
			id, name, description, status, entry_step_id, settings, steps, connections,
			owner, version, created_at, updated_at, activated_at, archived_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			entry_step_id = EXCLUDED.entry_step_id,
			settings = EXCLUDED.settings,
			steps = EXCLUDED.steps,
			connections = EXCLUDED.connections,
			owner = EXCLUDED.owner,
			version = workflows.version + 1,
			updated_at = EXCLUDED.updated_at,
			activated_at = EXCLUDED.activated_at,
			archived_at = EXCLUDED.archived_at
		RETURNING version
	`

	err = r.db.QueryRowContext(ctx, query,
		workflow.ID,
		workflow.Name,
		workflow.Description,
		string(workflow.Status),
		nullString(workflow.EntryStepID),
		settingsJSON,
		stepsJSON,
		connectionsJSON,
		nullString(workflow.Owner),
		workflow.CreatedAt,
		workflow.UpdatedAt,
		workflow.ActivatedAt,
		workflow.ArchivedAt,
	).Scan(&workflow.Version)
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	r.logger.DebugContext(ctx, "workflow saved", "workflow_id", workflow.ID, "version", workflow.Version)

	return nil
}

// Delete removes a workflow by its ID.
func (r *WorkflowRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	return nil
}

func (r *WorkflowRepository) scanWorkflow(row scanner) (*models.Workflow, error) {
	var (
		workflow                                 models.Workflow
		status                                   string
		entryStepID, owner                       sql.NullString
		settingsJSON, stepsJSON, connectionsJSON []byte
		activatedAt, archivedAt                  sql.NullTime
	)

	err := row.Scan(
		&workflow.ID,
		&workflow.Name,
		&workflow.Description,
		&status,
		&entryStepID,
		&settingsJSON,
		&stepsJSON,
		&connectionsJSON,
		&owner,
		&workflow.Version,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
		&activatedAt,
		&archivedAt,
	)
	if err != nil {
		return nil, err
	}

	workflow.Status = models.WorkflowStatus(status)
	workflow.EntryStepID = entryStepID.String
	workflow.Owner = owner.String
	workflow.ActivatedAt = timePtr(activatedAt)
	workflow.ArchivedAt = timePtr(archivedAt)

	err = json.Unmarshal(settingsJSON, &workflow.Settings)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}

	err = json.Unmarshal(stepsJSON, &workflow.Steps)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}

	err = json.Unmarshal(connectionsJSON, &workflow.Connections)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal connections: %w", err)
	}

	return &workflow, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}

	return items
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}

	t := value.Time.UTC()

	return &t
}
