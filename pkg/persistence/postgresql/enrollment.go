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
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const enrollmentColumns = `
			id
		  , workflow_id
		  , contact_id
		  , current_step_id
		  , status
		  , metadata
		  , retry_count
		  , entered_at
		  , step_entered_at
		  , next_run_at
		  , completed_at
		  , exited_at
		  , exit_reason
		  , version
		  , updated_at`

// EnrollmentRepository handles enrollment-related database operations.
type EnrollmentRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewEnrollmentRepository creates a new enrollment repository.
func NewEnrollmentRepository(db *sql.DB, logger *slog.Logger) *EnrollmentRepository {
	return &EnrollmentRepository{db: db, logger: logger}
}

// Create inserts a new enrollment. The partial unique index on open pairs rejects duplicates.
func (r *EnrollmentRepository) Create(ctx context.Context, enrollment *models.Enrollment) error {
	metadataJSON, err := json.Marshal(enrollment.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal enrollment metadata: %w", err)
	}

	query := `
		INSERT INTO enrollments (
			id, workflow_id, contact_id, current_step_id, status, metadata, retry_count,
			entered_at, step_entered_at, next_run_at, completed_at, exited_at, exit_reason,
			version, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1, $14)
	`

	_, err = r.db.ExecContext(ctx, query,
		enrollment.ID,
		enrollment.WorkflowID,
		enrollment.ContactID,
		nullString(enrollment.CurrentStepID),
		string(enrollment.Status),
		metadataJSON,
		enrollment.RetryCount,
		enrollment.EnteredAt,
		enrollment.StepEnteredAt,
		enrollment.NextRunAt,
		enrollment.CompletedAt,
		enrollment.ExitedAt,
		nullString(enrollment.ExitReason),
		enrollment.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return persistence.NewEnrollmentError("Create", enrollment.ID, persistence.ErrOpenEnrollmentExists)
		}

		return persistence.NewEnrollmentError("Create", enrollment.ID, err)
	}

	enrollment.Version = 1

	return nil
}

// Update writes the enrollment when the stored version still matches.
func (r *EnrollmentRepository) Update(ctx context.Context, enrollment *models.Enrollment) error {
	metadataJSON, err := json.Marshal(enrollment.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal enrollment metadata: %w", err)
	}

	query := `
		UPDATE enrollments SET
			current_step_id = $3,
			status = $4,
			metadata = $5,
			retry_count = $6,
			step_entered_at = $7,
			next_run_at = $8,
			completed_at = $9,
			exited_at = $10,
			exit_reason = $11,
			updated_at = $12,
			version = version + 1
		WHERE id = $1 AND version = $2
	`

	result, err := r.db.ExecContext(ctx, query,
		enrollment.ID,
		enrollment.Version,
		nullString(enrollment.CurrentStepID),
		string(enrollment.Status),
		metadataJSON,
		enrollment.RetryCount,
		enrollment.StepEnteredAt,
		enrollment.NextRunAt,
		enrollment.CompletedAt,
		enrollment.ExitedAt,
		nullString(enrollment.ExitReason),
		enrollment.UpdatedAt,
	)
	if err != nil {
		return persistence.NewEnrollmentError("Update", enrollment.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewEnrollmentError("Update", enrollment.ID, err)
	}

	if affected == 0 {
		_, getErr := r.GetByID(ctx, enrollment.ID)
		if getErr != nil {
			return getErr
		}

		return persistence.NewEnrollmentError("Update", enrollment.ID, persistence.ErrVersionConflict)
	}

	enrollment.Version++

	return nil
}

// GetByID retrieves an enrollment by its ID.
func (r *EnrollmentRepository) GetByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := `SELECT` + enrollmentColumns + ` FROM enrollments WHERE id = $1`

	enrollment, err := scanEnrollment(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEnrollmentError("GetByID", id, persistence.ErrEnrollmentNotFound)
		}

		return nil, persistence.NewEnrollmentError("GetByID", id, err)
	}

	return enrollment, nil
}

// FindOpen returns the active or paused enrollment of the pair.
func (r *EnrollmentRepository) FindOpen(ctx context.Context, workflowID, contactID string) (*models.Enrollment, error) {
	query := `SELECT` + enrollmentColumns + `
		FROM enrollments
		WHERE workflow_id = $1 AND contact_id = $2 AND status IN ('active', 'paused')
	`

	enrollment, err := scanEnrollment(r.db.QueryRowContext(ctx, query, workflowID, contactID))
	if err != nil {
		key := workflowID + "/" + contactID
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEnrollmentError("FindOpen", key, persistence.ErrEnrollmentNotFound)
		}

		return nil, persistence.NewEnrollmentError("FindOpen", key, err)
	}

	return enrollment, nil
}

// ListByContact returns every enrollment of the pair, oldest first.
func (r *EnrollmentRepository) ListByContact(ctx context.Context, workflowID, contactID string) ([]*models.Enrollment, error) {
	query := `SELECT` + enrollmentColumns + `
		FROM enrollments
		WHERE workflow_id = $1 AND contact_id = $2
		ORDER BY entered_at ASC
	`

	return r.query(ctx, query, workflowID, contactID)
}

// ListDue returns active enrollments whose NextRunAt has elapsed, earliest first.
func (r *EnrollmentRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Enrollment, error) {
	query := `SELECT` + enrollmentColumns + `
		FROM enrollments
		WHERE status = 'active' AND (next_run_at IS NULL OR next_run_at <= $1)
		ORDER BY COALESCE(next_run_at, updated_at) ASC
		LIMIT NULLIF($2, 0)
	`

	return r.query(ctx, query, now, limit)
}

// ListByWorkflow returns the workflow's enrollments in the given statuses.
func (r *EnrollmentRepository) ListByWorkflow(ctx context.Context, workflowID string, statuses ...models.EnrollmentStatus) ([]*models.Enrollment, error) {
	filter := make([]string, 0, len(statuses))
	for _, status := range statuses {
		filter = append(filter, string(status))
	}

	query := `SELECT` + enrollmentColumns + `
		FROM enrollments
		WHERE workflow_id = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY entered_at ASC
	`

	return r.query(ctx, query, workflowID, pq.Array(filter))
}

func (r *EnrollmentRepository) query(ctx context.Context, query string, args ...any) ([]*models.Enrollment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	enrollments := make([]*models.Enrollment, 0)

	for rows.Next() {
		enrollment, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan enrollment: %w", err)
		}

		enrollments = append(enrollments, enrollment)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating enrollments: %w", err)
	}

	return enrollments, nil
}

func scanEnrollment(row scanner) (*models.Enrollment, error) {
	var (
		enrollment                       models.Enrollment
		status                           string
		currentStepID, exitReason        sql.NullString
		metadataJSON                     []byte
		nextRunAt, completedAt, exitedAt sql.NullTime
	)

	err := row.Scan(
		&enrollment.ID,
		&enrollment.WorkflowID,
		&enrollment.ContactID,
		&currentStepID,
		&status,
		&metadataJSON,
		&enrollment.RetryCount,
		&enrollment.EnteredAt,
		&enrollment.StepEnteredAt,
		&nextRunAt,
		&completedAt,
		&exitedAt,
		&exitReason,
		&enrollment.Version,
		&enrollment.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	enrollment.Status = models.EnrollmentStatus(status)
	enrollment.CurrentStepID = currentStepID.String
	enrollment.ExitReason = exitReason.String
	enrollment.NextRunAt = timePtr(nextRunAt)
	enrollment.CompletedAt = timePtr(completedAt)
	enrollment.ExitedAt = timePtr(exitedAt)

	err = json.Unmarshal(metadataJSON, &enrollment.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal enrollment metadata: %w", err)
	}

	if enrollment.Metadata == nil {
		enrollment.Metadata = make(map[string]any)
	}

	return &enrollment, nil
}
