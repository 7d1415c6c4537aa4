package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
)

// ExecutionLogRepository is the append-only step_executions table.
type ExecutionLogRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionLogRepository creates a new execution log repository.
func NewExecutionLogRepository(db *sql.DB, logger *slog.Logger) *ExecutionLogRepository {
	return &ExecutionLogRepository{db: db, logger: logger}
}

// Append inserts an entry and reads back its sequence number.
func (r *ExecutionLogRepository) Append(ctx context.Context, execution *models.StepExecution) error {
	var outputJSON []byte

	if execution.Output != nil {
		var err error

		outputJSON, err = json.Marshal(execution.Output)
		if err != nil {
			return fmt.Errorf("failed to marshal step output: %w", err)
		}
	}

	query := `
		INSERT INTO step_executions (
			id, enrollment_id, workflow_id, step_id, step_type, outcome, handle, output, error, attempt, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING seq
	`

	err := r.db.QueryRowContext(ctx, query,
		execution.ID,
		execution.EnrollmentID,
		execution.WorkflowID,
		execution.StepID,
		string(execution.StepType),
		string(execution.Outcome),
		nullString(execution.Handle),
		outputJSON,
		nullString(execution.Error),
		execution.Attempt,
		execution.ExecutedAt,
	).Scan(&execution.Sequence)
	if err != nil {
		return persistence.NewEnrollmentError("AppendStepExecution", execution.EnrollmentID, err)
	}

	return nil
}

// CountVisits counts the entries of an enrollment for a step.
func (r *ExecutionLogRepository) CountVisits(ctx context.Context, enrollmentID, stepID string) (int, error) {
	var visits int

	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM step_executions WHERE enrollment_id = $1 AND step_id = $2`,
		enrollmentID, stepID,
	).Scan(&visits)
	if err != nil {
		return 0, persistence.NewEnrollmentError("CountVisits", enrollmentID, err)
	}

	return visits, nil
}

// History returns the enrollment's entries ordered by sequence.
func (r *ExecutionLogRepository) History(ctx context.Context, enrollmentID string) ([]*models.StepExecution, error) {
	query := `
		SELECT seq, id, enrollment_id, workflow_id, step_id, step_type, outcome, handle, output, error, attempt, executed_at
		FROM step_executions
		WHERE enrollment_id = $1
		ORDER BY seq ASC
	`

	rows, err := r.db.QueryContext(ctx, query, enrollmentID)
	if err != nil {
		return nil, persistence.NewEnrollmentError("History", enrollmentID, err)
	}

	defer closeRows(ctx, r.logger, rows)

	history := make([]*models.StepExecution, 0)

	for rows.Next() {
		var (
			execution         models.StepExecution
			stepType, outcome string
			handle, errorText sql.NullString
			outputJSON        []byte
		)

		err := rows.Scan(
			&execution.Sequence,
			&execution.ID,
			&execution.EnrollmentID,
			&execution.WorkflowID,
			&execution.StepID,
			&stepType,
			&outcome,
			&handle,
			&outputJSON,
			&errorText,
			&execution.Attempt,
			&execution.ExecutedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step execution: %w", err)
		}

		execution.StepType = models.StepType(stepType)
		execution.Outcome = models.StepOutcome(outcome)
		execution.Handle = handle.String
		execution.Error = errorText.String

		if len(outputJSON) > 0 {
			err = json.Unmarshal(outputJSON, &execution.Output)
			if err != nil {
				return nil, fmt.Errorf("failed to unmarshal step output: %w", err)
			}
		}

		history = append(history, &execution)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating step executions: %w", err)
	}

	return history, nil
}
