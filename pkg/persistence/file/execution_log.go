package file

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"

	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
)

// ExecutionLogRepository keeps one JSON-lines file per enrollment.
type ExecutionLogRepository struct {
	root string
	mu   sync.Mutex
}

// NewExecutionLogRepository creates a new execution log repository.
func NewExecutionLogRepository(root string) *ExecutionLogRepository {
	return &ExecutionLogRepository{root: root}
}

func (lr *ExecutionLogRepository) path(enrollmentID string) string {
	return filepath.Join(lr.root, "executions", enrollmentID+".jsonl")
}

// Append writes a new entry, numbering it after the enrollment's last entry.
func (lr *ExecutionLogRepository) Append(ctx context.Context, execution *models.StepExecution) error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	history, err := lr.History(ctx, execution.EnrollmentID)
	if err != nil {
		return err
	}

	execution.Sequence = int64(len(history)) + 1

	err = appendJSONLine(lr.path(execution.EnrollmentID), execution)
	if err != nil {
		return persistence.NewEnrollmentError("AppendStepExecution", execution.EnrollmentID, err)
	}

	return nil
}

// CountVisits counts the entries of an enrollment for a step.
func (lr *ExecutionLogRepository) CountVisits(ctx context.Context, enrollmentID, stepID string) (int, error) {
	history, err := lr.History(ctx, enrollmentID)
	if err != nil {
		return 0, err
	}

	visits := 0

	for _, execution := range history {
		if execution.StepID == stepID {
			visits++
		}
	}

	return visits, nil
}

// History returns the enrollment's entries in append order.
func (lr *ExecutionLogRepository) History(_ context.Context, enrollmentID string) ([]*models.StepExecution, error) {
	history := make([]*models.StepExecution, 0)

	err := readJSONLines(lr.path(enrollmentID), func(line []byte) error {
		var execution models.StepExecution

		err := json.Unmarshal(line, &execution)
		if err != nil {
			return err
		}

		history = append(history, &execution)

		return nil
	})
	if err != nil {
		return nil, persistence.NewEnrollmentError("History", enrollmentID, err)
	}

	return history, nil
}
