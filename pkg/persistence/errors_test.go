package persistence_test

import (
	"errors"
	"testing"

	"github.com/dukex/journeys/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("error checking functions work correctly", func(t *testing.T) {
		workflowErr := persistence.NewWorkflowError("GetByID", "workflow-123", persistence.ErrWorkflowNotFound)
		enrollmentErr := persistence.NewEnrollmentError("Update", "enrollment-1", persistence.ErrVersionConflict)

		assert.True(t, persistence.IsWorkflowNotFound(workflowErr))
		assert.True(t, persistence.IsVersionConflict(enrollmentErr))
		assert.False(t, persistence.IsEnrollmentNotFound(enrollmentErr))

		assert.True(t, errors.Is(workflowErr, persistence.ErrWorkflowNotFound))
		assert.True(t, errors.Is(enrollmentErr, persistence.ErrVersionConflict))
	})

	t.Run("workflow error contains context", func(t *testing.T) {
		err := persistence.NewWorkflowError("Save", "workflow-123", persistence.ErrWorkflowNotFound)

		assert.Contains(t, err.Error(), "Save")
		assert.Contains(t, err.Error(), "workflow-123")
		assert.Contains(t, err.Error(), "workflow not found")
	})

	t.Run("enrollment error contains context", func(t *testing.T) {
		err := persistence.NewEnrollmentError("Create", "enrollment-9", persistence.ErrOpenEnrollmentExists)

		assert.Contains(t, err.Error(), "Create")
		assert.Contains(t, err.Error(), "enrollment-9")
		assert.ErrorIs(t, err, persistence.ErrOpenEnrollmentExists)
	})
}
