package file

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
)

// EnrollmentRepository stores one JSON document per enrollment. A single mutex
// serializes writes so open-pair uniqueness and version checks are atomic.
type EnrollmentRepository struct {
	root string
	mu   sync.Mutex
}

// NewEnrollmentRepository creates a new enrollment repository.
func NewEnrollmentRepository(root string) *EnrollmentRepository {
	return &EnrollmentRepository{root: root}
}

func (er *EnrollmentRepository) dir() string {
	return filepath.Join(er.root, "enrollments")
}

func (er *EnrollmentRepository) path(id string) string {
	return filepath.Join(er.dir(), id+".json")
}

// Create stores a new enrollment unless the pair already has an open one.
func (er *EnrollmentRepository) Create(_ context.Context, enrollment *models.Enrollment) error {
	er.mu.Lock()
	defer er.mu.Unlock()

	all, err := er.loadAll()
	if err != nil {
		return persistence.NewEnrollmentError("Create", enrollment.ID, err)
	}

	for _, existing := range all {
		if existing.WorkflowID == enrollment.WorkflowID &&
			existing.ContactID == enrollment.ContactID &&
			!existing.Status.IsTerminal() {
			return persistence.NewEnrollmentError("Create", enrollment.ID, persistence.ErrOpenEnrollmentExists)
		}
	}

	enrollment.Version = 1

	err = writeJSON(er.path(enrollment.ID), enrollment)
	if err != nil {
		return persistence.NewEnrollmentError("Create", enrollment.ID, err)
	}

	return nil
}

// Update saves the enrollment when its version matches the stored one.
func (er *EnrollmentRepository) Update(_ context.Context, enrollment *models.Enrollment) error {
	er.mu.Lock()
	defer er.mu.Unlock()

	var stored models.Enrollment

	found, err := readJSON(er.path(enrollment.ID), &stored)
	if err != nil {
		return persistence.NewEnrollmentError("Update", enrollment.ID, err)
	}

	if !found {
		return persistence.NewEnrollmentError("Update", enrollment.ID, persistence.ErrEnrollmentNotFound)
	}

	if stored.Version != enrollment.Version {
		return persistence.NewEnrollmentError("Update", enrollment.ID, persistence.ErrVersionConflict)
	}

	enrollment.Version++

	err = writeJSON(er.path(enrollment.ID), enrollment)
	if err != nil {
		enrollment.Version--

		return persistence.NewEnrollmentError("Update", enrollment.ID, err)
	}

	return nil
}

// GetByID retrieves an enrollment by its ID.
func (er *EnrollmentRepository) GetByID(_ context.Context, id string) (*models.Enrollment, error) {
	var enrollment models.Enrollment

	found, err := readJSON(er.path(id), &enrollment)
	if err != nil {
		return nil, persistence.NewEnrollmentError("GetByID", id, err)
	}

	if !found {
		return nil, persistence.NewEnrollmentError("GetByID", id, persistence.ErrEnrollmentNotFound)
	}

	return &enrollment, nil
}

// FindOpen returns the active or paused enrollment of the pair.
func (er *EnrollmentRepository) FindOpen(_ context.Context, workflowID, contactID string) (*models.Enrollment, error) {
	all, err := er.loadAll()
	if err != nil {
		return nil, err
	}

	for _, enrollment := range all {
		if enrollment.WorkflowID == workflowID && enrollment.ContactID == contactID && !enrollment.Status.IsTerminal() {
			return enrollment, nil
		}
	}

	return nil, persistence.NewEnrollmentError("FindOpen", workflowID+"/"+contactID, persistence.ErrEnrollmentNotFound)
}

// ListByContact returns every enrollment of the pair, oldest first.
func (er *EnrollmentRepository) ListByContact(_ context.Context, workflowID, contactID string) ([]*models.Enrollment, error) {
	all, err := er.loadAll()
	if err != nil {
		return nil, err
	}

	result := make([]*models.Enrollment, 0)

	for _, enrollment := range all {
		if enrollment.WorkflowID == workflowID && enrollment.ContactID == contactID {
			result = append(result, enrollment)
		}
	}

	return result, nil
}

// ListDue returns active enrollments that may be ticked at now, earliest first.
func (er *EnrollmentRepository) ListDue(_ context.Context, now time.Time, limit int) ([]*models.Enrollment, error) {
	all, err := er.loadAll()
	if err != nil {
		return nil, err
	}

	due := make([]*models.Enrollment, 0)

	for _, enrollment := range all {
		if enrollment.IsDue(now) {
			due = append(due, enrollment)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return dueAt(due[i]).Before(dueAt(due[j]))
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

// ListByWorkflow returns the workflow's enrollments in the given statuses.
func (er *EnrollmentRepository) ListByWorkflow(_ context.Context, workflowID string, statuses ...models.EnrollmentStatus) ([]*models.Enrollment, error) {
	all, err := er.loadAll()
	if err != nil {
		return nil, err
	}

	result := make([]*models.Enrollment, 0)

	for _, enrollment := range all {
		if enrollment.WorkflowID != workflowID {
			continue
		}

		if len(statuses) > 0 && !slices.Contains(statuses, enrollment.Status) {
			continue
		}

		result = append(result, enrollment)
	}

	return result, nil
}

func (er *EnrollmentRepository) loadAll() ([]*models.Enrollment, error) {
	ids, err := listJSON(er.dir())
	if err != nil {
		return nil, fmt.Errorf("failed to list enrollment files: %w", err)
	}

	enrollments := make([]*models.Enrollment, 0, len(ids))

	for _, id := range ids {
		var enrollment models.Enrollment

		found, err := readJSON(er.path(id), &enrollment)
		if err != nil {
			return nil, err
		}

		if found {
			enrollments = append(enrollments, &enrollment)
		}
	}

	sort.Slice(enrollments, func(i, j int) bool {
		return enrollments[i].EnteredAt.Before(enrollments[j].EnteredAt)
	})

	return enrollments, nil
}

func dueAt(enrollment *models.Enrollment) time.Time {
	if enrollment.NextRunAt == nil {
		return enrollment.UpdatedAt
	}

	return *enrollment.NextRunAt
}
