package mocks

import (
	"context"
	"time"

	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockWorkflowRepository is a mock implementation of persistence.WorkflowRepository interface.
type MockWorkflowRepository struct {
	mock.Mock
}

func (m *MockWorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	args := m.Called(ctx, workflow)

	return args.Error(0)
}

func (m *MockWorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Workflow), args.Error(1)
}

func (m *MockWorkflowRepository) Version(ctx context.Context, id string) (int, error) {
	args := m.Called(ctx, id)

	return args.Int(0), args.Error(1)
}

func (m *MockWorkflowRepository) List(ctx context.Context, status models.WorkflowStatus) ([]*models.Workflow, error) {
	args := m.Called(ctx, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Workflow), args.Error(1)
}

func (m *MockWorkflowRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

// MockScoringRepository is a mock implementation of persistence.ScoringRepository interface.
type MockScoringRepository struct {
	mock.Mock
}

func (m *MockScoringRepository) SaveRule(ctx context.Context, rule *models.ScoringRule) error {
	args := m.Called(ctx, rule)

	return args.Error(0)
}

func (m *MockScoringRepository) ActiveRules(ctx context.Context, eventType string) ([]*models.ScoringRule, error) {
	args := m.Called(ctx, eventType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.ScoringRule), args.Error(1)
}

func (m *MockScoringRepository) AppendHistory(ctx context.Context, entry *models.ScoreHistory) error {
	args := m.Called(ctx, entry)

	return args.Error(0)
}

func (m *MockScoringRepository) CountLiveOccurrences(ctx context.Context, ruleID, contactID string, now time.Time) (int, error) {
	args := m.Called(ctx, ruleID, contactID, now)

	return args.Int(0), args.Error(1)
}

func (m *MockScoringRepository) LiveScore(ctx context.Context, contactID string, now time.Time) (int, error) {
	args := m.Called(ctx, contactID, now)

	return args.Int(0), args.Error(1)
}

func (m *MockScoringRepository) History(ctx context.Context, contactID string) ([]*models.ScoreHistory, error) {
	args := m.Called(ctx, contactID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.ScoreHistory), args.Error(1)
}

// MockPersistence is a mock implementation of persistence.Persistence interface.
// Repositories not set on it are nil.
type MockPersistence struct {
	mock.Mock

	Workflows    *MockWorkflowRepository
	Enrollments  persistence.EnrollmentRepository
	ExecutionLog persistence.ExecutionLogRepository
	Scoring      *MockScoringRepository
}

func NewMockPersistence() *MockPersistence {
	return &MockPersistence{
		Workflows: &MockWorkflowRepository{},
		Scoring:   &MockScoringRepository{},
	}
}

func (m *MockPersistence) WorkflowRepository() persistence.WorkflowRepository {
	return m.Workflows
}

func (m *MockPersistence) EnrollmentRepository() persistence.EnrollmentRepository {
	return m.Enrollments
}

func (m *MockPersistence) ExecutionLogRepository() persistence.ExecutionLogRepository {
	return m.ExecutionLog
}

func (m *MockPersistence) ScoringRepository() persistence.ScoringRepository {
	return m.Scoring
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
