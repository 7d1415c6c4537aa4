package graph

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dukex/journeys/pkg/persistence"
)

// Store loads workflow snapshots and caches them by workflow id and version.
type Store struct {
	repo   persistence.WorkflowRepository
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Graph
}

// NewStore creates a graph store over a workflow repository.
func NewStore(repo persistence.WorkflowRepository, logger *slog.Logger) *Store {
	return &Store{
		repo:   repo,
		logger: logger.With("module", "graph_store"),
		cache:  make(map[string]*Graph),
	}
}

// Load returns the snapshot of a workflow. The cached snapshot is reused while
// its version matches the stored one, so changes made by other processes are
// seen on the next Load.
func (s *Store) Load(ctx context.Context, workflowID string) (*Graph, error) {
	s.mu.RLock()
	cached, ok := s.cache[workflowID]
	s.mu.RUnlock()

	if ok {
		version, err := s.repo.Version(ctx, workflowID)
		if err != nil {
			return nil, err
		}

		if version == cached.Version {
			return cached, nil
		}

		s.logger.DebugContext(ctx, "workflow snapshot is stale", "workflow_id", workflowID,
			"cached_version", cached.Version, "version", version)
	}

	workflow, err := s.repo.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	snapshot := New(workflow, s.logger)

	s.mu.Lock()
	defer s.mu.Unlock()

	// A concurrent load may have stored a newer version in the meantime.
	if current, ok := s.cache[workflowID]; ok && current.Version >= snapshot.Version {
		return current, nil
	}

	s.cache[workflowID] = snapshot

	s.logger.DebugContext(ctx, "workflow snapshot cached", "workflow_id", workflowID, "version", snapshot.Version)

	return snapshot, nil
}

// Invalidate drops a cached snapshot so the next Load reads the repository.
func (s *Store) Invalidate(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, workflowID)
}
