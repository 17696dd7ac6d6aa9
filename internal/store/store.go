// Package store persists orchestration run state. The core treats
// persistence as a pure save/restore boundary keyed by run id.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fyrsmithlabs/dispatchd/internal/task"
)

// ErrRunNotFound is returned when no run exists for the given id.
var ErrRunNotFound = errors.New("run not found")

// RunSummary is the listing shape for stored runs.
type RunSummary struct {
	RunID     string      `json:"run_id"`
	Status    task.Status `json:"status"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Store saves and restores run state.
type Store interface {
	SaveRun(ctx context.Context, state *task.RunState) error
	LoadRun(ctx context.Context, runID string) (*task.RunState, error)
	ListRuns(ctx context.Context) ([]RunSummary, error)
	Close() error
}

// MemoryStore is an in-process Store for tests and ephemeral runs.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*task.RunState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*task.RunState)}
}

// SaveRun stores or replaces the run state.
func (m *MemoryStore) SaveRun(_ context.Context, state *task.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[state.RunID] = state
	return nil
}

// LoadRun returns the stored state for a run id.
func (m *MemoryStore) LoadRun(_ context.Context, runID string) (*task.RunState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return state, nil
}

// ListRuns returns summaries of all stored runs.
func (m *MemoryStore) ListRuns(_ context.Context) ([]RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	summaries := make([]RunSummary, 0, len(m.runs))
	for _, state := range m.runs {
		summaries = append(summaries, RunSummary{
			RunID:     state.RunID,
			Status:    state.Status,
			UpdatedAt: state.StartedAt,
		})
	}
	return summaries, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }
