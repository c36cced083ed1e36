// Package checkpoint persists per-category run progress so an interrupted
// run can resume without repeating work.
package checkpoint

import (
	"context"
	"sync"

	"github.com/leeaandrob/marketforge/internal/models"
)

// Store persists RunState per category. Save must be atomic: after a crash a
// subsequent Load returns either the previous or the new state, never a
// partial one. Load returns (nil, nil) when no checkpoint exists.
type Store interface {
	Load(ctx context.Context, category string) (*models.RunState, error)
	Save(ctx context.Context, category string, state *models.RunState) error
	Clear(ctx context.Context, category string) error
}

// Lister is implemented by stores that can enumerate their checkpoints.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// MemoryStore keeps checkpoints in process memory. States are cloned on the
// way in and out.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*models.RunState
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*models.RunState)}
}

// Load returns the stored state for category, or nil.
func (m *MemoryStore) Load(_ context.Context, category string) (*models.RunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[category].Clone(), nil
}

// Save replaces the stored state for category.
func (m *MemoryStore) Save(_ context.Context, category string, state *models.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[category] = state.Clone()
	return nil
}

// Clear removes the stored state for category.
func (m *MemoryStore) Clear(_ context.Context, category string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, category)
	return nil
}

// List returns the categories with a stored checkpoint.
func (m *MemoryStore) List(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.states))
	for k := range m.states {
		out = append(out, k)
	}
	return out, nil
}
