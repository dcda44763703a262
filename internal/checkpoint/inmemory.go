package checkpoint

import (
	"context"
	"sync"

	"github.com/mohammad-safakhou/deepsearch/internal/state"
)

// InMemoryStore keeps run states in process memory. Suitable for a single
// CLI invocation and for tests; not durable across restarts.
type InMemoryStore struct {
	mu   sync.RWMutex
	runs map[string]state.RunState
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{runs: make(map[string]state.RunState)}
}

func (s *InMemoryStore) Save(_ context.Context, st state.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[st.RunID] = st.Clone()
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, runID string) (state.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.runs[runID]
	if !ok {
		return state.RunState{}, ErrNotFound
	}
	return st.Clone(), nil
}
