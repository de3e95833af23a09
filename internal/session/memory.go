// internal/session/memory.go
package session

import (
	"context"
	"sync"
)

type memStore struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewMemoryStore is the fallback when no REDIS_URL is configured.
func NewMemoryStore() Store {
	return &memStore{states: map[string]State{}}
}

func (m *memStore) Get(_ context.Context, id string) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[id], nil
}

func (m *memStore) Put(_ context.Context, id string, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = st
	return nil
}
