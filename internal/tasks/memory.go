// internal/tasks/memory.go
package tasks

import (
	"context"
	"sync"

	"handoff/pkg/a2a"
)

// memStore is the in-memory Store used for dev bring-up and tests when no
// DATABASE_URL is configured. Not durable across restarts.
type memStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewMemoryStore() Store {
	return &memStore{tasks: map[string]Task{}}
}

func (m *memStore) Save(_ context.Context, t Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (Task, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	return t, ok, nil
}

func (m *memStore) GetAll(_ context.Context) ([]Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (m *memStore) SetRemoteTaskID(_ context.Context, id, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil
	}
	t.RemoteTaskID = remoteID
	t.Status.State = a2a.TaskStateWorking
	m.tasks[id] = t
	return nil
}

func (m *memStore) Fail(_ context.Context, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil
	}
	msg := a2a.TextMessage("agent", message, "", "")
	t.Status = a2a.TaskStatus{State: a2a.TaskStateFailed, Message: &msg}
	m.tasks[id] = t
	return nil
}
