// internal/tasks/store.go

// Package tasks persists delegated tasks through their asynchronous
// lifecycle: submitted -> working -> completed | failed.
package tasks

import (
	"context"

	"handoff/pkg/a2a"
)

// Task is the durable record of one delegated operation. It is owned by the
// router and mutated only through Store operations.
type Task struct {
	ID           string
	ContextID    string
	SessionID    string
	AgentName    string
	Request      a2a.Message
	Status       a2a.TaskStatus
	RemoteTaskID string
}

// Store is the persistence contract consumed by the router. Save is
// insert-or-replace by id. SetRemoteTaskID also advances the task to
// working; Fail advances it to failed and records the message. All
// operations are safe to call from the background dispatch path while a
// foreground path reads the same id.
type Store interface {
	Save(ctx context.Context, t Task) error
	Get(ctx context.Context, id string) (Task, bool, error)
	GetAll(ctx context.Context) ([]Task, error)
	SetRemoteTaskID(ctx context.Context, id, remoteID string) error
	Fail(ctx context.Context, id, message string) error
}
