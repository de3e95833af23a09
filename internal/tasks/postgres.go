// internal/tasks/postgres.go
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"handoff/pkg/a2a"
)

// pgStore implements Store backed by PostgreSQL.
type pgStore struct {
	dbPool *pgxpool.Pool
	log    *zap.SugaredLogger
}

// NewPostgresStore constructs a PostgreSQL-backed task store.
func NewPostgresStore(dbPool *pgxpool.Pool, log *zap.SugaredLogger) Store {
	return &pgStore{dbPool: dbPool, log: log}
}

// EnsureSchema creates the tasks table if it does not already exist.
// Safe to call repeatedly (idempotent).
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tasks (
  id text PRIMARY KEY,
  context_id text NOT NULL DEFAULT '',
  session_id text NOT NULL DEFAULT '',
  agent_name text NOT NULL DEFAULT '',
  request jsonb NOT NULL DEFAULT '{}'::jsonb,
  state text NOT NULL DEFAULT 'submitted',
  failure text NOT NULL DEFAULT '',
  remote_task_id text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
ALTER TABLE tasks ADD COLUMN IF NOT EXISTS session_id text NOT NULL DEFAULT '';
ALTER TABLE tasks ADD COLUMN IF NOT EXISTS agent_name text NOT NULL DEFAULT '';
ALTER TABLE tasks ADD COLUMN IF NOT EXISTS remote_task_id text NOT NULL DEFAULT '';
`)
	return err
}

func (s *pgStore) Save(ctx context.Context, t Task) error {
	req, err := json.Marshal(t.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	failure := ""
	if t.Status.Message != nil {
		failure = t.Status.Message.Text()
	}
	_, err = s.dbPool.Exec(ctx, `INSERT INTO tasks(id, context_id, session_id, agent_name, request, state, failure, remote_task_id)
	  VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	  ON CONFLICT (id) DO UPDATE SET context_id=EXCLUDED.context_id, session_id=EXCLUDED.session_id,
	    agent_name=EXCLUDED.agent_name, request=EXCLUDED.request, state=EXCLUDED.state,
	    failure=EXCLUDED.failure, remote_task_id=EXCLUDED.remote_task_id, updated_at=NOW()`,
		t.ID, t.ContextID, t.SessionID, t.AgentName, req, string(t.Status.State), failure, t.RemoteTaskID)
	return err
}

func (s *pgStore) Get(ctx context.Context, id string) (Task, bool, error) {
	var (
		t       Task
		req     []byte
		state   string
		failure string
	)
	row := s.dbPool.QueryRow(ctx, `SELECT id, context_id, session_id, agent_name, request, state, failure, remote_task_id
	  FROM tasks WHERE id=$1`, id)
	if err := row.Scan(&t.ID, &t.ContextID, &t.SessionID, &t.AgentName, &req, &state, &failure, &t.RemoteTaskID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, false, nil
		}
		return Task{}, false, err
	}
	_ = json.Unmarshal(req, &t.Request)
	t.Status = statusFrom(state, failure)
	return t, true, nil
}

func (s *pgStore) GetAll(ctx context.Context) ([]Task, error) {
	rows, err := s.dbPool.Query(ctx, `SELECT id, context_id, session_id, agent_name, request, state, failure, remote_task_id FROM tasks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var (
			t       Task
			req     []byte
			state   string
			failure string
		)
		if err := rows.Scan(&t.ID, &t.ContextID, &t.SessionID, &t.AgentName, &req, &state, &failure, &t.RemoteTaskID); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(req, &t.Request)
		t.Status = statusFrom(state, failure)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *pgStore) SetRemoteTaskID(ctx context.Context, id, remoteID string) error {
	_, err := s.dbPool.Exec(ctx, `UPDATE tasks SET remote_task_id=$2, state=$3, updated_at=NOW() WHERE id=$1`,
		id, remoteID, string(a2a.TaskStateWorking))
	return err
}

func (s *pgStore) Fail(ctx context.Context, id, message string) error {
	_, err := s.dbPool.Exec(ctx, `UPDATE tasks SET state=$2, failure=$3, updated_at=NOW() WHERE id=$1`,
		id, string(a2a.TaskStateFailed), message)
	return err
}

func statusFrom(state, failure string) a2a.TaskStatus {
	st := a2a.TaskStatus{State: a2a.TaskState(state)}
	if failure != "" {
		msg := a2a.TextMessage("agent", failure, "", "")
		st.Message = &msg
	}
	return st
}
