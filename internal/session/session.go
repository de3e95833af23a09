// internal/session/session.go

// Package session keeps per-conversation state: the tenant the conversation
// belongs to, any tokens obtained via the OAuth callback, the active agent
// and the context id grouping messages. The router reads it but does not own
// it; the callback handler writes tokens into it out of band.
package session

import (
	"context"
)

type State struct {
	TenantID     string `json:"tenant_id,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ActiveAgent  string `json:"active_agent,omitempty"`
	ContextID    string `json:"context_id,omitempty"`
}

type Store interface {
	Get(ctx context.Context, id string) (State, error)
	Put(ctx context.Context, id string, st State) error
}
