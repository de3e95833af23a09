// internal/agent/server.go

// Package agent implements a downstream tenant-scoped agent that requires
// OAuth2-protected access: every delegation call must carry a bearer token
// that validates against the issuer's JWKS and matches this instance's
// tenant.
package agent

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"handoff/pkg/a2a"
	"handoff/pkg/authval"
)

type Server struct {
	log       *zap.SugaredLogger
	card      a2a.AgentCard
	validator *authval.Validator
	tenantID  string

	mu    sync.Mutex
	tasks map[string]a2a.Task
}

func NewServer(log *zap.SugaredLogger, card a2a.AgentCard, validator *authval.Validator, tenantID string) *Server {
	return &Server{
		log:       log,
		card:      card,
		validator: validator,
		tenantID:  tenantID,
		tasks:     map[string]a2a.Task{},
	}
}

func (s *Server) Routes(r chi.Router) {
	r.Get("/.well-known/agent.json", s.handleCard)
	r.Post("/", s.handleRPC)
}

func (s *Server) handleCard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.card)
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "", -32700, "Parse error")
		return
	}

	token := bearerToken(r)
	res := s.validator.Validate(r.Context(), token, s.tenantID)
	if !res.Valid {
		s.log.Warnw("token rejected", "reason", res.Reason)
		s.writeError(w, req.ID, -32001, res.Reason)
		return
	}

	switch req.Method {
	case a2a.MethodMessageSend:
		var params a2a.MessageSendParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.writeError(w, req.ID, -32602, "Invalid params")
			return
		}
		s.handleSend(w, req.ID, params.Message, res.Claims)
	case a2a.MethodTasksGet:
		var params a2a.TaskQueryParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.writeError(w, req.ID, -32602, "Invalid params")
			return
		}
		s.handleGet(w, req.ID, params.ID)
	default:
		s.writeError(w, req.ID, -32601, "Method not found")
	}
}

func (s *Server) handleSend(w http.ResponseWriter, rpcID string, msg a2a.Message, claims map[string]any) {
	sub, _ := claims["sub"].(string)
	s.log.Infow("task accepted", "sub", sub, "context", msg.ContextID)

	// Demo skill: a canned order-status answer for the authenticated user.
	reply := a2a.TextMessage("agent", "Your most recent order is out for delivery.", uuid.NewString(), msg.ContextID)
	task := a2a.Task{
		ID:        uuid.NewString(),
		ContextID: msg.ContextID,
		Status:    a2a.TaskStatus{State: a2a.TaskStateCompleted, Message: &reply},
	}
	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()

	s.writeResult(w, rpcID, task)
}

func (s *Server) handleGet(w http.ResponseWriter, rpcID, taskID string) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		s.writeError(w, rpcID, -32002, "Task not found")
		return
	}
	s.writeResult(w, rpcID, task)
}

func (s *Server) writeResult(w http.ResponseWriter, rpcID string, task a2a.Task) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(a2a.SendMessageResponse{JSONRPC: "2.0", ID: rpcID, Result: &task})
}

func (s *Server) writeError(w http.ResponseWriter, rpcID string, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(a2a.SendMessageResponse{JSONRPC: "2.0", ID: rpcID, Error: &a2a.RPCError{Code: code, Message: message}})
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("Bearer "):])
	}
	return ""
}
