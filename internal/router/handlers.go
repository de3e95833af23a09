// internal/router/handlers.go
package router

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Handler exposes the router over HTTP: the delegation API, the OAuth
// callback and the task status poll endpoint.
type Handler struct {
	router *Router
	log    *zap.SugaredLogger
}

func NewHandler(router *Router, log *zap.SugaredLogger) *Handler {
	return &Handler{router: router, log: log}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/messages", h.handleSend)
	r.Get("/callback", h.handleCallback)
	r.Get("/task_status/{task_id}", h.handleTaskStatus)
	r.Get("/agents", h.handleAgents)
}

type sendRequest struct {
	SessionID string `json:"session_id"`
	AgentType string `json:"agent_type"`
	Task      string `json:"task"`
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.AgentType == "" || req.Task == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent_type and task are required"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = "default"
	}
	result, err := h.router.SendMessage(r.Context(), req.SessionID, req.AgentType, req.Task)
	if err != nil {
		h.log.Errorw("send message", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		http.Error(w, "Error: Missing code or state.", http.StatusBadRequest)
		return
	}
	if err := h.router.HandleCallback(r.Context(), code, state); err != nil {
		h.log.Errorw("oauth callback", "err", err)
		http.Error(w, "Error completing authorization: "+err.Error(), http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	state, err := h.router.TaskStatus(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Task not found"})
			return
		}
		h.log.Errorw("task status", "task", taskID, "err", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "could not retrieve task status"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(state)})
}

type agentSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *Handler) handleAgents(w http.ResponseWriter, _ *http.Request) {
	var out []agentSummary
	for _, card := range h.router.cards.All() {
		out = append(out, agentSummary{Name: card.Name, Description: card.Description})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
