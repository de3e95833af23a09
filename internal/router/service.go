// internal/router/service.go

// Package router resolves capability requests to downstream agents, persists
// delegated tasks, and drives the secure asynchronous delegation protocol:
// OAuth redirect when credentials are missing, detached background dispatch,
// and a single refresh-and-retry on token expiry.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"handoff/internal/session"
	"handoff/internal/tasks"
	"handoff/pkg/a2a"
	"handoff/pkg/config"
)

// ErrTaskNotFound is returned by TaskStatus for unknown ids.
var ErrTaskNotFound = errors.New("task not found")

const oauthScopes = "openid profile email api:read"

// SendResult is what the delegation API returns to its caller. Exactly one
// of Message or RedirectURL is meaningful: RedirectURL set means the caller
// must complete a browser authorization before the task can progress.
type SendResult struct {
	Message     string `json:"message,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

// callbackState is carried opaquely through the OAuth state parameter.
type callbackState struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id,omitempty"`
}

type Router struct {
	cfg          config.Config
	log          *zap.SugaredLogger
	cards        *CardRegistry
	store        tasks.Store
	sessions     session.Store
	secrets      map[string]string
	clients      map[string]*RemoteClient
	httpc        *http.Client
	tenantScoped map[string]bool

	// dispatchDone, when set, is invoked after a background dispatch has
	// written its outcome to the task store. Lets tests await completion
	// without wall-clock sleeps.
	dispatchDone func(taskID string)
}

func New(cfg config.Config, log *zap.SugaredLogger, cards *CardRegistry, store tasks.Store, sessions session.Store) *Router {
	r := &Router{
		cfg:          cfg,
		log:          log,
		cards:        cards,
		store:        store,
		sessions:     sessions,
		secrets:      map[string]string{},
		clients:      map[string]*RemoteClient{},
		httpc:        &http.Client{Timeout: 10 * time.Second},
		tenantScoped: map[string]bool{},
	}
	if cfg.AgentSecretsJSON != "" {
		if err := json.Unmarshal([]byte(cfg.AgentSecretsJSON), &r.secrets); err != nil {
			log.Warnw("agent secrets seed", "err", err)
		}
	}
	for _, t := range cfg.TenantScopedTypes {
		r.tenantScoped[t] = true
	}
	for _, card := range cards.All() {
		r.clients[card.Name] = NewRemoteClient(card.URL, cfg.DispatchTimeout)
	}
	return r
}

// SetDispatchHook installs a completion hook for the background dispatch
// path. Intended for tests.
func (r *Router) SetDispatchHook(fn func(taskID string)) { r.dispatchDone = fn }

// SendMessage turns a (capability type, task text) request into a persisted
// task. The task id is returned before any network call happens; delivery to
// the remote agent runs in the background and is observable only through the
// task store.
func (r *Router) SendMessage(ctx context.Context, sessionID, agentType, text string) (SendResult, error) {
	st, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return SendResult{}, fmt.Errorf("load session: %w", err)
	}

	card, ok := r.findCard(agentType, st)
	if !ok {
		return SendResult{
			Message: fmt.Sprintf("I'm sorry, I can't find an agent with the type '%s'. Please choose from the available agent types.", agentType),
		}, nil
	}
	r.log.Infow("agent resolved", "agent", card.Name, "type", agentType)

	taskID := uuid.NewString()
	contextID := st.ContextID
	if contextID == "" {
		contextID = uuid.NewString()
	}
	st.ContextID = contextID

	request := a2a.TextMessage("user", text, uuid.NewString(), contextID)
	if err := r.store.Save(ctx, tasks.Task{
		ID:        taskID,
		ContextID: contextID,
		SessionID: sessionID,
		AgentName: card.Name,
		Request:   request,
		Status:    a2a.TaskStatus{State: a2a.TaskStateSubmitted},
	}); err != nil {
		return SendResult{}, fmt.Errorf("persist task: %w", err)
	}

	if card.Security != nil && st.AccessToken == "" {
		r.log.Infow("agent requires authentication, initiating oauth flow", "agent", card.Name, "task", taskID)
		if err := r.sessions.Put(ctx, sessionID, st); err != nil {
			return SendResult{}, fmt.Errorf("save session: %w", err)
		}
		redirect, err := r.authRedirectURL(card, taskID, sessionID)
		if err != nil {
			return SendResult{}, err
		}
		return SendResult{RedirectURL: redirect, TaskID: taskID}, nil
	}

	st.ActiveAgent = card.Name
	if err := r.sessions.Put(ctx, sessionID, st); err != nil {
		return SendResult{}, fmt.Errorf("save session: %w", err)
	}

	msg := a2a.TextMessage("user", text, uuid.NewString(), contextID)
	go r.dispatch(card, msg, st.AccessToken, sessionID, taskID)

	return SendResult{
		Message: fmt.Sprintf("I've started working on that for you. The task ID is %s.", taskID),
		TaskID:  taskID,
	}, nil
}

// findCard builds the capability filter and scans registration order. For
// tenant-scoped capability types a missing session tenant id resolves to
// "no agent found" rather than falling back to a global match.
func (r *Router) findCard(agentType string, st session.State) (a2a.AgentCard, bool) {
	filter := map[string]string{"type": agentType}
	if r.tenantScoped[agentType] {
		if st.TenantID == "" {
			r.log.Warnw("tenant id required but not in session", "type", agentType)
			return a2a.AgentCard{}, false
		}
		filter["tenant_id"] = st.TenantID
	}
	return r.cards.Resolve(filter)
}

// authRedirectURL builds the authorization-server redirect for a card whose
// agent requires a bearer token. The local task id rides in the opaque state
// parameter and is recovered by the callback handler.
func (r *Router) authRedirectURL(card a2a.AgentCard, taskID, sessionID string) (string, error) {
	if card.Security == nil || card.Security.AuthorizationURI == "" {
		return "", fmt.Errorf("authorization URI not found in security details for %s", card.Name)
	}
	stateJSON, err := json.Marshal(callbackState{TaskID: taskID, SessionID: sessionID})
	if err != nil {
		return "", err
	}
	params := url.Values{
		"response_type": {"code"},
		"client_id":     {card.Name},
		"redirect_uri":  {r.cfg.RedirectURI},
		"scope":         {oauthScopes},
		"state":         {string(stateJSON)},
	}
	return card.Security.AuthorizationURI + "?" + params.Encode(), nil
}

// dispatch is the detached background unit of work for one task. Its only
// externally observable effects are task store mutations.
func (r *Router) dispatch(card a2a.AgentCard, msg a2a.Message, accessToken, sessionID, taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DispatchTimeout)
	defer cancel()
	defer func() {
		if r.dispatchDone != nil {
			r.dispatchDone(taskID)
		}
	}()

	client, ok := r.clients[card.Name]
	if !ok {
		r.log.Errorw("client not available", "agent", card.Name)
		r.failTask(ctx, taskID, fmt.Sprintf("Error: Client not available for %s", card.Name))
		return
	}

	remote, err := client.SendMessage(ctx, msg, accessToken)
	if err != nil {
		var rpcErr *a2a.RPCError
		if errors.As(err, &rpcErr) && isExpiredTokenSignal(rpcErr.Message) {
			r.log.Infow("access token expired, refreshing", "agent", card.Name, "task", taskID)
			tokenRefreshTotal.Inc()
			newToken, rerr := r.refreshAccessToken(ctx, card, sessionID)
			if rerr != nil {
				r.failTask(ctx, taskID, fmt.Sprintf("Token refresh failed: %v", rerr))
				return
			}
			// Retry exactly once; a second failure is propagated verbatim.
			remote, err = client.SendMessage(ctx, msg, newToken)
			if err != nil {
				r.failTask(ctx, taskID, err.Error())
				return
			}
		} else {
			r.log.Errorw("send to remote agent failed", "agent", card.Name, "task", taskID, "err", err)
			r.failTask(ctx, taskID, "Failed to send message")
			return
		}
	}

	if err := r.store.SetRemoteTaskID(ctx, taskID, remote.ID); err != nil {
		r.log.Errorw("record remote task id", "task", taskID, "err", err)
		return
	}
	dispatchTotal.WithLabelValues("success").Inc()
	r.log.Infow("task dispatched", "task", taskID, "remote_task", remote.ID, "agent", card.Name)
}

func (r *Router) failTask(ctx context.Context, taskID, message string) {
	dispatchTotal.WithLabelValues("failed").Inc()
	if err := r.store.Fail(ctx, taskID, message); err != nil {
		r.log.Errorw("mark task failed", "task", taskID, "err", err)
	}
}

// isExpiredTokenSignal matches the validator's expiry reason as surfaced by
// downstream agents.
func isExpiredTokenSignal(message string) bool {
	return strings.Contains(strings.ToLower(message), "expired")
}

// refreshAccessToken exchanges the session's refresh token for a new access
// token using the agent's own client credentials, and writes the new token
// back into the session.
func (r *Router) refreshAccessToken(ctx context.Context, card a2a.AgentCard, sessionID string) (string, error) {
	st, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	if st.RefreshToken == "" {
		return "", fmt.Errorf("no refresh token in session")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {st.RefreshToken},
		"client_id":     {card.Name},
		"client_secret": {r.secrets[card.Name]},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenEndpoint(card), strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := r.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("refresh token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("refresh token request: HTTP %d", resp.StatusCode)
	}
	var tr struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode refresh response: %w", err)
	}

	st.AccessToken = tr.AccessToken
	if tr.RefreshToken != "" {
		st.RefreshToken = tr.RefreshToken
	}
	if err := r.sessions.Put(ctx, sessionID, st); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}
	return tr.AccessToken, nil
}

func (r *Router) tokenEndpoint(card a2a.AgentCard) string {
	if card.Security != nil && card.Security.TokenURI != "" {
		return card.Security.TokenURI
	}
	return strings.TrimRight(r.cfg.Issuer, "/") + "/generate-token"
}

// HandleCallback completes the OAuth flow: it exchanges the code for tokens
// using the matched agent's registered client credentials, writes the tokens
// into session state, and advances the originating task to working.
func (r *Router) HandleCallback(ctx context.Context, code, stateJSON string) error {
	var cs callbackState
	if err := json.Unmarshal([]byte(stateJSON), &cs); err != nil {
		return fmt.Errorf("invalid state format")
	}
	if cs.TaskID == "" {
		return fmt.Errorf("task_id not in state")
	}

	task, ok, err := r.store.Get(ctx, cs.TaskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if !ok {
		return ErrTaskNotFound
	}
	card, ok := r.cards.Get(task.AgentName)
	if !ok {
		return fmt.Errorf("unknown agent %q for task %s", task.AgentName, task.ID)
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {r.cfg.RedirectURI},
		"client_id":     {card.Name},
		"client_secret": {r.secrets[card.Name]},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenEndpoint(card), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := r.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("exchange code for token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("exchange code for token: HTTP %d", resp.StatusCode)
	}
	var tr struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}

	sessionID := cs.SessionID
	if sessionID == "" {
		sessionID = "default"
	}
	st, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	st.AccessToken = tr.AccessToken
	st.RefreshToken = tr.RefreshToken
	st.ActiveAgent = card.Name
	if err := r.sessions.Put(ctx, sessionID, st); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	task.Status.State = a2a.TaskStateWorking
	return r.store.Save(ctx, task)
}

// TaskStatus reports a task's state. Once a remote counterpart exists, the
// remote agent is queried and its state wins over the local record.
func (r *Router) TaskStatus(ctx context.Context, taskID string) (a2a.TaskState, error) {
	task, ok, err := r.store.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrTaskNotFound
	}
	if task.RemoteTaskID == "" {
		return task.Status.State, nil
	}

	client, ok := r.clients[task.AgentName]
	if !ok {
		return "", fmt.Errorf("client not available for %s", task.AgentName)
	}

	// Poll with the originating session's token; a secured agent validates
	// tasks/get the same as message/send.
	sessionID := task.SessionID
	if sessionID == "" {
		sessionID = "default"
	}
	st, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	remote, err := client.GetTask(ctx, task.RemoteTaskID, st.AccessToken)
	if err != nil {
		return "", fmt.Errorf("retrieve remote task %s: %w", task.RemoteTaskID, err)
	}
	return remote.Status.State, nil
}
