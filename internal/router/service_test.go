// internal/router/service_test.go
package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"handoff/internal/session"
	"handoff/internal/tasks"
	"handoff/pkg/a2a"
	"handoff/pkg/config"
)

// fakeAgent is a scripted downstream agent. sendFn decides the reply per
// bearer token; every bearer seen on message/send is recorded in order.
type fakeAgent struct {
	srv *httptest.Server

	mu      sync.Mutex
	bearers []string

	sendFn func(bearer string) (*a2a.Task, *a2a.RPCError)
	getFn  func(taskID, bearer string) (*a2a.Task, *a2a.RPCError)
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	f := &fakeAgent{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     string          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		resp := a2a.SendMessageResponse{JSONRPC: "2.0", ID: req.ID}
		switch req.Method {
		case a2a.MethodMessageSend:
			f.mu.Lock()
			f.bearers = append(f.bearers, bearer)
			f.mu.Unlock()
			resp.Result, resp.Error = f.sendFn(bearer)
		case a2a.MethodTasksGet:
			var p a2a.TaskQueryParams
			require.NoError(t, json.Unmarshal(req.Params, &p))
			resp.Result, resp.Error = f.getFn(p.ID, bearer)
		default:
			resp.Error = &a2a.RPCError{Code: -32601, Message: "Method not found"}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAgent) sends() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bearers...)
}

func (f *fakeAgent) card(name, agentType string, sec *a2a.SecurityScheme) a2a.AgentCard {
	return a2a.AgentCard{
		Name: name,
		URL:  f.srv.URL,
		Skills: []a2a.AgentSkill{{
			ID:   "skill-1",
			Name: "Skill",
			Tags: []string{"type:" + agentType},
		}},
		Security: sec,
	}
}

type fixture struct {
	router   *Router
	store    tasks.Store
	sessions session.Store
	done     chan string
}

func newFixture(t *testing.T, cards []a2a.AgentCard, secretsJSON string) *fixture {
	t.Helper()
	cfg := config.Config{
		Issuer:            "http://localhost:5000",
		RedirectURI:       "http://localhost:8083/callback",
		DispatchTimeout:   5 * time.Second,
		TenantScopedTypes: []string{"horizon"},
		AgentSecretsJSON:  secretsJSON,
	}
	store := tasks.NewMemoryStore()
	sessions := session.NewMemoryStore()
	r := New(cfg, zap.NewNop().Sugar(), NewCardRegistry(cards), store, sessions)

	done := make(chan string, 4)
	r.SetDispatchHook(func(taskID string) { done <- taskID })
	return &fixture{router: r, store: store, sessions: sessions, done: done}
}

// awaitDispatch blocks until the background dispatch for the task finished.
func (f *fixture) awaitDispatch(t *testing.T, taskID string) {
	t.Helper()
	select {
	case id := <-f.done:
		require.Equal(t, taskID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not complete")
	}
}

func (f *fixture) task(t *testing.T, id string) tasks.Task {
	t.Helper()
	task, ok, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	return task
}

func TestSendMessageUnknownAgentType(t *testing.T) {
	agent := newFakeAgent(t)
	f := newFixture(t, []a2a.AgentCard{agent.card("Weather Agent", "weather", nil)}, "")

	res, err := f.router.SendMessage(context.Background(), "default", "banking", "what is my balance")
	require.NoError(t, err)
	assert.Equal(t, "I'm sorry, I can't find an agent with the type 'banking'. Please choose from the available agent types.", res.Message)
	assert.Empty(t, res.TaskID)
	assert.Empty(t, res.RedirectURL)
	assert.Empty(t, agent.sends())
}

func TestSendMessageTenantScopedRequiresTenant(t *testing.T) {
	agent := newFakeAgent(t)
	card := a2a.AgentCard{
		Name: "Horizon Agent - Tenant ABC",
		URL:  agent.srv.URL,
		Skills: []a2a.AgentSkill{{
			ID:   "get_order_status",
			Name: "Get Order Status",
			Tags: []string{"type:horizon", "tenant_id:tenant-abc"},
		}},
	}
	f := newFixture(t, []a2a.AgentCard{card}, "")

	// No tenant in session: resolution fails even though a horizon card exists.
	res, err := f.router.SendMessage(context.Background(), "default", "horizon", "where is my order")
	require.NoError(t, err)
	assert.Contains(t, res.Message, "I'm sorry, I can't find an agent with the type 'horizon'")

	// With the tenant seeded the same request resolves.
	require.NoError(t, f.sessions.Put(context.Background(), "default", session.State{TenantID: "tenant-abc"}))
	agent.sendFn = func(string) (*a2a.Task, *a2a.RPCError) {
		return &a2a.Task{ID: "remote-1", Status: a2a.TaskStatus{State: a2a.TaskStateWorking}}, nil
	}
	res, err = f.router.SendMessage(context.Background(), "default", "horizon", "where is my order")
	require.NoError(t, err)
	require.NotEmpty(t, res.TaskID)
	f.awaitDispatch(t, res.TaskID)
}

func TestSendMessageSecureAgentRedirects(t *testing.T) {
	agent := newFakeAgent(t)
	card := agent.card("Weather Agent", "weather", &a2a.SecurityScheme{
		AuthorizationURI: "http://localhost:5000/authorize",
	})
	f := newFixture(t, []a2a.AgentCard{card}, "")

	res, err := f.router.SendMessage(context.Background(), "default", "weather", "will it rain")
	require.NoError(t, err)
	require.NotEmpty(t, res.TaskID)
	require.NotEmpty(t, res.RedirectURL)
	assert.Empty(t, res.Message)

	u, err := url.Parse(res.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "code", u.Query().Get("response_type"))
	assert.Equal(t, "Weather Agent", u.Query().Get("client_id"))
	assert.Equal(t, "http://localhost:8083/callback", u.Query().Get("redirect_uri"))
	assert.Equal(t, "openid profile email api:read", u.Query().Get("scope"))

	var cs callbackState
	require.NoError(t, json.Unmarshal([]byte(u.Query().Get("state")), &cs))
	assert.Equal(t, res.TaskID, cs.TaskID)
	assert.Equal(t, "default", cs.SessionID)

	// No remote contact happened; the task waits in submitted.
	assert.Empty(t, agent.sends())
	assert.Equal(t, a2a.TaskStateSubmitted, f.task(t, res.TaskID).Status.State)
}

func TestSendMessageDispatchSuccess(t *testing.T) {
	agent := newFakeAgent(t)
	agent.sendFn = func(string) (*a2a.Task, *a2a.RPCError) {
		return &a2a.Task{ID: "remote-42", Status: a2a.TaskStatus{State: a2a.TaskStateWorking}}, nil
	}
	f := newFixture(t, []a2a.AgentCard{agent.card("Weather Agent", "weather", nil)}, "")

	res, err := f.router.SendMessage(context.Background(), "default", "weather", "will it rain")
	require.NoError(t, err)
	assert.Equal(t, "I've started working on that for you. The task ID is "+res.TaskID+".", res.Message)

	f.awaitDispatch(t, res.TaskID)
	task := f.task(t, res.TaskID)
	assert.Equal(t, a2a.TaskStateWorking, task.Status.State)
	assert.Equal(t, "remote-42", task.RemoteTaskID)
	assert.Equal(t, []string{""}, agent.sends())

	st, err := f.sessions.Get(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "Weather Agent", st.ActiveAgent)
	assert.NotEmpty(t, st.ContextID)
}

func TestSendMessageDispatchFailure(t *testing.T) {
	agent := newFakeAgent(t)
	agent.sendFn = func(string) (*a2a.Task, *a2a.RPCError) {
		return nil, &a2a.RPCError{Code: -32602, Message: "Invalid params"}
	}
	f := newFixture(t, []a2a.AgentCard{agent.card("Weather Agent", "weather", nil)}, "")

	res, err := f.router.SendMessage(context.Background(), "default", "weather", "will it rain")
	require.NoError(t, err)
	f.awaitDispatch(t, res.TaskID)

	task := f.task(t, res.TaskID)
	assert.Equal(t, a2a.TaskStateFailed, task.Status.State)
	require.NotNil(t, task.Status.Message)
	assert.Equal(t, "Failed to send message", task.Status.Message.Text())
	assert.Len(t, agent.sends(), 1)
}

// fakeTokenEndpoint serves refresh_token and authorization_code exchanges and
// records the forms it saw.
type fakeTokenEndpoint struct {
	srv   *httptest.Server
	mu    sync.Mutex
	forms []url.Values
}

func newFakeTokenEndpoint(t *testing.T, accessToken string) *fakeTokenEndpoint {
	t.Helper()
	f := &fakeTokenEndpoint{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		f.mu.Lock()
		f.forms = append(f.forms, r.PostForm)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  accessToken,
			"refresh_token": r.PostForm.Get("refresh_token"),
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeTokenEndpoint) seen() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.forms...)
}

func TestDispatchRefreshesExpiredTokenOnce(t *testing.T) {
	idp := newFakeTokenEndpoint(t, "fresh-token")
	agent := newFakeAgent(t)
	agent.sendFn = func(bearer string) (*a2a.Task, *a2a.RPCError) {
		if bearer != "fresh-token" {
			return nil, &a2a.RPCError{Code: -32001, Message: "Token has expired."}
		}
		return &a2a.Task{ID: "remote-7", Status: a2a.TaskStatus{State: a2a.TaskStateWorking}}, nil
	}
	card := agent.card("Weather Agent", "weather", &a2a.SecurityScheme{
		AuthorizationURI: idp.srv.URL + "/authorize",
		TokenURI:         idp.srv.URL + "/generate-token",
	})
	f := newFixture(t, []a2a.AgentCard{card}, `{"Weather Agent":"weather_secret"}`)
	require.NoError(t, f.sessions.Put(context.Background(), "default", session.State{
		AccessToken:  "stale-token",
		RefreshToken: "refresh-1",
	}))

	res, err := f.router.SendMessage(context.Background(), "default", "weather", "will it rain")
	require.NoError(t, err)
	require.Empty(t, res.RedirectURL)
	f.awaitDispatch(t, res.TaskID)

	// Stale attempt, one refresh, one successful retry.
	assert.Equal(t, []string{"stale-token", "fresh-token"}, agent.sends())
	forms := idp.seen()
	require.Len(t, forms, 1)
	assert.Equal(t, "refresh_token", forms[0].Get("grant_type"))
	assert.Equal(t, "refresh-1", forms[0].Get("refresh_token"))
	assert.Equal(t, "Weather Agent", forms[0].Get("client_id"))
	assert.Equal(t, "weather_secret", forms[0].Get("client_secret"))

	task := f.task(t, res.TaskID)
	assert.Equal(t, a2a.TaskStateWorking, task.Status.State)
	assert.Equal(t, "remote-7", task.RemoteTaskID)

	st, err := f.sessions.Get(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", st.AccessToken)
}

func TestDispatchDoesNotRetryTwice(t *testing.T) {
	idp := newFakeTokenEndpoint(t, "fresh-token")
	agent := newFakeAgent(t)
	agent.sendFn = func(string) (*a2a.Task, *a2a.RPCError) {
		return nil, &a2a.RPCError{Code: -32001, Message: "Token has expired."}
	}
	card := agent.card("Weather Agent", "weather", &a2a.SecurityScheme{
		AuthorizationURI: idp.srv.URL + "/authorize",
		TokenURI:         idp.srv.URL + "/generate-token",
	})
	f := newFixture(t, []a2a.AgentCard{card}, `{"Weather Agent":"weather_secret"}`)
	require.NoError(t, f.sessions.Put(context.Background(), "default", session.State{
		AccessToken:  "stale-token",
		RefreshToken: "refresh-1",
	}))

	res, err := f.router.SendMessage(context.Background(), "default", "weather", "will it rain")
	require.NoError(t, err)
	f.awaitDispatch(t, res.TaskID)

	assert.Len(t, agent.sends(), 2)
	assert.Len(t, idp.seen(), 1)

	task := f.task(t, res.TaskID)
	assert.Equal(t, a2a.TaskStateFailed, task.Status.State)
	require.NotNil(t, task.Status.Message)
	assert.Equal(t, "Token has expired.", task.Status.Message.Text())
}

func TestDispatchRefreshWithoutRefreshToken(t *testing.T) {
	agent := newFakeAgent(t)
	agent.sendFn = func(string) (*a2a.Task, *a2a.RPCError) {
		return nil, &a2a.RPCError{Code: -32001, Message: "Token has expired."}
	}
	card := agent.card("Weather Agent", "weather", nil)
	f := newFixture(t, []a2a.AgentCard{card}, "")
	require.NoError(t, f.sessions.Put(context.Background(), "default", session.State{AccessToken: "stale-token"}))

	res, err := f.router.SendMessage(context.Background(), "default", "weather", "will it rain")
	require.NoError(t, err)
	f.awaitDispatch(t, res.TaskID)

	task := f.task(t, res.TaskID)
	assert.Equal(t, a2a.TaskStateFailed, task.Status.State)
	require.NotNil(t, task.Status.Message)
	assert.Contains(t, task.Status.Message.Text(), "Token refresh failed")
	assert.Len(t, agent.sends(), 1)
}

func TestHandleCallback(t *testing.T) {
	idp := newFakeTokenEndpoint(t, "access-after-callback")
	agent := newFakeAgent(t)
	card := agent.card("Weather Agent", "weather", &a2a.SecurityScheme{
		AuthorizationURI: idp.srv.URL + "/authorize",
		TokenURI:         idp.srv.URL + "/generate-token",
	})
	f := newFixture(t, []a2a.AgentCard{card}, `{"Weather Agent":"weather_secret"}`)

	res, err := f.router.SendMessage(context.Background(), "sess-1", "weather", "will it rain")
	require.NoError(t, err)
	require.NotEmpty(t, res.RedirectURL)

	u, err := url.Parse(res.RedirectURL)
	require.NoError(t, err)
	state := u.Query().Get("state")

	require.NoError(t, f.router.HandleCallback(context.Background(), "auth-code-1", state))

	forms := idp.seen()
	require.Len(t, forms, 1)
	assert.Equal(t, "authorization_code", forms[0].Get("grant_type"))
	assert.Equal(t, "auth-code-1", forms[0].Get("code"))
	assert.Equal(t, "Weather Agent", forms[0].Get("client_id"))
	assert.Equal(t, "weather_secret", forms[0].Get("client_secret"))
	assert.Equal(t, "http://localhost:8083/callback", forms[0].Get("redirect_uri"))

	assert.Equal(t, a2a.TaskStateWorking, f.task(t, res.TaskID).Status.State)
	st, err := f.sessions.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "access-after-callback", st.AccessToken)
	assert.Equal(t, "Weather Agent", st.ActiveAgent)
}

func TestHandleCallbackBadState(t *testing.T) {
	agent := newFakeAgent(t)
	f := newFixture(t, []a2a.AgentCard{agent.card("Weather Agent", "weather", nil)}, "")

	err := f.router.HandleCallback(context.Background(), "code", "{not json")
	assert.EqualError(t, err, "invalid state format")

	err = f.router.HandleCallback(context.Background(), "code", `{"session_id":"x"}`)
	assert.EqualError(t, err, "task_id not in state")

	err = f.router.HandleCallback(context.Background(), "code", `{"task_id":"missing"}`)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTaskStatus(t *testing.T) {
	agent := newFakeAgent(t)
	agent.sendFn = func(string) (*a2a.Task, *a2a.RPCError) {
		return &a2a.Task{ID: "remote-9", Status: a2a.TaskStatus{State: a2a.TaskStateWorking}}, nil
	}
	agent.getFn = func(taskID, _ string) (*a2a.Task, *a2a.RPCError) {
		require.Equal(t, "remote-9", taskID)
		return &a2a.Task{ID: taskID, Status: a2a.TaskStatus{State: a2a.TaskStateCompleted}}, nil
	}
	f := newFixture(t, []a2a.AgentCard{agent.card("Weather Agent", "weather", nil)}, "")

	_, err := f.router.TaskStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	res, err := f.router.SendMessage(context.Background(), "default", "weather", "will it rain")
	require.NoError(t, err)
	f.awaitDispatch(t, res.TaskID)

	// The remote agent's state wins once a remote counterpart exists.
	state, err := f.router.TaskStatus(context.Background(), res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCompleted, state)
}

func TestTaskStatusCarriesSessionToken(t *testing.T) {
	agent := newFakeAgent(t)
	agent.sendFn = func(bearer string) (*a2a.Task, *a2a.RPCError) {
		if bearer != "session-token" {
			return nil, &a2a.RPCError{Code: -32001, Message: "Token is empty."}
		}
		return &a2a.Task{ID: "remote-5", Status: a2a.TaskStatus{State: a2a.TaskStateWorking}}, nil
	}
	agent.getFn = func(taskID, bearer string) (*a2a.Task, *a2a.RPCError) {
		if bearer != "session-token" {
			return nil, &a2a.RPCError{Code: -32001, Message: "Token is empty."}
		}
		return &a2a.Task{ID: taskID, Status: a2a.TaskStatus{State: a2a.TaskStateCompleted}}, nil
	}
	card := agent.card("Weather Agent", "weather", &a2a.SecurityScheme{
		AuthorizationURI: "http://localhost:5000/authorize",
	})
	f := newFixture(t, []a2a.AgentCard{card}, "")
	require.NoError(t, f.sessions.Put(context.Background(), "sess-7", session.State{AccessToken: "session-token"}))

	res, err := f.router.SendMessage(context.Background(), "sess-7", "weather", "will it rain")
	require.NoError(t, err)
	require.Empty(t, res.RedirectURL)
	f.awaitDispatch(t, res.TaskID)
	require.Equal(t, "remote-5", f.task(t, res.TaskID).RemoteTaskID)

	// The status poll authenticates with the originating session's token, so
	// the secured agent's state is reported instead of a rejection.
	state, err := f.router.TaskStatus(context.Background(), res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCompleted, state)
}
