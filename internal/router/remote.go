// internal/router/remote.go
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"handoff/pkg/a2a"
)

// RemoteClient speaks the delegation protocol to one downstream agent. Every
// call is bounded by the client timeout so one unresponsive agent cannot
// stall the router.
type RemoteClient struct {
	url   string
	httpc *http.Client
}

func NewRemoteClient(url string, timeout time.Duration) *RemoteClient {
	return &RemoteClient{url: url, httpc: &http.Client{Timeout: timeout}}
}

// SendMessage delivers msg to the agent. A JSON-RPC level failure is
// returned as *a2a.RPCError so callers can inspect the message text.
func (c *RemoteClient) SendMessage(ctx context.Context, msg a2a.Message, bearer string) (*a2a.Task, error) {
	req := a2a.SendMessageRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  a2a.MethodMessageSend,
		Params:  a2a.MessageSendParams{Message: msg},
	}
	return c.call(ctx, req, bearer)
}

// GetTask queries the agent for the live status of a previously delegated
// task.
func (c *RemoteClient) GetTask(ctx context.Context, taskID, bearer string) (*a2a.Task, error) {
	req := a2a.GetTaskRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  a2a.MethodTasksGet,
		Params:  a2a.TaskQueryParams{ID: taskID},
	}
	return c.call(ctx, req, bearer)
}

func (c *RemoteClient) call(ctx context.Context, rpcReq any, bearer string) (*a2a.Task, error) {
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var rpcResp a2a.SendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode agent response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	if rpcResp.Result == nil {
		return nil, fmt.Errorf("agent returned neither result nor error")
	}
	return rpcResp.Result, nil
}
