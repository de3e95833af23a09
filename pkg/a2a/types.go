// pkg/a2a/types.go
package a2a

// Wire types for the agent-to-agent delegation protocol. Requests travel as
// JSON-RPC calls; the methods in use are "message/send" and "tasks/get".

// ---- Task lifecycle ---------------------------------------------------------

type TaskState string

const (
	TaskStateSubmitted TaskState = "submitted"
	TaskStateWorking   TaskState = "working"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s TaskState) Terminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed
}

type TaskStatus struct {
	State   TaskState `json:"state"`
	Message *Message  `json:"message,omitempty"`
}

type Task struct {
	ID        string     `json:"id"`
	ContextID string     `json:"contextId,omitempty"`
	Status    TaskStatus `json:"status"`
}

// ---- Messages ---------------------------------------------------------------

type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type Message struct {
	Role      string `json:"role"`
	Parts     []Part `json:"parts"`
	MessageID string `json:"messageId"`
	ContextID string `json:"contextId,omitempty"`
}

// TextMessage builds a single-part text message.
func TextMessage(role, text, messageID, contextID string) Message {
	return Message{
		Role:      role,
		Parts:     []Part{{Type: "text", Text: text}},
		MessageID: messageID,
		ContextID: contextID,
	}
}

// Text returns the concatenated text parts of the message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		out += p.Text
	}
	return out
}

// ---- JSON-RPC envelope ------------------------------------------------------

const (
	MethodMessageSend = "message/send"
	MethodTasksGet    = "tasks/get"
)

type MessageSendParams struct {
	Message Message `json:"message"`
}

type TaskQueryParams struct {
	ID string `json:"id"`
}

type SendMessageRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Params  MessageSendParams `json:"params"`
}

type GetTaskRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  TaskQueryParams `json:"params"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

type SendMessageResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      string    `json:"id"`
	Result  *Task     `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// ---- Agent discovery --------------------------------------------------------

// AgentSkill describes one capability of an agent. Tags are flat
// "key:value" strings used for capability routing.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// SecurityScheme is present on cards whose agent requires a bearer token.
type SecurityScheme struct {
	AuthorizationURI string            `json:"authorization_uri"`
	TokenURI         string            `json:"token_uri,omitempty"`
	Scopes           map[string]string `json:"scopes,omitempty"`
}

// AgentCard is the self-description an agent publishes at registration time.
// Security being non-nil means the agent is never dispatched to without a
// bearer token.
type AgentCard struct {
	Name        string          `json:"name"`
	URL         string          `json:"url"`
	Description string          `json:"description,omitempty"`
	Version     string          `json:"version,omitempty"`
	Skills      []AgentSkill    `json:"skills,omitempty"`
	Security    *SecurityScheme `json:"security,omitempty"`
}
