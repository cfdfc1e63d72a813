// Package opencode is a client for the OpenCode server protocol: a REST
// API for session control plus a Server-Sent Events stream for output.
package opencode

import (
	"encoding/json"
)

// Event types on the /event SSE stream.
const (
	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"
	EventPermissionAsked    = "permission.asked"
	EventPermissionReplied  = "permission.replied"
	EventSessionIdle        = "session.idle"
	EventSessionStatus      = "session.status"
	EventSessionError       = "session.error"
	EventTodoUpdated        = "todo.updated"
)

// Part types carried by message.part.updated.
const (
	PartText      = "text"
	PartReasoning = "reasoning"
	PartTool      = "tool"
)

// Tool status values inside a tool part's state.
const (
	ToolStatusPending   = "pending"
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusError     = "error"
)

// Replies for POST /permission/{id}/reply.
const (
	ReplyOnce   = "once"
	ReplyAlways = "always"
	ReplyReject = "reject"
)

// HealthResponse from GET /global/health.
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// SessionResponse from POST /session.
type SessionResponse struct {
	ID string `json:"id"`
}

// ModelSpec selects the provider and model for a prompt.
type ModelSpec struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// TextPart is one input part of a prompt.
type TextPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PromptRequest for POST /session/{id}/message.
type PromptRequest struct {
	Model *ModelSpec `json:"model,omitempty"`
	Agent string     `json:"agent,omitempty"`
	Parts []TextPart `json:"parts"`
}

// PermissionReply for POST /permission/{id}/reply.
type PermissionReply struct {
	Reply   string `json:"reply"`
	Message string `json:"message,omitempty"`
}

// Event is the envelope every SSE frame decodes into; Properties is the
// type-specific payload.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// MessageUpdated is the payload of message.updated.
type MessageUpdated struct {
	Info MessageInfo `json:"info"`
}

// MessageInfo describes one message in the session transcript.
type MessageInfo struct {
	ID        string  `json:"id"`
	SessionID string  `json:"sessionID"`
	Role      string  `json:"role"`
	Tokens    *Tokens `json:"tokens,omitempty"`
}

// Tokens is cumulative usage on an assistant message.
type Tokens struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// MessagePartUpdated is the payload of message.part.updated. Text on the
// part is cumulative; Delta, when present, is just the new suffix.
type MessagePartUpdated struct {
	Part  Part   `json:"part"`
	Delta string `json:"delta,omitempty"`
}

// Part is one streamed unit of assistant output.
type Part struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	MessageID string     `json:"messageID"`
	SessionID string     `json:"sessionID"`
	Text      string     `json:"text,omitempty"`
	CallID    string     `json:"callID,omitempty"`
	Tool      string     `json:"tool,omitempty"`
	State     *ToolState `json:"state,omitempty"`
}

// ToolState is the execution state of a tool part.
type ToolState struct {
	Status   string          `json:"status"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
	Title    string          `json:"title,omitempty"`
	Error    string          `json:"error,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// PermissionAsked is the payload of permission.asked.
type PermissionAsked struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionID"`
	Permission string         `json:"permission"`
	Patterns   []string       `json:"patterns,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Tool       *ToolRef       `json:"tool,omitempty"`
}

// ToolRef links a permission request to the tool call that triggered it.
type ToolRef struct {
	CallID string `json:"callID"`
}

// SessionIdle is the payload of session.idle.
type SessionIdle struct {
	SessionID string `json:"sessionID"`
}

// SessionStatus is the payload of session.status.
type SessionStatus struct {
	Status struct {
		Type    string `json:"type"`
		Message string `json:"message,omitempty"`
	} `json:"status"`
}

// SessionError is the payload of session.error.
type SessionError struct {
	SessionID string       `json:"sessionID"`
	Error     *ServerError `json:"error,omitempty"`
}

// ServerError is the error shape the server reports; older versions put
// the message under data.
type ServerError struct {
	Name    string `json:"name,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
	Data    *struct {
		Message string `json:"message,omitempty"`
	} `json:"data,omitempty"`
}

// Kind returns the error's symbolic name.
func (e *ServerError) Kind() string {
	if e.Name != "" {
		return e.Name
	}
	if e.Type != "" {
		return e.Type
	}
	return "unknown"
}

// Text returns the human-readable error message.
func (e *ServerError) Text() string {
	if e.Data != nil && e.Data.Message != "" {
		return e.Data.Message
	}
	return e.Message
}

// TodoUpdated is the payload of todo.updated.
type TodoUpdated struct {
	Todos []Todo `json:"todos"`
}

// Todo is one plan entry.
type Todo struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

// DecodeProperties unmarshals an event's payload into out.
func (e *Event) DecodeProperties(out any) error {
	if e.Properties == nil {
		return nil
	}
	return json.Unmarshal(e.Properties, out)
}
