// Package adapter defines the uniform contract every backend protocol
// driver implements, plus the registry that resolves adapters by name.
package adapter

import (
	"context"
	"encoding/json"

	"github.com/agentmux/agentmux/internal/message"
)

// Capabilities describes what a driver supports, snapshotted at connect time.
type Capabilities struct {
	Streaming     bool   `json:"streaming"`
	Permissions   bool   `json:"permissions"`
	SlashCommands bool   `json:"slash_commands"`
	Availability  string `json:"availability"` // "local" or "remote"
	Teams         bool   `json:"teams"`
}

// MCPServer configures an MCP server handed through to backends that accept
// them. Stdio servers set Command/Args; remote servers set URL/Type.
type MCPServer struct {
	Name    string   `json:"name"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	URL     string   `json:"url,omitempty"`
	Type    string   `json:"type,omitempty"` // "sse" or "http"
}

// ConnectOptions carries everything a driver needs to establish a backend
// session.
type ConnectOptions struct {
	SessionID  string
	Cwd        string
	Resume     string // backend session id to resume, empty for new
	Model      string
	Env        map[string]string
	MCPServers []MCPServer
	Extra      map[string]any // driver-specific options
}

// PassthroughHandler inspects a raw native message before translation.
// Returning true claims the message: it is consumed by the handler and
// suppressed from the canonical stream.
type PassthroughHandler func(raw json.RawMessage) bool

// BackendSession is one live conduit to a backend. Messages is a
// single-consumer channel of translated canonical messages; it is closed
// when the backend disconnects or the session is closed.
type BackendSession interface {
	SessionID() string

	// BackendSessionID returns the backend-assigned id once the handshake
	// completes, empty before that.
	BackendSessionID() string

	Messages() <-chan *message.UnifiedMessage

	// Send translates a canonical message to the native protocol and
	// dispatches it. Fails once the session is closed.
	Send(ctx context.Context, msg *message.UnifiedMessage) error

	// Close releases resources. Completes when the backend is torn down.
	Close(ctx context.Context) error
}

// RawSender is implemented by sessions that accept pre-encoded NDJSON.
type RawSender interface {
	SendRaw(line []byte) error
}

// PassthroughCapable is implemented by sessions whose native stream can be
// intercepted for CLI echo claims. Passing nil uninstalls the handler.
type PassthroughCapable interface {
	SetPassthroughHandler(handler PassthroughHandler)
}

// StreamErrorReporter exposes the terminal stream error after the Messages
// channel closes. A nil error means the stream ended cleanly.
type StreamErrorReporter interface {
	StreamErr() error
}

// Initializer is implemented by sessions that answer an initialize control
// request. The answer arrives on the message channel as a control_response
// with subtype success carrying commands, models and account info.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// SlashExecutor executes slash commands natively on the backend.
type SlashExecutor interface {
	SupportedCommands() []string
	Execute(ctx context.Context, command string) (string, error)
}

// BackendAdapter is a registered protocol driver.
type BackendAdapter interface {
	Name() string
	Capabilities() Capabilities
	Connect(ctx context.Context, opts ConnectOptions) (BackendSession, error)
}

// SlashExecutorProvider is implemented by adapters that can execute slash
// commands natively instead of passing them through as user messages.
type SlashExecutorProvider interface {
	CreateSlashExecutor(session BackendSession) SlashExecutor
}

// SubprocessAdapter is implemented by adapters that spawn a local process
// per session; the session manager launches these through the supervisor.
type SubprocessAdapter interface {
	SpawnsSubprocess() bool
}
