// Package agentsdk implements the in-process backend driver: instead of a
// subprocess and a wire protocol, the backend is a user-supplied query
// function yielding SDK-native events on a channel. Multi-turn works by
// pushing user messages into the prompt stream while the query runs.
package agentsdk

import (
	"context"
	"fmt"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/common/logger"
)

const adapterName = "agent-sdk"

// ToolDecision answers a CanUseTool callback.
type ToolDecision struct {
	Behavior     string // "allow" or "deny"
	UpdatedInput map[string]any
	Message      string
}

// CanUseToolFunc is invoked by the running query before each tool use. It
// blocks until the consumer answers the surfaced permission request or the
// context ends.
type CanUseToolFunc func(ctx context.Context, toolName string, input map[string]any, toolUseID string) (ToolDecision, error)

// QueryOptions configures one query run.
type QueryOptions struct {
	Cwd        string
	Model      string
	Resume     string
	CanUseTool CanUseToolFunc
}

// Query is one live run. Events yields SDK-native events until the run
// ends; closing the prompt stream or calling Close ends it.
type Query interface {
	Events() <-chan map[string]any
	Interrupt(ctx context.Context) error
	Close() error
}

// QueryFunc starts the agent. prompts is a push stream of user turns the
// driver feeds while the query runs.
type QueryFunc func(ctx context.Context, prompts <-chan string, opts QueryOptions) (Query, error)

// Adapter hosts an in-process agent behind the uniform session contract.
type Adapter struct {
	query QueryFunc
	log   *logger.Logger
}

func NewAdapter(query QueryFunc, log *logger.Logger) *Adapter {
	return &Adapter{query: query, log: log.WithAdapter(adapterName)}
}

func (a *Adapter) Name() string { return adapterName }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Streaming:    true,
		Permissions:  true,
		Availability: "local",
	}
}

// Connect starts the query and wires its event channel into the session.
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.BackendSession, error) {
	if a.query == nil {
		return nil, fmt.Errorf("agent-sdk adapter: no query function configured")
	}

	s := newBackendSession(opts.SessionID, a.log)

	query, err := a.query(context.Background(), s.prompts, QueryOptions{
		Cwd:        opts.Cwd,
		Model:      opts.Model,
		Resume:     opts.Resume,
		CanUseTool: s.canUseTool,
	})
	if err != nil {
		return nil, fmt.Errorf("agent-sdk query: %w", err)
	}
	s.query = query

	go s.consume()
	return s, nil
}
