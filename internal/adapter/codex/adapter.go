package codex

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/jsonrpc"
	"github.com/agentmux/agentmux/internal/process"
)

const adapterName = "codex"

// Config selects the Codex app-server binary launched per session.
type Config struct {
	Command string
	Args    []string
	Env     map[string]string
	Model   string
}

// Adapter spawns one Codex app server per session and speaks its JSON-RPC
// dialect over stdio.
type Adapter struct {
	cfg Config
	pm  process.Manager
	log *logger.Logger
}

func NewAdapter(cfg Config, pm process.Manager, log *logger.Logger) *Adapter {
	return &Adapter{cfg: cfg, pm: pm, log: log.WithAdapter(adapterName)}
}

func (a *Adapter) Name() string { return adapterName }

func (a *Adapter) SpawnsSubprocess() bool { return true }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Streaming:    true,
		Permissions:  true,
		Availability: "local",
	}
}

type initializeParams struct {
	ClientInfo map[string]any `json:"clientInfo"`
}

type newConversationParams struct {
	Cwd   string `json:"cwd,omitempty"`
	Model string `json:"model,omitempty"`
}

type newConversationResult struct {
	ConversationID string `json:"conversationId"`
	Model          string `json:"model"`
}

type addListenerParams struct {
	ConversationID string `json:"conversationId"`
}

// Connect spawns the app server, performs the handshake and opens a fresh
// conversation. Codex has no resume surface; a resume request is rejected
// up front rather than silently starting over.
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.BackendSession, error) {
	if a.cfg.Command == "" {
		return nil, fmt.Errorf("codex adapter: no CLI command configured")
	}
	if opts.Resume != "" {
		return nil, fmt.Errorf("codex adapter does not support resuming conversations")
	}

	env := make(map[string]string, len(a.cfg.Env)+len(opts.Env))
	for k, v := range a.cfg.Env {
		env[k] = v
	}
	for k, v := range opts.Env {
		env[k] = v
	}

	handle, err := a.pm.Spawn(process.SpawnSpec{
		SessionID: opts.SessionID,
		Command:   a.cfg.Command,
		Args:      a.cfg.Args,
		Cwd:       opts.Cwd,
		Env:       env,
	})
	if err != nil {
		return nil, fmt.Errorf("spawn codex app server: %w", err)
	}

	codec := jsonrpc.NewCodec(handle.Stdin, handle.Stdout, a.log)
	s := newBackendSession(opts.SessionID, codec, handle, a.log)
	codec.Start(s.handleIncoming)

	if _, err := codec.Call(ctx, "initialize", initializeParams{
		ClientInfo: map[string]any{"name": "agentmux", "version": "1.0.0"},
	}); err != nil {
		handle.Kill(false)
		return nil, fmt.Errorf("codex initialize: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = a.cfg.Model
	}
	raw, err := codec.Call(ctx, "newConversation", newConversationParams{Cwd: opts.Cwd, Model: model})
	if err != nil {
		handle.Kill(false)
		return nil, fmt.Errorf("codex newConversation: %w", err)
	}
	var conv newConversationResult
	if err := json.Unmarshal(raw, &conv); err != nil {
		handle.Kill(false)
		return nil, fmt.Errorf("codex newConversation result: %w", err)
	}
	s.setConversationID(conv.ConversationID)

	if _, err := codec.Call(ctx, "addConversationListener", addListenerParams{
		ConversationID: conv.ConversationID,
	}); err != nil {
		handle.Kill(false)
		return nil, fmt.Errorf("codex addConversationListener: %w", err)
	}

	a.log.Info("Codex conversation established",
		zap.String("session_id", opts.SessionID),
		zap.String("conversation_id", conv.ConversationID),
		zap.String("model", conv.Model))

	s.emitSessionInit(opts.Cwd, conv.Model)
	go s.watchStream()
	return s, nil
}
