package gemini

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

const adapterName = "gemini"

// Config selects the Gemini CLI binary launched per session.
type Config struct {
	Command string
	Args    []string
	Env     map[string]string
}

// Adapter spawns one Gemini CLI subprocess per session and speaks the ACP
// wire over its stdio.
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
	ProtocolVersion int            `json:"protocolVersion"`
	ClientInfo      map[string]any `json:"clientInfo"`
}

type newSessionParams struct {
	Cwd        string `json:"cwd"`
	McpServers []any  `json:"mcpServers"`
}

type loadSessionParams struct {
	SessionID string `json:"sessionId"`
}

type newSessionResult struct {
	SessionID string `json:"sessionId"`
}

// Connect spawns the CLI, performs the handshake and creates or resumes a
// session.
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.BackendSession, error) {
	if a.cfg.Command == "" {
		return nil, fmt.Errorf("gemini adapter: no CLI command configured")
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
		return nil, fmt.Errorf("spawn gemini cli: %w", err)
	}

	codec := jsonrpc.NewCodec(handle.Stdin, handle.Stdout, a.log)
	s := newBackendSession(opts.SessionID, codec, handle, a.log)
	codec.Start(s.handleIncoming)

	if _, err := codec.Call(ctx, "initialize", initializeParams{
		ProtocolVersion: 1,
		ClientInfo:      map[string]any{"name": "agentmux", "version": "1.0.0"},
	}); err != nil {
		handle.Kill(false)
		return nil, fmt.Errorf("gemini initialize: %w", err)
	}

	if opts.Resume != "" {
		if _, err := codec.Call(ctx, "session/load", loadSessionParams{SessionID: opts.Resume}); err != nil {
			handle.Kill(false)
			return nil, fmt.Errorf("gemini session/load %s: %w", opts.Resume, err)
		}
		s.setBackendSessionID(opts.Resume)
	} else {
		raw, err := codec.Call(ctx, "session/new", newSessionParams{Cwd: opts.Cwd, McpServers: []any{}})
		if err != nil {
			handle.Kill(false)
			return nil, fmt.Errorf("gemini session/new: %w", err)
		}
		var result newSessionResult
		if err := json.Unmarshal(raw, &result); err != nil {
			handle.Kill(false)
			return nil, fmt.Errorf("gemini session/new result: %w", err)
		}
		s.setBackendSessionID(result.SessionID)
	}

	a.log.Info("Gemini session established",
		zap.String("session_id", opts.SessionID),
		zap.String("backend_session_id", s.BackendSessionID()))

	s.emitSessionInit(opts.Cwd, opts.Model)
	go s.watchStream()
	return s, nil
}
