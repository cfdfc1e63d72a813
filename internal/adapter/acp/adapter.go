// Package acp implements the backend driver for agents speaking the Agent
// Client Protocol (JSON-RPC 2.0 over stdin/stdout), using the ACP SDK for
// the wire layer. The agent subprocess is spawned through the process
// manager and torn down when the session closes.
package acp

import (
	"context"
	"fmt"

	sdk "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/process"
)

const adapterName = "acp"

// Config selects the agent binary launched per session.
type Config struct {
	Command string
	Args    []string
	Env     map[string]string
}

// Adapter spawns one ACP agent subprocess per session.
type Adapter struct {
	cfg Config
	pm  process.Manager
	log *logger.Logger
}

func NewAdapter(cfg Config, pm process.Manager, log *logger.Logger) *Adapter {
	return &Adapter{
		cfg: cfg,
		pm:  pm,
		log: log.WithAdapter(adapterName),
	}
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

// Connect spawns the agent, performs the ACP handshake and creates or
// resumes a session.
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.BackendSession, error) {
	if a.cfg.Command == "" {
		return nil, fmt.Errorf("acp adapter: no agent command configured")
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
		return nil, fmt.Errorf("spawn acp agent: %w", err)
	}

	s := newBackendSession(opts.SessionID, handle, a.log)

	client := newClient(a.log, s)
	conn := sdk.NewClientSideConnection(client, handle.Stdin, handle.Stdout)

	initResp, err := conn.Initialize(ctx, sdk.InitializeRequest{
		ProtocolVersion: sdk.ProtocolVersionNumber,
		ClientInfo: &sdk.Implementation{
			Name:    "agentmux",
			Version: "1.0.0",
		},
	})
	if err != nil {
		handle.Kill(false)
		return nil, fmt.Errorf("acp initialize handshake: %w", err)
	}
	s.conn = conn
	s.loadSupported = initResp.AgentCapabilities.LoadSession

	if opts.Resume != "" && s.loadSupported {
		if _, err := conn.LoadSession(ctx, sdk.LoadSessionRequest{
			SessionId: sdk.SessionId(opts.Resume),
		}); err != nil {
			handle.Kill(false)
			return nil, fmt.Errorf("acp load session %s: %w", opts.Resume, err)
		}
		s.setBackendSessionID(opts.Resume)
	} else {
		resp, err := conn.NewSession(ctx, sdk.NewSessionRequest{
			Cwd:        opts.Cwd,
			McpServers: toSDKMcpServers(opts.MCPServers),
		})
		if err != nil {
			handle.Kill(false)
			return nil, fmt.Errorf("acp new session: %w", err)
		}
		s.setBackendSessionID(string(resp.SessionId))
	}

	a.log.Info("ACP session established",
		zap.String("session_id", opts.SessionID),
		zap.String("backend_session_id", s.BackendSessionID()),
		zap.Bool("load_session", s.loadSupported))

	s.emitSessionInit(opts.Cwd, opts.Model)
	go s.watchExit()
	return s, nil
}

func toSDKMcpServers(servers []adapter.MCPServer) []sdk.McpServer {
	out := make([]sdk.McpServer, 0, len(servers))
	for _, server := range servers {
		switch server.Type {
		case "sse":
			out = append(out, sdk.McpServer{
				Sse: &sdk.McpServerSseInline{
					Name:    server.Name,
					Url:     server.URL,
					Type:    "sse",
					Headers: []sdk.HttpHeader{},
				},
			})
		default:
			out = append(out, sdk.McpServer{
				Stdio: &sdk.McpServerStdio{
					Name:    server.Name,
					Command: server.Command,
					Args:    append([]string{}, server.Args...),
				},
			})
		}
	}
	return out
}
