package opencode

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/process"
	"github.com/agentmux/agentmux/pkg/opencode"
)

const (
	adapterName    = "opencode"
	serverURLGrace = 20 * time.Second
)

// Config selects the OpenCode server binary launched per session.
type Config struct {
	Command string
	Args    []string
	Env     map[string]string
}

// Adapter spawns one OpenCode server per session and drives it over
// REST+SSE.
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

// Connect spawns the server, scrapes its listening URL from stdout, waits
// for health and opens (or resumes) a server-side session, then subscribes
// to the event stream.
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.BackendSession, error) {
	if a.cfg.Command == "" {
		return nil, fmt.Errorf("opencode adapter: no server command configured")
	}

	password := opencode.GeneratePassword()
	env := make(map[string]string, len(a.cfg.Env)+len(opts.Env)+1)
	for k, v := range a.cfg.Env {
		env[k] = v
	}
	for k, v := range opts.Env {
		env[k] = v
	}
	env["OPENCODE_SERVER_PASSWORD"] = password

	handle, err := a.pm.Spawn(process.SpawnSpec{
		SessionID: opts.SessionID,
		Command:   a.cfg.Command,
		Args:      a.cfg.Args,
		Cwd:       opts.Cwd,
		Env:       env,
	})
	if err != nil {
		return nil, fmt.Errorf("spawn opencode server: %w", err)
	}

	serverURL, err := a.waitForServerURL(ctx, handle)
	if err != nil {
		handle.Kill(false)
		return nil, err
	}
	a.log.Info("OpenCode server started", zap.String("url", serverURL))

	client := opencode.NewClient(serverURL, opts.Cwd, password, a.log)
	if err := client.WaitForHealth(ctx); err != nil {
		client.Close()
		handle.Kill(false)
		return nil, fmt.Errorf("opencode health: %w", err)
	}

	backendID := opts.Resume
	if backendID == "" {
		backendID, err = client.CreateSession(ctx)
		if err != nil {
			client.Close()
			handle.Kill(false)
			return nil, fmt.Errorf("opencode create session: %w", err)
		}
	}

	s := newBackendSession(opts.SessionID, backendID, client, handle, opts.Model, a.log)

	done, err := client.StreamEvents(context.Background(), backendID, s.handleEvent)
	if err != nil {
		client.Close()
		handle.Kill(false)
		return nil, fmt.Errorf("opencode event stream: %w", err)
	}

	s.emitSessionInit(opts.Cwd, opts.Model)
	go s.watchStream(done)
	return s, nil
}

// waitForServerURL reads the server's stdout until it prints its listening
// address.
func (a *Adapter) waitForServerURL(ctx context.Context, handle *process.Handle) (string, error) {
	if handle.Stdout == nil {
		return "", fmt.Errorf("opencode server has no stdout")
	}

	type scanResult struct {
		url string
		err error
	}
	found := make(chan scanResult, 1)

	go func() {
		scanner := bufio.NewScanner(handle.Stdout)
		var tail []string
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			tail = append(tail, line)
			if len(tail) > 20 {
				tail = tail[1:]
			}
			if url, ok := strings.CutPrefix(line, "opencode server listening on "); ok {
				found <- scanResult{url: strings.TrimSpace(url)}
				return
			}
		}
		found <- scanResult{err: fmt.Errorf("server exited before printing URL:\n%s", strings.Join(tail, "\n"))}
	}()

	select {
	case result := <-found:
		return result.url, result.err
	case <-time.After(serverURLGrace):
		return "", fmt.Errorf("timeout waiting for opencode server URL")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
