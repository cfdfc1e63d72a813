package sdkurl

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/common/logger"
)

const (
	adapterName        = "sdk-url"
	defaultWaitTimeout = 30 * time.Second
)

// Config bounds how long connect waits for the external CLI to dial in.
type Config struct {
	WaitTimeout time.Duration
}

// Adapter serves sessions whose backend is an external process forwarding
// NDJSON through the hub.
type Adapter struct {
	cfg Config
	hub *Hub
	log *logger.Logger
}

func NewAdapter(cfg Config, hub *Hub, log *logger.Logger) *Adapter {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	return &Adapter{cfg: cfg, hub: hub, log: log.WithAdapter(adapterName)}
}

func (a *Adapter) Name() string { return adapterName }

// Hub exposes the forward hub so the transport can attach dialed-in
// streams.
func (a *Adapter) Hub() *Hub { return a.hub }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Streaming:     true,
		Permissions:   true,
		SlashCommands: true,
		Availability:  "remote",
	}
}

// Connect waits (bounded) for the external CLI's stream, then proxies it.
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.BackendSession, error) {
	waitCtx, cancel := context.WithTimeout(ctx, a.cfg.WaitTimeout)
	defer cancel()

	conn, err := a.hub.Await(waitCtx, opts.SessionID)
	if err != nil {
		return nil, fmt.Errorf("sdk-url connect: %w", err)
	}
	a.log.Info("Forward connection bound", zap.String("session_id", opts.SessionID))

	s := newBackendSession(opts.SessionID, conn, a.log)
	go s.readLoop()
	return s, nil
}
