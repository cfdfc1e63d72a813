package bridge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/message"
	"github.com/agentmux/agentmux/internal/session"
	"github.com/agentmux/agentmux/internal/slashcmd"
)

// maybeRequestCapabilities issues a single initialize control request per
// session, the first time a session_init is observed. The handshake runs on
// its own timeout and never blocks the lifecycle.
func (b *Bridge) maybeRequestCapabilities(ctx context.Context, s *Session, backend adapter.BackendSession) {
	init, ok := backend.(adapter.Initializer)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.capabilitiesRequested {
		s.mu.Unlock()
		return
	}
	s.capabilitiesRequested = true
	s.capTimer = time.AfterFunc(b.cfg.CapabilitiesTimeout, func() {
		s.mu.Lock()
		ready := s.capabilitiesReady
		s.mu.Unlock()
		if !ready {
			b.publish(context.Background(), events.CapabilitiesTimeout, s.ID, nil)
			b.log.Warn("Capabilities handshake timed out", zap.String("session_id", s.ID))
		}
	})
	s.mu.Unlock()

	if err := init.Initialize(ctx); err != nil {
		b.log.Warn("Initialize control request failed",
			zap.String("session_id", s.ID), zap.Error(err))
	}
}

// handleControlResponse populates the capabilities snapshot from a matching
// control_response and broadcasts capabilities_ready.
func (b *Bridge) handleControlResponse(ctx context.Context, s *Session, msg *message.UnifiedMessage) {
	if msg.MetaString("subtype") != "success" {
		return
	}

	caps := session.Capabilities{Account: msg.MetaMap("account")}
	var cliCommands []slashcmd.Command
	if raw, ok := msg.Metadata["commands"].([]any); ok {
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name, _ := m["name"].(string)
			if name == "" {
				continue
			}
			desc, _ := m["description"].(string)
			caps.Commands = append(caps.Commands, session.CommandInfo{Name: name, Description: desc})
			cliCommands = append(cliCommands, slashcmd.Command{Name: name, Description: desc})
		}
	}
	if raw, ok := msg.Metadata["models"].([]any); ok {
		for _, item := range raw {
			if m, ok := item.(string); ok {
				caps.Models = append(caps.Models, m)
			}
		}
	}

	s.mu.Lock()
	s.state.Capabilities = caps
	s.capabilitiesReady = true
	if s.capTimer != nil {
		s.capTimer.Stop()
		s.capTimer = nil
	}
	s.mu.Unlock()

	b.slashReg.RegisterFromCLI(cliCommands)

	b.bcast.Broadcast(s, map[string]any{
		"type":         "capabilities_ready",
		"capabilities": caps,
	})
	b.publish(ctx, events.CapabilitiesReady, s.ID, map[string]any{
		"commands": len(caps.Commands),
		"models":   len(caps.Models),
	})
}
