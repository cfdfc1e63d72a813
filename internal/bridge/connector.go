package bridge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/message"
	"github.com/agentmux/agentmux/internal/session"
	"github.com/agentmux/agentmux/internal/slashcmd"
)

// ConnectBackend resolves the adapter, tears down any previously bound
// backend session, connects a new one and starts the consumption loop.
func (b *Bridge) ConnectBackend(ctx context.Context, sessionID, adapterName string, opts adapter.ConnectOptions) error {
	s := b.GetOrCreateSession(sessionID)

	a, err := b.adapters.Resolve(adapterName)
	if err != nil {
		return fmt.Errorf("resolve adapter for session %s: %w", sessionID, err)
	}

	b.teardownBackend(ctx, s, true)

	opts.SessionID = sessionID
	backend, err := a.Connect(ctx, opts)
	if err != nil {
		return fmt.Errorf("connect %s backend for session %s: %w", a.Name(), sessionID, err)
	}

	loopCtx, abort := context.WithCancel(context.Background())

	s.mu.Lock()
	s.backend = backend
	s.backendAbort = abort
	s.backendSessionID = backend.BackendSessionID()
	s.transitionLocked(session.LifecycleAwaitingBackend)
	caps := a.Capabilities()
	s.state.SupportsSlashPassthrough = caps.SlashCommands

	if provider, ok := a.(adapter.SlashExecutorProvider); ok {
		exec := provider.CreateSlashExecutor(backend)
		s.slashExec = exec
		supported := exec.SupportedCommands()
		cmds := make([]slashcmd.Command, 0, len(supported))
		for _, name := range supported {
			cmds = append(cmds, slashcmd.Command{Name: name})
			s.state.Commands = append(s.state.Commands, session.CommandInfo{Name: name})
		}
		b.slashReg.RegisterFromCLI(cmds)
	}
	s.mu.Unlock()

	if pc, ok := backend.(adapter.PassthroughCapable); ok {
		pc.SetPassthroughHandler(b.echoHandler(s))
	}

	// Drain messages buffered before the backend was bound, FIFO, before the
	// consumption loop can observe anything.
	s.mu.Lock()
	pending := s.pendingMessages
	s.pendingMessages = nil
	s.mu.Unlock()
	for _, msg := range pending {
		b.sendToBackend(ctx, s, backend, msg)
	}

	b.bcast.Broadcast(s, map[string]any{"type": "cli_connected", "adapter": a.Name()})
	b.publish(ctx, events.BackendConnected, s.ID, map[string]any{"adapter": a.Name()})
	b.log.Info("Backend connected",
		zap.String("session_id", s.ID), zap.String("adapter", a.Name()))

	go b.consumeBackend(loopCtx, s, backend)
	return nil
}

// DisconnectBackend aborts the consumption loop and closes the backend
// session, cancelling pending permissions toward participants.
func (b *Bridge) DisconnectBackend(ctx context.Context, sessionID string) error {
	s, ok := b.sessions.get(sessionID)
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	b.teardownBackend(ctx, s, true)
	return nil
}

// teardownBackend aborts and closes the bound backend, if any, and performs
// the disconnect cleanup.
func (b *Bridge) teardownBackend(ctx context.Context, s *Session, aborted bool) {
	s.mu.Lock()
	backend := s.backend
	abort := s.backendAbort
	s.backend = nil
	s.backendAbort = nil
	s.backendSessionID = ""
	s.slashExec = nil
	s.mu.Unlock()

	if backend == nil {
		return
	}
	if abort != nil {
		abort()
	}
	if pc, ok := backend.(adapter.PassthroughCapable); ok {
		pc.SetPassthroughHandler(nil)
	}
	if err := backend.Close(ctx); err != nil {
		b.log.Warn("Backend close failed",
			zap.String("session_id", s.ID), zap.Error(err))
	}
	b.cancelPendingPermissions(ctx, s)
	if aborted {
		b.cancelPendingPassthroughs(ctx, s, "backend disconnected")
	}
}

// consumeBackend is the per-session consumption loop: passthrough
// interception first, then the state reducer, then fan-out, strictly in the
// order the adapter yielded messages.
func (b *Bridge) consumeBackend(ctx context.Context, s *Session, backend adapter.BackendSession) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-backend.Messages():
			if !ok {
				b.finishBackendStream(s, backend)
				return
			}
			b.handleBackendMessage(ctx, s, backend, msg)
		}
	}
}

func (b *Bridge) handleBackendMessage(ctx context.Context, s *Session, backend adapter.BackendSession, msg *message.UnifiedMessage) {
	if msg == nil {
		return
	}

	b.publish(ctx, events.BackendMessage, s.ID, map[string]any{"type": string(msg.Type)})

	if msg.Type == message.TypeSessionInit {
		if id := msg.MetaString("session_id"); id != "" {
			s.mu.Lock()
			s.backendSessionID = id
			s.mu.Unlock()
			b.publish(ctx, events.BackendSessionID, s.ID, map[string]any{
				"backend_session_id": id,
			})
		}
		b.maybeRequestCapabilities(ctx, s, backend)
	}
	if msg.Type == message.TypeControlResponse {
		b.handleControlResponse(ctx, s, msg)
	}
	if msg.Type == message.TypePermissionRequest {
		if id := msg.MetaString("request_id"); id != "" {
			s.mu.Lock()
			s.pendingPermissions[id] = struct{}{}
			s.mu.Unlock()
			b.publish(ctx, events.PermissionRequested, s.ID, map[string]any{
				"request_id": id,
				"tool_name":  msg.MetaString("tool_name"),
			})
		}
	}

	if b.interceptCanonical(ctx, s, msg) {
		return
	}

	s.mu.Lock()
	s.state = session.Reduce(s.state, msg)
	s.touch()
	b.applyLifecycleSignalLocked(s, msg)
	s.mu.Unlock()

	b.bcast.Broadcast(s, msg)
}

// applyLifecycleSignalLocked maps backend messages onto lifecycle edges.
// Caller holds s.mu.
func (b *Bridge) applyLifecycleSignalLocked(s *Session, msg *message.UnifiedMessage) {
	switch msg.Type {
	case message.TypeSessionInit:
		s.transitionLocked(session.LifecycleActive)
	case message.TypeStatusChange:
		switch msg.MetaString("status") {
		case "idle":
			s.transitionLocked(session.LifecycleIdle)
		case "running", "compacting":
			s.transitionLocked(session.LifecycleActive)
		}
	case message.TypeResult:
		s.transitionLocked(session.LifecycleIdle)
	case message.TypeStreamEvent:
		if event := msg.MetaMap("event"); event != nil {
			if t, _ := event["type"].(string); t == "message_start" && msg.MetaString("parent_tool_use_id") == "" {
				s.transitionLocked(session.LifecycleActive)
			}
		}
	}
}

// finishBackendStream handles the Messages channel closing underneath the
// loop: a reported stream error leaves the session degraded with an error
// broadcast, a clean end is the same cleanup without the error.
func (b *Bridge) finishBackendStream(s *Session, backend adapter.BackendSession) {
	ctx := context.Background()

	var streamErr error
	if reporter, ok := backend.(adapter.StreamErrorReporter); ok {
		streamErr = reporter.StreamErr()
	}

	s.mu.Lock()
	if s.backend != backend {
		// A teardown or reconnect already swapped the backend out.
		s.mu.Unlock()
		return
	}
	s.backend = nil
	s.backendAbort = nil
	s.backendSessionID = ""
	s.slashExec = nil
	s.transitionLocked(session.LifecycleDegraded)
	s.mu.Unlock()

	if streamErr != nil {
		b.cancelPendingPassthroughs(ctx, s, streamErr.Error())
		b.bcast.Broadcast(s, map[string]any{
			"type":    "error",
			"message": streamErr.Error(),
			"source":  "backendConsumption",
		})
		b.publish(ctx, events.BackendStreamError, s.ID, map[string]any{"error": streamErr.Error()})
		b.publish(ctx, events.BackendRelaunchNeeded, s.ID, map[string]any{"error": streamErr.Error()})
		b.log.Error("Backend stream failed",
			zap.String("session_id", s.ID), zap.Error(streamErr))
	} else {
		b.cancelPendingPassthroughs(ctx, s, "backend disconnected")
		b.log.Info("Backend stream ended", zap.String("session_id", s.ID))
	}

	b.cancelPendingPermissions(ctx, s)
	b.bcast.Broadcast(s, map[string]any{"type": "cli_disconnected"})
	b.publish(ctx, events.BackendDisconnected, s.ID, nil)
}

// cancelPendingPermissions broadcasts permission_cancelled to participants
// for every unanswered permission request.
func (b *Bridge) cancelPendingPermissions(ctx context.Context, s *Session) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pendingPermissions))
	for id := range s.pendingPermissions {
		ids = append(ids, id)
	}
	s.pendingPermissions = make(map[string]struct{})
	s.mu.Unlock()

	for _, id := range ids {
		b.bcast.BroadcastToParticipants(s, map[string]any{
			"type":       "permission_cancelled",
			"request_id": id,
		})
		b.publish(ctx, events.PermissionResolved, s.ID, map[string]any{
			"request_id": id,
			"behavior":   "cancelled",
		})
	}
}
