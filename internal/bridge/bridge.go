package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/message"
	"github.com/agentmux/agentmux/internal/session"
	"github.com/agentmux/agentmux/internal/slashcmd"
	"github.com/agentmux/agentmux/internal/tracing"
)

// Config tunes the bridge timeouts.
type Config struct {
	AuthTimeout         time.Duration
	CapabilitiesTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 5 * time.Second
	}
	if c.CapabilitiesTimeout <= 0 {
		c.CapabilitiesTimeout = 10 * time.Second
	}
}

// Bridge owns the session table and the consumer plane.
type Bridge struct {
	cfg Config

	sessions *sessionTable

	adapters  *adapter.Registry
	auth      Authenticator
	eventBus  bus.EventBus
	slashReg  *slashcmd.Registry
	slashExec *slashcmd.Executor
	tracer    tracing.DecisionTracer
	bcast     *Broadcaster
	log       *logger.Logger
}

// New wires a bridge. A nil authenticator selects dev-mode anonymous
// participants; a nil tracer discards decision records.
func New(adapters *adapter.Registry, auth Authenticator, eventBus bus.EventBus,
	slashReg *slashcmd.Registry, tracer tracing.DecisionTracer, cfg Config, log *logger.Logger) *Bridge {

	cfg.applyDefaults()
	if auth == nil {
		auth = AnonymousAuthenticator{}
	}
	if tracer == nil {
		tracer = tracing.NopTracer{}
	}
	if slashReg == nil {
		slashReg = slashcmd.NewRegistry()
	}
	return &Bridge{
		cfg:       cfg,
		sessions:  newSessionTable(),
		adapters:  adapters,
		auth:      auth,
		eventBus:  eventBus,
		slashReg:  slashReg,
		slashExec: slashcmd.NewExecutor(slashReg),
		tracer:    tracer,
		bcast:     NewBroadcaster(log),
		log:       log.WithFields(zap.String("component", "bridge")),
	}
}

// SlashRegistry exposes the shared command registry.
func (b *Bridge) SlashRegistry() *slashcmd.Registry { return b.slashReg }

// GetOrCreateSession returns the session record, creating it if absent.
func (b *Bridge) GetOrCreateSession(sessionID string) *Session {
	return b.sessions.getOrCreate(sessionID)
}

// GetSession returns the session record if it exists.
func (b *Bridge) GetSession(sessionID string) (*Session, bool) {
	return b.sessions.get(sessionID)
}

// Sessions returns every live session record.
func (b *Bridge) Sessions() []*Session {
	return b.sessions.list()
}

// HandleConsumerOpen authenticates the socket and installs it in the session.
// On auth failure or timeout the socket is closed with code 4001.
func (b *Bridge) HandleConsumerOpen(ctx context.Context, socket ConsumerSocket, auth AuthContext) error {
	s := b.GetOrCreateSession(auth.SessionID)

	authCtx, cancel := context.WithTimeout(ctx, b.cfg.AuthTimeout)
	defer cancel()

	identity, err := b.auth.Authenticate(authCtx, auth)
	if err != nil {
		b.publish(ctx, events.ConsumerAuthFailed, s.ID, map[string]any{"error": err.Error()})
		b.publish(ctx, events.ConsumerAuthStatus, s.ID, map[string]any{
			"status": "failed",
			"error":  err.Error(),
		})
		_ = socket.Close(CloseAuthFailed, "Authentication failed")
		return fmt.Errorf("authenticate consumer for session %s: %w", s.ID, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = socket.Close(CloseAuthFailed, "Authentication failed")
		return fmt.Errorf("session %s removed during authentication", s.ID)
	}
	s.consumers[socket] = &consumer{socket: socket, identity: identity}
	s.touch()
	state := s.state
	backendID := s.backendSessionID
	capsReady := s.capabilitiesReady
	caps := s.state.Capabilities
	s.mu.Unlock()

	b.bcast.sendTo(socket, map[string]any{
		"type":    "identity",
		"role":    identity.Role,
		"user_id": identity.UserID,
		"name":    identity.Name,
	})

	init := message.New(message.TypeSessionInit, message.RoleSystem, message.WithMetadata(map[string]any{
		"model":          state.Model,
		"cwd":            state.Cwd,
		"tools":          state.Tools,
		"permissionMode": state.PermissionMode,
		"session_id":     backendID,
	}))
	b.bcast.sendTo(socket, init)

	if capsReady {
		b.bcast.sendTo(socket, map[string]any{
			"type":         "capabilities_ready",
			"capabilities": caps,
		})
	}

	b.publish(ctx, events.ConsumerAuthStatus, s.ID, map[string]any{
		"status": "authenticated",
		"role":   string(identity.Role),
	})
	b.publish(ctx, events.ConsumerJoined, s.ID, map[string]any{"role": string(identity.Role)})
	b.log.Info("Consumer joined",
		zap.String("session_id", s.ID), zap.String("role", string(identity.Role)))
	return nil
}

// inboundFrame is the consumer-to-bridge wire shape.
type inboundFrame struct {
	Type         string         `json:"type"`
	Content      string         `json:"content,omitempty"`
	Command      string         `json:"command,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	Behavior     string         `json:"behavior,omitempty"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// HandleConsumerMessage parses and routes one inbound consumer frame.
// Messages from unregistered sockets are dropped silently.
func (b *Bridge) HandleConsumerMessage(ctx context.Context, socket ConsumerSocket, sessionID string, raw []byte) {
	s, ok := b.sessions.get(sessionID)
	if !ok {
		return
	}

	s.mu.Lock()
	c, registered := s.consumers[socket]
	if registered {
		s.touch()
	}
	s.mu.Unlock()
	if !registered {
		b.log.Debug("Dropping message from unregistered socket",
			zap.String("session_id", sessionID))
		return
	}

	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.bcast.sendTo(socket, map[string]any{"type": "error", "message": "Malformed message"})
		return
	}

	if c.identity.Role == RoleObserver && frame.Type != "presence_query" {
		b.bcast.sendTo(socket, map[string]any{
			"type":    "error",
			"message": fmt.Sprintf("Observers cannot send %s messages", frame.Type),
		})
		return
	}

	switch frame.Type {
	case "presence_query":
		b.sendPresence(s, socket)

	case "user_message":
		msg := message.New(message.TypeUserMessage, message.RoleUser, message.WithText(frame.Content))
		s.mu.Lock()
		s.transitionLocked(session.LifecycleActive)
		s.mu.Unlock()
		b.forwardOrBuffer(ctx, s, msg)

	case "slash_command":
		b.HandleSlashCommand(ctx, s, frame.Command, frame.RequestID)

	case "permission_response":
		meta := map[string]any{
			"request_id": frame.RequestID,
			"behavior":   frame.Behavior,
		}
		if frame.UpdatedInput != nil {
			meta["updated_input"] = frame.UpdatedInput
		}
		if frame.Message != "" {
			meta["message"] = frame.Message
		}
		msg := message.New(message.TypePermissionResponse, message.RoleUser, message.WithMetadata(meta))

		s.mu.Lock()
		delete(s.pendingPermissions, frame.RequestID)
		s.mu.Unlock()
		b.publish(ctx, events.PermissionResolved, s.ID, map[string]any{
			"request_id": frame.RequestID,
			"behavior":   frame.Behavior,
		})
		b.forwardOrBuffer(ctx, s, msg)

	case "interrupt":
		msg := message.New(message.TypeInterrupt, message.RoleUser)
		b.forwardOrBuffer(ctx, s, msg)

	default:
		b.bcast.sendTo(socket, map[string]any{
			"type":    "error",
			"message": fmt.Sprintf("Unsupported message type %q", frame.Type),
		})
	}
}

// HandleConsumerClose removes the socket from the session. No state cleanup.
func (b *Bridge) HandleConsumerClose(ctx context.Context, socket ConsumerSocket, sessionID string) {
	s, ok := b.sessions.get(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	_, registered := s.consumers[socket]
	delete(s.consumers, socket)
	s.mu.Unlock()
	if registered {
		b.publish(ctx, events.ConsumerLeft, s.ID, nil)
	}
}

func (b *Bridge) sendPresence(s *Session, socket ConsumerSocket) {
	s.mu.Lock()
	members := make([]map[string]any, 0, len(s.consumers))
	for _, c := range s.consumers {
		members = append(members, map[string]any{
			"role": c.identity.Role,
			"name": c.identity.Name,
		})
	}
	cliConnected := s.backend != nil
	s.mu.Unlock()

	b.bcast.sendTo(socket, map[string]any{
		"type":          "presence",
		"consumers":     members,
		"cli_connected": cliConnected,
	})
}

// forwardOrBuffer sends msg to the backend, or buffers it FIFO when no
// backend is bound yet.
func (b *Bridge) forwardOrBuffer(ctx context.Context, s *Session, msg *message.UnifiedMessage) {
	s.mu.Lock()
	if s.backend == nil {
		s.pendingMessages = append(s.pendingMessages, msg)
		n := len(s.pendingMessages)
		s.mu.Unlock()
		b.log.Debug("Buffered message, backend not bound",
			zap.String("session_id", s.ID), zap.Int("pending", n))
		return
	}
	backend := s.backend
	s.mu.Unlock()

	b.sendToBackend(ctx, s, backend, msg)
}

func (b *Bridge) sendToBackend(ctx context.Context, s *Session, backend adapter.BackendSession, msg *message.UnifiedMessage) {
	if err := backend.Send(ctx, msg); err != nil {
		b.log.Error("Failed to send to backend",
			zap.String("session_id", s.ID), zap.String("type", string(msg.Type)), zap.Error(err))
		b.bcast.Broadcast(s, map[string]any{
			"type":    "error",
			"message": fmt.Sprintf("Failed to deliver %s to backend", msg.Type),
		})
	}
}

// CloseSession transitions the session to closed, tears down the backend,
// cancels pending permissions and closes every consumer socket.
func (b *Bridge) CloseSession(ctx context.Context, sessionID string) error {
	s, ok := b.sessions.get(sessionID)
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}

	b.teardownBackend(ctx, s, true)

	s.mu.Lock()
	s.transitionLocked(session.LifecycleClosing)
	s.transitionLocked(session.LifecycleClosed)
	s.closed = true
	if s.capTimer != nil {
		s.capTimer.Stop()
		s.capTimer = nil
	}
	sockets := make([]ConsumerSocket, 0, len(s.consumers))
	for socket := range s.consumers {
		sockets = append(sockets, socket)
	}
	s.consumers = make(map[ConsumerSocket]*consumer)
	s.mu.Unlock()

	for _, socket := range sockets {
		_ = socket.Close(CloseSessionRemoved, "Session closed")
	}

	b.publish(ctx, events.SessionClosed, s.ID, nil)
	b.log.Info("Session closed", zap.String("session_id", s.ID))
	return nil
}

// RemoveSession closes the session and drops it from the table.
func (b *Bridge) RemoveSession(ctx context.Context, sessionID string) error {
	if err := b.CloseSession(ctx, sessionID); err != nil {
		return err
	}
	b.sessions.remove(sessionID)
	b.publish(ctx, events.SessionRemoved, sessionID, nil)
	return nil
}

// Close tears down every session.
func (b *Bridge) Close(ctx context.Context) {
	for _, s := range b.sessions.list() {
		_ = b.CloseSession(ctx, s.ID)
	}
}

func (b *Bridge) publish(ctx context.Context, eventType, sessionID string, data map[string]any) {
	if b.eventBus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["session_id"] = sessionID
	evt := bus.NewEvent(eventType, "bridge", data)
	if err := b.eventBus.Publish(ctx, events.BuildSessionSubject(eventType, sessionID), evt); err != nil {
		b.log.Warn("Failed to publish event",
			zap.String("event", eventType), zap.Error(err))
	}
}
