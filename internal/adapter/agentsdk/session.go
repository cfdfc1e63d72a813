package agentsdk

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/message"
)

// backendSession is one live in-process query run.
type backendSession struct {
	sessionID string
	log       *logger.Logger
	query     Query

	prompts chan string
	msgs    chan *message.UnifiedMessage

	mu               sync.Mutex
	backendSessionID string
	closed           bool

	// pendingPermissions parks CanUseTool callbacks until the consumer's
	// permission_response arrives, keyed by tool use id.
	pendingPermissions map[string]chan ToolDecision

	closeOnce sync.Once
}

func newBackendSession(sessionID string, log *logger.Logger) *backendSession {
	return &backendSession{
		sessionID:          sessionID,
		log:                log.WithSessionID(sessionID),
		prompts:            make(chan string, 16),
		msgs:               make(chan *message.UnifiedMessage, 100),
		pendingPermissions: make(map[string]chan ToolDecision),
	}
}

func (s *backendSession) SessionID() string { return s.sessionID }

func (s *backendSession) BackendSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendSessionID
}

func (s *backendSession) Messages() <-chan *message.UnifiedMessage { return s.msgs }

func (s *backendSession) emit(msg *message.UnifiedMessage) {
	if msg == nil {
		return
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.msgs <- msg:
	default:
		s.log.Warn("Message channel full, dropping", zap.String("type", string(msg.Type)))
	}
}

// consume drains the query's event channel until the run ends.
func (s *backendSession) consume() {
	for event := range s.query.Events() {
		msg := translateEvent(event)
		if msg == nil {
			continue
		}
		if msg.Type == message.TypeSessionInit {
			if id := msg.MetaString("session_id"); id != "" {
				s.mu.Lock()
				s.backendSessionID = id
				s.mu.Unlock()
			}
		}
		s.emit(msg)
	}

	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()
	if !alreadyClosed {
		s.closeOnce.Do(func() { close(s.msgs) })
	}
}

// canUseTool surfaces a permission request and blocks until the consumer
// answers or the context ends.
func (s *backendSession) canUseTool(ctx context.Context, toolName string, input map[string]any, toolUseID string) (ToolDecision, error) {
	waiter := make(chan ToolDecision, 1)
	s.mu.Lock()
	s.pendingPermissions[toolUseID] = waiter
	s.mu.Unlock()

	meta := map[string]any{
		"request_id": toolUseID,
		"tool_name":  toolName,
	}
	if input != nil {
		meta["input"] = input
	}
	s.emit(message.New(message.TypePermissionRequest, message.RoleSystem,
		message.WithMetadata(meta)))

	select {
	case decision := <-waiter:
		return decision, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pendingPermissions, toolUseID)
		s.mu.Unlock()
		return ToolDecision{}, ctx.Err()
	}
}

// Send dispatches a canonical consumer message into the running query.
func (s *backendSession) Send(ctx context.Context, msg *message.UnifiedMessage) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("agent-sdk session %s is closed", s.sessionID)
	}
	s.mu.Unlock()

	switch msg.Type {
	case message.TypeUserMessage:
		select {
		case s.prompts <- msg.JoinedText():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case message.TypeInterrupt:
		return s.query.Interrupt(ctx)

	case message.TypePermissionResponse:
		return s.resolvePermission(msg)

	case message.TypeStatusChange, message.TypePermissionRequest:
		return nil

	default:
		return fmt.Errorf("agent-sdk adapter cannot send %s messages", msg.Type)
	}
}

func (s *backendSession) resolvePermission(msg *message.UnifiedMessage) error {
	requestID := msg.MetaString("request_id")
	s.mu.Lock()
	waiter, ok := s.pendingPermissions[requestID]
	delete(s.pendingPermissions, requestID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending tool permission %q", requestID)
	}

	decision := ToolDecision{Behavior: "deny", Message: msg.MetaString("message")}
	if msg.MetaString("behavior") == "allow" {
		decision = ToolDecision{Behavior: "allow"}
		if updated := msg.MetaMap("updated_input"); updated != nil {
			decision.UpdatedInput = updated
		}
	}
	waiter <- decision
	return nil
}

// Close ends the query run. The prompt stream closes so generator-style
// queries finish their iteration.
func (s *backendSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, waiter := range s.pendingPermissions {
		close(waiter)
		delete(s.pendingPermissions, id)
	}
	s.mu.Unlock()

	close(s.prompts)
	err := s.query.Close()
	s.closeOnce.Do(func() { close(s.msgs) })
	return err
}

var _ adapter.BackendSession = (*backendSession)(nil)
