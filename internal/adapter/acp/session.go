package acp

import (
	"context"
	"fmt"
	"sync"

	sdk "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/message"
	"github.com/agentmux/agentmux/internal/process"
)

// backendSession is one live ACP conduit: the agent subprocess plus the SDK
// connection over its stdio.
type backendSession struct {
	sessionID string
	handle    *process.Handle
	conn      *sdk.ClientSideConnection
	log       *logger.Logger

	msgs chan *message.UnifiedMessage

	mu               sync.Mutex
	backendSessionID string
	loadSupported    bool
	closed           bool
	streamErr        error

	// pendingPermissions maps tool call ids to waiters blocked inside the
	// SDK's RequestPermission callback.
	pendingPermissions map[string]chan permissionDecision

	closeOnce sync.Once
}

type permissionDecision struct {
	behavior string // allow, deny
	optionID string
}

func newBackendSession(sessionID string, handle *process.Handle, log *logger.Logger) *backendSession {
	return &backendSession{
		sessionID:          sessionID,
		handle:             handle,
		log:                log.WithSessionID(sessionID),
		msgs:               make(chan *message.UnifiedMessage, 100),
		pendingPermissions: make(map[string]chan permissionDecision),
	}
}

func (s *backendSession) SessionID() string { return s.sessionID }

func (s *backendSession) BackendSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendSessionID
}

func (s *backendSession) setBackendSessionID(id string) {
	s.mu.Lock()
	s.backendSessionID = id
	s.mu.Unlock()
}

func (s *backendSession) Messages() <-chan *message.UnifiedMessage { return s.msgs }

func (s *backendSession) StreamErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamErr
}

// emit pushes a translated message, dropping when the consumer lags badly.
func (s *backendSession) emit(msg *message.UnifiedMessage) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.msgs <- msg:
	default:
		s.log.Warn("Message channel full, dropping",
			zap.String("type", string(msg.Type)))
	}
}

func (s *backendSession) emitSessionInit(cwd, model string) {
	s.emit(message.New(message.TypeSessionInit, message.RoleSystem,
		message.WithMetadata(map[string]any{
			"session_id": s.BackendSessionID(),
			"cwd":        cwd,
			"model":      model,
		})))
}

// Send translates a canonical consumer message into ACP calls.
func (s *backendSession) Send(ctx context.Context, msg *message.UnifiedMessage) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("acp session %s is closed", s.sessionID)
	}
	conn := s.conn
	backendID := s.backendSessionID
	s.mu.Unlock()

	switch msg.Type {
	case message.TypeUserMessage:
		go s.prompt(conn, backendID, msg.JoinedText())
		return nil

	case message.TypeInterrupt:
		return conn.Cancel(ctx, sdk.CancelNotification{
			SessionId: sdk.SessionId(backendID),
		})

	case message.TypePermissionResponse:
		return s.resolvePermission(msg)

	default:
		return fmt.Errorf("acp adapter cannot send %s messages", msg.Type)
	}
}

// prompt runs a whole turn: sdk.Prompt blocks until the agent finishes, so
// it runs on its own goroutine and yields a result envelope at the end.
func (s *backendSession) prompt(conn *sdk.ClientSideConnection, backendID, text string) {
	s.emit(message.New(message.TypeStatusChange, message.RoleSystem,
		message.WithMetadataField("status", "running")))

	_, err := conn.Prompt(context.Background(), sdk.PromptRequest{
		SessionId: sdk.SessionId(backendID),
		Prompt:    []sdk.ContentBlock{sdk.TextBlock(text)},
	})
	if err != nil {
		s.emit(message.NewResult("", true, classifyError(err), err.Error()))
		return
	}
	s.emit(message.NewResult("", false, "", ""))
}

// resolvePermission unblocks the SDK permission callback waiting on this
// request id.
func (s *backendSession) resolvePermission(msg *message.UnifiedMessage) error {
	requestID := msg.MetaString("request_id")

	s.mu.Lock()
	waiter, ok := s.pendingPermissions[requestID]
	delete(s.pendingPermissions, requestID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending permission request %q", requestID)
	}

	waiter <- permissionDecision{
		behavior: msg.MetaString("behavior"),
		optionID: msg.MetaString("option_id"),
	}
	return nil
}

// awaitPermission parks a permission request until the consumer answers or
// the context ends.
func (s *backendSession) awaitPermission(ctx context.Context, requestID string) (permissionDecision, error) {
	waiter := make(chan permissionDecision, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return permissionDecision{}, fmt.Errorf("session closed")
	}
	s.pendingPermissions[requestID] = waiter
	s.mu.Unlock()

	select {
	case decision := <-waiter:
		return decision, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pendingPermissions, requestID)
		s.mu.Unlock()
		return permissionDecision{}, ctx.Err()
	}
}

// watchExit closes the message stream when the agent process ends.
func (s *backendSession) watchExit() {
	status := s.handle.Wait()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if status.Code != 0 {
		s.streamErr = fmt.Errorf("acp agent exited with code %d", status.Code)
	}
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.msgs) })
}

// Close terminates the agent subprocess and the message stream.
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

	// ACP agents exit when stdin closes; escalate only if needed.
	if s.handle.Stdin != nil {
		_ = s.handle.Stdin.Close()
	}
	select {
	case <-s.handle.Done():
	case <-ctx.Done():
		_ = s.handle.Kill(false)
	}
	s.closeOnce.Do(func() { close(s.msgs) })
	return nil
}

var _ adapter.BackendSession = (*backendSession)(nil)
var _ adapter.StreamErrorReporter = (*backendSession)(nil)
