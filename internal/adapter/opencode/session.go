package opencode

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/message"
	"github.com/agentmux/agentmux/internal/process"
	"github.com/agentmux/agentmux/pkg/opencode"
)

// backendSession is one live OpenCode server session.
type backendSession struct {
	sessionID        string
	backendSessionID string
	client           *opencode.Client
	handle           *process.Handle
	model            string
	log              *logger.Logger

	msgs chan *message.UnifiedMessage

	mu        sync.Mutex
	parts     *partTracker
	closed    bool
	streamErr error

	closeOnce sync.Once
}

func newBackendSession(sessionID, backendSessionID string, client *opencode.Client, handle *process.Handle, model string, log *logger.Logger) *backendSession {
	return &backendSession{
		sessionID:        sessionID,
		backendSessionID: backendSessionID,
		client:           client,
		handle:           handle,
		model:            model,
		log:              log.WithSessionID(sessionID),
		msgs:             make(chan *message.UnifiedMessage, 100),
		parts:            newPartTracker(),
	}
}

func (s *backendSession) SessionID() string { return s.sessionID }

func (s *backendSession) BackendSessionID() string { return s.backendSessionID }

func (s *backendSession) Messages() <-chan *message.UnifiedMessage { return s.msgs }

func (s *backendSession) StreamErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamErr
}

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

func (s *backendSession) emitSessionInit(cwd, model string) {
	s.emit(message.New(message.TypeSessionInit, message.RoleSystem,
		message.WithMetadata(map[string]any{
			"session_id": s.backendSessionID,
			"cwd":        cwd,
			"model":      model,
		})))
}

// handleEvent translates one SSE event; part state is serialized by the
// single stream reader.
func (s *backendSession) handleEvent(event *opencode.Event) {
	s.mu.Lock()
	parts := s.parts
	s.mu.Unlock()
	s.emit(translateEvent(event, parts))
}

// Send dispatches a canonical consumer message over the REST surface.
func (s *backendSession) Send(ctx context.Context, msg *message.UnifiedMessage) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("opencode session %s is closed", s.sessionID)
	}
	s.mu.Unlock()

	switch msg.Type {
	case message.TypeUserMessage:
		go s.runPrompt(msg.JoinedText())
		return nil

	case message.TypeInterrupt:
		s.client.Abort(ctx, s.backendSessionID)
		return nil

	case message.TypePermissionResponse:
		requestID := msg.MetaString("request_id")
		if requestID == "" {
			return fmt.Errorf("permission response without request_id")
		}
		reply := opencode.ReplyReject
		if msg.MetaString("behavior") == "allow" {
			reply = opencode.ReplyOnce
			if msg.MetaString("option_id") == "allow-always" {
				reply = opencode.ReplyAlways
			}
		}
		return s.client.ReplyPermission(ctx, requestID, reply, msg.MetaString("message"))

	case message.TypeStatusChange, message.TypePermissionRequest:
		return nil

	default:
		return fmt.Errorf("opencode adapter cannot send %s messages", msg.Type)
	}
}

// runPrompt submits one turn. The REST call blocks until the turn ends;
// output and the terminal result arrive via the SSE stream, so only a
// failed submission yields a result envelope here.
func (s *backendSession) runPrompt(prompt string) {
	s.emit(message.New(message.TypeStatusChange, message.RoleSystem,
		message.WithMetadataField("status", "running")))

	var model *opencode.ModelSpec
	if s.model != "" {
		if provider, modelID, ok := strings.Cut(s.model, "/"); ok {
			model = &opencode.ModelSpec{ProviderID: provider, ModelID: modelID}
		}
	}
	if err := s.client.SendPrompt(context.Background(), s.backendSessionID, prompt, model); err != nil {
		s.emit(message.NewResult("", true, classifyPromptError(err), err.Error()))
	}
}

// watchStream closes the message channel when the SSE stream ends.
func (s *backendSession) watchStream(done <-chan error) {
	streamErr := <-done

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.streamErr = streamErr
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.msgs) })
}

// Close tears down the stream and the server subprocess.
func (s *backendSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.client.Close()
	if s.handle != nil {
		_ = s.handle.Kill(true)
		select {
		case <-s.handle.Done():
		case <-ctx.Done():
			_ = s.handle.Kill(false)
		}
	}
	s.closeOnce.Do(func() { close(s.msgs) })
	return nil
}

// classifyPromptError maps a failed prompt submission onto the canonical
// error codes by the server's symbolic error name.
func classifyPromptError(err error) message.ErrorCode {
	text := err.Error()
	switch {
	case strings.Contains(text, "ProviderAuthError"):
		return message.ErrProviderAuth
	case strings.Contains(text, "MessageAbortedError"):
		return message.ErrAborted
	case strings.Contains(text, "MessageOutputLengthError"):
		return message.ErrOutputLength
	case strings.Contains(text, "ContextWindowExceededError"):
		return message.ErrContextOverflow
	default:
		return message.ErrAPIError
	}
}

var _ adapter.BackendSession = (*backendSession)(nil)
var _ adapter.StreamErrorReporter = (*backendSession)(nil)
