package sdkurl

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/message"
)

// backendSession proxies one forwarded CLI stream.
type backendSession struct {
	sessionID string
	conn      Conn
	log       *logger.Logger

	msgs chan *message.UnifiedMessage

	mu               sync.Mutex
	backendSessionID string
	closed           bool
	streamErr        error
	passthrough      adapter.PassthroughHandler

	controlSeq atomic.Int64
	closeOnce  sync.Once
}

func newBackendSession(sessionID string, conn Conn, log *logger.Logger) *backendSession {
	return &backendSession{
		sessionID: sessionID,
		conn:      conn,
		log:       log.WithSessionID(sessionID),
		msgs:      make(chan *message.UnifiedMessage, 100),
	}
}

func (s *backendSession) SessionID() string { return s.sessionID }

func (s *backendSession) BackendSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendSessionID
}

func (s *backendSession) Messages() <-chan *message.UnifiedMessage { return s.msgs }

func (s *backendSession) StreamErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamErr
}

func (s *backendSession) SetPassthroughHandler(handler adapter.PassthroughHandler) {
	s.mu.Lock()
	s.passthrough = handler
	s.mu.Unlock()
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

// readLoop proxies inbound NDJSON: passthrough claims first, then control
// frames, then translation.
func (s *backendSession) readLoop() {
	for line := range s.conn.Lines() {
		s.mu.Lock()
		handler := s.passthrough
		s.mu.Unlock()
		if handler != nil && handler(json.RawMessage(line)) {
			continue
		}

		var frame map[string]any
		if err := json.Unmarshal(line, &frame); err != nil {
			s.log.Warn("Malformed NDJSON line", zap.Error(err))
			continue
		}

		switch frame["type"] {
		case "control_request":
			s.handleControlRequest(frame)
		case "control_response":
			s.handleControlResponse(frame)
		default:
			msg := translateNative(frame)
			if msg != nil && msg.Type == message.TypeSessionInit {
				if id := msg.MetaString("session_id"); id != "" {
					s.mu.Lock()
					s.backendSessionID = id
					s.mu.Unlock()
				}
			}
			s.emit(msg)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.streamErr = s.conn.Err()
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.msgs) })
}

// handleControlRequest surfaces CLI-initiated control requests; today that
// is can_use_tool, which becomes a canonical permission_request answered by
// request id.
func (s *backendSession) handleControlRequest(frame map[string]any) {
	requestID, _ := frame["request_id"].(string)
	request, _ := frame["request"].(map[string]any)
	subtype, _ := request["subtype"].(string)
	if subtype != "can_use_tool" {
		s.log.Debug("Ignoring control request", zap.String("subtype", subtype))
		return
	}

	meta := map[string]any{"request_id": requestID}
	if toolName, ok := request["tool_name"].(string); ok {
		meta["tool_name"] = toolName
	}
	if input, ok := request["input"].(map[string]any); ok {
		meta["input"] = input
	}
	if suggestions, ok := request["permission_suggestions"]; ok {
		meta["suggestions"] = suggestions
	}
	s.emit(message.New(message.TypePermissionRequest, message.RoleSystem,
		message.WithMetadata(meta)))
}

// handleControlResponse forwards the CLI's answer to our initialize
// request as a canonical control_response.
func (s *backendSession) handleControlResponse(frame map[string]any) {
	response, _ := frame["response"].(map[string]any)
	meta := map[string]any{}
	if subtype, ok := response["subtype"].(string); ok {
		meta["subtype"] = subtype
	}
	if inner, ok := response["response"].(map[string]any); ok {
		for k, v := range inner {
			meta[k] = v
		}
	}
	s.emit(message.New(message.TypeControlResponse, message.RoleSystem,
		message.WithMetadata(meta)))
}

// Initialize sends the initialize control request; the CLI answers on the
// stream with a control_response carrying commands, models and account.
func (s *backendSession) Initialize(ctx context.Context) error {
	return s.writeFrame(map[string]any{
		"type":       "control_request",
		"request_id": s.nextControlID(),
		"request":    map[string]any{"subtype": "initialize"},
	})
}

// Send encodes a canonical consumer message as a native stream-json frame.
func (s *backendSession) Send(ctx context.Context, msg *message.UnifiedMessage) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("sdk-url session %s is closed", s.sessionID)
	}
	s.mu.Unlock()

	switch msg.Type {
	case message.TypeUserMessage:
		return s.writeFrame(map[string]any{
			"type": "user",
			"message": map[string]any{
				"role":    "user",
				"content": []map[string]any{{"type": "text", "text": msg.JoinedText()}},
			},
		})

	case message.TypeInterrupt:
		return s.writeFrame(map[string]any{
			"type":       "control_request",
			"request_id": s.nextControlID(),
			"request":    map[string]any{"subtype": "interrupt"},
		})

	case message.TypePermissionResponse:
		decision := map[string]any{"behavior": "deny"}
		if msg.MetaString("behavior") == "allow" {
			decision = map[string]any{"behavior": "allow"}
			if updated := msg.MetaMap("updated_input"); updated != nil {
				decision["updatedInput"] = updated
			}
		} else if text := msg.MetaString("message"); text != "" {
			decision["message"] = text
		}
		return s.writeFrame(map[string]any{
			"type": "control_response",
			"response": map[string]any{
				"subtype":    "success",
				"request_id": msg.MetaString("request_id"),
				"response":   decision,
			},
		})

	case message.TypeStatusChange, message.TypePermissionRequest:
		return nil

	default:
		return fmt.Errorf("sdk-url adapter cannot send %s messages", msg.Type)
	}
}

// SendRaw forwards a pre-encoded NDJSON line untouched.
func (s *backendSession) SendRaw(line []byte) error {
	return s.conn.WriteLine(line)
}

func (s *backendSession) writeFrame(frame map[string]any) error {
	line, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return s.conn.WriteLine(line)
}

func (s *backendSession) nextControlID() string {
	return fmt.Sprintf("req_%d", s.controlSeq.Add(1))
}

// Close drops the forwarded stream.
func (s *backendSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.conn.Close()
	s.closeOnce.Do(func() { close(s.msgs) })
	return err
}

var _ adapter.BackendSession = (*backendSession)(nil)
var _ adapter.RawSender = (*backendSession)(nil)
var _ adapter.PassthroughCapable = (*backendSession)(nil)
var _ adapter.Initializer = (*backendSession)(nil)
var _ adapter.StreamErrorReporter = (*backendSession)(nil)
