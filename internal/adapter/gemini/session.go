package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/jsonrpc"
	"github.com/agentmux/agentmux/internal/message"
	"github.com/agentmux/agentmux/internal/process"
)

// backendSession is one live Gemini CLI conduit.
type backendSession struct {
	sessionID string
	codec     *jsonrpc.Codec
	handle    *process.Handle
	log       *logger.Logger

	msgs chan *message.UnifiedMessage

	mu               sync.Mutex
	backendSessionID string
	closed           bool
	streamErr        error

	// pendingPermissions maps canonical request ids to the JSON-RPC id of
	// the CLI's session/request_permission call awaiting our response.
	pendingPermissions map[string]any

	closeOnce sync.Once
}

func newBackendSession(sessionID string, codec *jsonrpc.Codec, handle *process.Handle, log *logger.Logger) *backendSession {
	return &backendSession{
		sessionID:          sessionID,
		codec:              codec,
		handle:             handle,
		log:                log.WithSessionID(sessionID),
		msgs:               make(chan *message.UnifiedMessage, 100),
		pendingPermissions: make(map[string]any),
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
			"session_id": s.BackendSessionID(),
			"cwd":        cwd,
			"model":      model,
		})))
}

// handleIncoming routes CLI-initiated requests and notifications.
func (s *backendSession) handleIncoming(req *jsonrpc.Request) {
	switch req.Method {
	case "session/update":
		var params sessionUpdateParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.log.Warn("Malformed session/update", zap.Error(err))
			return
		}
		s.emit(translateUpdate(params.Update))

	case "session/request_permission":
		s.handlePermissionRequest(req)

	default:
		if !req.IsNotification() {
			_ = s.codec.RespondError(req.ID, jsonrpc.MethodNotFound,
				fmt.Sprintf("method %q not supported", req.Method))
		}
	}
}

type permissionRequestParams struct {
	SessionID string `json:"sessionId"`
	ToolCall  struct {
		ToolCallID string          `json:"toolCallId"`
		Title      string          `json:"title"`
		Kind       string          `json:"kind"`
		RawInput   json.RawMessage `json:"rawInput"`
	} `json:"toolCall"`
	Options []struct {
		OptionID string `json:"optionId"`
		Name     string `json:"name"`
		Kind     string `json:"kind"`
	} `json:"options"`
}

// handlePermissionRequest captures the JSON-RPC id and surfaces the request
// as a canonical permission_request; the consumer's permission_response
// later answers the captured id.
func (s *backendSession) handlePermissionRequest(req *jsonrpc.Request) {
	var params permissionRequestParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		_ = s.codec.RespondError(req.ID, jsonrpc.InvalidParams, "malformed permission request")
		return
	}

	requestID := params.ToolCall.ToolCallID
	s.mu.Lock()
	s.pendingPermissions[requestID] = req.ID
	s.mu.Unlock()

	options := make([]map[string]any, len(params.Options))
	for i, opt := range params.Options {
		options[i] = map[string]any{
			"option_id": opt.OptionID,
			"name":      opt.Name,
			"kind":      opt.Kind,
		}
	}
	meta := map[string]any{
		"request_id": requestID,
		"tool_name":  params.ToolCall.Kind,
		"title":      params.ToolCall.Title,
		"options":    options,
	}
	if params.ToolCall.RawInput != nil {
		meta["input"] = json.RawMessage(params.ToolCall.RawInput)
	}
	s.emit(message.New(message.TypePermissionRequest, message.RoleSystem,
		message.WithMetadata(meta)))
}

// Send translates a canonical consumer message and dispatches it.
func (s *backendSession) Send(ctx context.Context, msg *message.UnifiedMessage) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("gemini session %s is closed", s.sessionID)
	}
	backendID := s.backendSessionID
	s.mu.Unlock()

	action, err := TranslateOutbound(backendID, msg)
	if err != nil {
		return err
	}

	switch action.Kind {
	case adapter.ActionRequest:
		go s.runPrompt(action)
		return nil

	case adapter.ActionNotification:
		return s.codec.Notify(action.Method, action.Params)

	case adapter.ActionPermissionReply:
		requestID := msg.MetaString("request_id")
		s.mu.Lock()
		rpcID, ok := s.pendingPermissions[requestID]
		delete(s.pendingPermissions, requestID)
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("no pending permission request %q", requestID)
		}
		return s.codec.Respond(rpcID, action.Result)

	case adapter.ActionNoop:
		return nil

	default:
		return fmt.Errorf("unexpected action kind %s", action.Kind)
	}
}

type promptResult struct {
	StopReason string `json:"stopReason"`
}

// runPrompt executes one turn; session/prompt blocks until the agent is
// done, so it gets its own goroutine and yields a result envelope.
func (s *backendSession) runPrompt(action adapter.Action) {
	s.emit(message.New(message.TypeStatusChange, message.RoleSystem,
		message.WithMetadataField("status", "running")))

	raw, err := s.codec.Call(context.Background(), action.Method, action.Params)
	if err != nil {
		s.emit(message.NewResult("", true, classifyError(err), err.Error()))
		return
	}

	var result promptResult
	_ = json.Unmarshal(raw, &result)
	if result.StopReason == "cancelled" {
		s.emit(message.NewResult("", true, message.ErrAborted, "turn cancelled"))
		return
	}
	msg := message.NewResult("", false, "", "")
	if result.StopReason != "" {
		msg.Metadata["stop_reason"] = result.StopReason
	}
	s.emit(msg)
}

// watchStream closes the message channel when the codec's read loop ends,
// distinguishing a crash from a clean shutdown via the process exit status.
func (s *backendSession) watchStream() {
	<-s.codec.Done()

	var streamErr error
	if s.handle != nil {
		if status := s.handle.Wait(); status.Code != 0 {
			streamErr = fmt.Errorf("gemini cli exited with code %d", status.Code)
		}
	}

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

// Close terminates the CLI subprocess and the message stream.
func (s *backendSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pendingPermissions = make(map[string]any)
	s.mu.Unlock()

	if s.handle != nil {
		if s.handle.Stdin != nil {
			_ = s.handle.Stdin.Close()
		}
		select {
		case <-s.handle.Done():
		case <-ctx.Done():
			_ = s.handle.Kill(false)
		}
	}
	s.closeOnce.Do(func() { close(s.msgs) })
	return nil
}

// classifyError maps a failed call onto the canonical error codes, using
// the JSON-RPC error code when the peer supplied one.
func classifyError(err error) message.ErrorCode {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case 401:
			return message.ErrProviderAuth
		case 429:
			return message.ErrRateLimit
		}
	}
	return message.ErrAPIError
}

var _ adapter.BackendSession = (*backendSession)(nil)
var _ adapter.StreamErrorReporter = (*backendSession)(nil)
