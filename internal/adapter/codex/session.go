package codex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/jsonrpc"
	"github.com/agentmux/agentmux/internal/message"
	"github.com/agentmux/agentmux/internal/process"
)

// backendSession is one live Codex conversation.
type backendSession struct {
	sessionID string
	codec     *jsonrpc.Codec
	handle    *process.Handle
	log       *logger.Logger

	msgs chan *message.UnifiedMessage

	mu             sync.Mutex
	conversationID string
	closed         bool
	streamErr      error

	// pendingApprovals maps canonical request ids (the approval call_id) to
	// the JSON-RPC id of the approval request awaiting our decision.
	pendingApprovals map[string]any

	closeOnce sync.Once
}

func newBackendSession(sessionID string, codec *jsonrpc.Codec, handle *process.Handle, log *logger.Logger) *backendSession {
	return &backendSession{
		sessionID:        sessionID,
		codec:            codec,
		handle:           handle,
		log:              log.WithSessionID(sessionID),
		msgs:             make(chan *message.UnifiedMessage, 100),
		pendingApprovals: make(map[string]any),
	}
}

func (s *backendSession) SessionID() string { return s.sessionID }

func (s *backendSession) BackendSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

func (s *backendSession) setConversationID(id string) {
	s.mu.Lock()
	s.conversationID = id
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

// handleIncoming routes server-initiated traffic: codex/event notifications
// and the two approval request methods.
func (s *backendSession) handleIncoming(req *jsonrpc.Request) {
	switch req.Method {
	case "codex/event":
		var params codexEventParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.log.Warn("Malformed codex/event", zap.Error(err))
			return
		}
		s.emit(translateEvent(params.Msg))

	case "execCommandApproval", "applyPatchApproval":
		s.handleApproval(req)

	default:
		if !req.IsNotification() {
			_ = s.codec.RespondError(req.ID, jsonrpc.MethodNotFound,
				fmt.Sprintf("method %q not supported", req.Method))
		}
	}
}

type approvalParams struct {
	ConversationID string          `json:"conversationId"`
	CallID         string          `json:"callId"`
	Command        []string        `json:"command,omitempty"`
	Cwd            string          `json:"cwd,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	FileChanges    json.RawMessage `json:"fileChanges,omitempty"`
}

// handleApproval captures the JSON-RPC id and surfaces the request as a
// canonical permission_request; the consumer's permission_response later
// answers the captured id with a decision string.
func (s *backendSession) handleApproval(req *jsonrpc.Request) {
	var params approvalParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		_ = s.codec.RespondError(req.ID, jsonrpc.InvalidParams, "malformed approval request")
		return
	}

	s.mu.Lock()
	s.pendingApprovals[params.CallID] = req.ID
	s.mu.Unlock()

	toolName := "exec"
	if req.Method == "applyPatchApproval" {
		toolName = "apply_patch"
	}
	meta := map[string]any{
		"request_id": params.CallID,
		"tool_name":  toolName,
		"options": []map[string]any{
			{"option_id": "allow-once", "name": "Approve", "kind": "allow_once"},
			{"option_id": "allow-always", "name": "Approve for session", "kind": "allow_always"},
			{"option_id": "reject-once", "name": "Deny", "kind": "reject_once"},
		},
	}
	input := map[string]any{}
	if len(params.Command) > 0 {
		input["command"] = params.Command
	}
	if params.Cwd != "" {
		input["cwd"] = params.Cwd
	}
	if params.FileChanges != nil {
		input["file_changes"] = json.RawMessage(params.FileChanges)
	}
	if len(input) > 0 {
		meta["input"] = input
	}
	if params.Reason != "" {
		meta["title"] = params.Reason
	}
	s.emit(message.New(message.TypePermissionRequest, message.RoleSystem,
		message.WithMetadata(meta)))
}

// Send translates a canonical consumer message and dispatches it.
func (s *backendSession) Send(ctx context.Context, msg *message.UnifiedMessage) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("codex session %s is closed", s.sessionID)
	}
	conversationID := s.conversationID
	s.mu.Unlock()

	action, err := TranslateOutbound(conversationID, msg)
	if err != nil {
		return err
	}

	switch action.Kind {
	case adapter.ActionRequest:
		if action.Method == "sendUserMessage" {
			go s.runTurn(action)
			return nil
		}
		_, err := s.codec.Call(ctx, action.Method, action.Params)
		return err

	case adapter.ActionPermissionReply:
		requestID := msg.MetaString("request_id")
		s.mu.Lock()
		rpcID, ok := s.pendingApprovals[requestID]
		delete(s.pendingApprovals, requestID)
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("no pending approval request %q", requestID)
		}
		return s.codec.Respond(rpcID, action.Result)

	case adapter.ActionNoop:
		return nil

	default:
		return fmt.Errorf("unexpected action kind %s", action.Kind)
	}
}

// runTurn submits one user message. sendUserMessage acks immediately; the
// turn's progress and result arrive as codex/event notifications, so only a
// failed submission yields a result envelope here.
func (s *backendSession) runTurn(action adapter.Action) {
	if _, err := s.codec.Call(context.Background(), action.Method, action.Params); err != nil {
		s.emit(message.NewResult("", true, classifyError(err), err.Error()))
	}
}

// watchStream closes the message channel when the codec's read loop ends,
// distinguishing a crash from a clean shutdown via the process exit status.
func (s *backendSession) watchStream() {
	<-s.codec.Done()

	var streamErr error
	if s.handle != nil {
		if status := s.handle.Wait(); status.Code != 0 {
			streamErr = fmt.Errorf("codex app server exited with code %d", status.Code)
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

// Close terminates the app server and the message stream.
func (s *backendSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pendingApprovals = make(map[string]any)
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
// the JSON-RPC error code when the server supplied one.
func classifyError(err error) message.ErrorCode {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case 401:
			return message.ErrProviderAuth
		case 429:
			return message.ErrRateLimit
		}
		return classifyEventError(rpcErr.Message)
	}
	return classifyEventError(err.Error())
}

// classifyEventError maps an error event's message text onto the canonical
// error codes.
func classifyEventError(text string) message.ErrorCode {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "401"), strings.Contains(lower, "unauthorized"), strings.Contains(lower, "authentication"):
		return message.ErrProviderAuth
	case strings.Contains(lower, "429"), strings.Contains(lower, "rate limit"):
		return message.ErrRateLimit
	case strings.Contains(lower, "context window"), strings.Contains(lower, "context length"):
		return message.ErrContextOverflow
	case strings.Contains(lower, "interrupt"), strings.Contains(lower, "abort"), strings.Contains(lower, "cancel"):
		return message.ErrAborted
	default:
		return message.ErrAPIError
	}
}

var _ adapter.BackendSession = (*backendSession)(nil)
var _ adapter.StreamErrorReporter = (*backendSession)(nil)
