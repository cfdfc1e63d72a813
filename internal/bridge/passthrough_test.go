package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/message"
)

func forwardSlash(t *testing.T, rig *testRig, s *Session, command, requestID string) {
	t.Helper()
	rig.bridge.HandleSlashCommand(context.Background(), s, command, requestID)

	sent := rig.backend.sentMessages()
	require.NotEmpty(t, sent, "forwarded command reaches the backend as user_message")
	last := sent[len(sent)-1]
	assert.Equal(t, message.TypeUserMessage, last.Type)
	assert.Equal(t, command, last.JoinedText())
}

func TestPassthroughEmptyResult(t *testing.T) {
	rig := newTestRig(t, nil)
	socket := rig.openParticipant(t, "sess-1")
	s := rig.connect(t, "sess-1")

	forwardSlash(t, rig, s, "/context", "req-ctx")

	rig.backend.emit(message.New(message.TypeResult, message.RoleSystem,
		message.WithMetadataField("result", "")))

	frame := socket.waitForFrame(t, "slash_command_error")
	assert.Equal(t, "/context", frame["command"])
	assert.Equal(t, "req-ctx", frame["request_id"])
	assert.Equal(t, `Pending passthrough "/context" produced empty output`, frame["error"])

	summary := rig.tracer.waitForSummary(t)
	assert.Equal(t, "empty_result", summary.Fields.Outcome)
	assert.Equal(t, "none", summary.Body["matched_path"])
	assert.Equal(t, "/context", summary.Fields.Command)
}

func TestPassthroughStreamBufferPath(t *testing.T) {
	rig := newTestRig(t, nil)
	socket := rig.openParticipant(t, "sess-1")
	s := rig.connect(t, "sess-1")

	forwardSlash(t, rig, s, "/context", "req-ctx")

	const contextText = "Context Usage\nTokens: 43.5k / 200k (22%)"
	rig.backend.emit(message.New(message.TypeStreamEvent, message.RoleAssistant,
		message.WithMetadataField("event", map[string]any{
			"type":  "content_block_delta",
			"delta": map[string]any{"type": "text_delta", "text": contextText},
		})))
	rig.backend.emit(message.New(message.TypeResult, message.RoleSystem,
		message.WithMetadataField("result", "")))

	frame := socket.waitForFrame(t, "slash_command_result")
	assert.Equal(t, "/context", frame["command"])
	assert.Equal(t, contextText, frame["content"])
	assert.Equal(t, "cli", frame["source"])

	summary := rig.tracer.waitForSummary(t)
	assert.Equal(t, "success", summary.Fields.Outcome)
	assert.Equal(t, "stream_buffer", summary.Body["matched_path"])
}

func TestPassthroughResultFieldPath(t *testing.T) {
	rig := newTestRig(t, nil)
	socket := rig.openParticipant(t, "sess-1")
	s := rig.connect(t, "sess-1")

	forwardSlash(t, rig, s, "/compact", "req-1")

	rig.backend.emit(message.New(message.TypeResult, message.RoleSystem,
		message.WithMetadataField("result", "Compacted 12 messages")))

	frame := socket.waitForFrame(t, "slash_command_result")
	assert.Equal(t, "Compacted 12 messages", frame["content"])

	summary := rig.tracer.waitForSummary(t)
	assert.Equal(t, "result_field", summary.Body["matched_path"])
	assert.Equal(t, "success", summary.Fields.Outcome)
}

func TestPassthroughAssistantTextPathSuppressesEcho(t *testing.T) {
	rig := newTestRig(t, nil)
	socket := rig.openParticipant(t, "sess-1")
	s := rig.connect(t, "sess-1")

	forwardSlash(t, rig, s, "/context", "req-1")

	rig.backend.emit(message.New(message.TypeAssistant, message.RoleAssistant,
		message.WithText("Context output")))

	frame := socket.waitForFrame(t, "slash_command_result")
	assert.Equal(t, "Context output", frame["content"])

	summary := rig.tracer.waitForSummary(t)
	assert.Equal(t, "assistant_text", summary.Body["matched_path"])

	// The matched assistant envelope is consumed, not double-broadcast.
	assert.Empty(t, socket.framesOfType("assistant"))
}

func TestPassthroughUserEchoClaim(t *testing.T) {
	rig := newTestRig(t, nil)
	socket := rig.openParticipant(t, "sess-1")
	s := rig.connect(t, "sess-1")

	handler := rig.backend.passthroughHandler()
	require.NotNil(t, handler, "connector installs the echo handler")

	// No pending entry: the echo is not claimed.
	echo := json.RawMessage(`{"type":"user","message":{"content":"<local-command-stdout>ok</local-command-stdout>"}}`)
	assert.False(t, handler(echo))

	forwardSlash(t, rig, s, "/context", "req-1")
	assert.True(t, handler(echo), "echo claimed while a passthrough is pending")

	frame := socket.waitForFrame(t, "slash_command_result")
	assert.Equal(t, "ok", frame["content"], "stdout wrapper is stripped")
	assert.Equal(t, "cli", frame["source"])

	summary := rig.tracer.waitForSummary(t)
	assert.Equal(t, "intercepted_user_echo", summary.Fields.Outcome)
}

func TestPassthroughEchoBlockArrayContent(t *testing.T) {
	rig := newTestRig(t, nil)
	socket := rig.openParticipant(t, "sess-1")
	s := rig.connect(t, "sess-1")

	forwardSlash(t, rig, s, "/context", "req-1")

	handler := rig.backend.passthroughHandler()
	echo := json.RawMessage(`{"type":"user","message":{"content":[{"type":"text","text":"block output"}]}}`)
	require.True(t, handler(echo))

	frame := socket.waitForFrame(t, "slash_command_result")
	assert.Equal(t, "block output", frame["content"])
}

func TestPassthroughDoesNotContaminateUnrelatedMessages(t *testing.T) {
	rig := newTestRig(t, nil)
	socket := rig.openParticipant(t, "sess-1")
	s := rig.connect(t, "sess-1")

	forwardSlash(t, rig, s, "/context", "req-1")

	rig.backend.emit(message.New(message.TypePermissionRequest, message.RoleSystem,
		message.WithMetadataField("request_id", "r1")))

	// The permission request is routed normally and the passthrough stays
	// pending.
	socket.waitForFrame(t, "permission_request")
	s.mu.Lock()
	pending := len(s.pendingPassthroughs)
	s.mu.Unlock()
	assert.Equal(t, 1, pending)
}

func TestPassthroughFIFOMatchesOldestFirst(t *testing.T) {
	rig := newTestRig(t, nil)
	socket := rig.openParticipant(t, "sess-1")
	s := rig.connect(t, "sess-1")

	forwardSlash(t, rig, s, "/context", "req-1")
	forwardSlash(t, rig, s, "/compact", "req-2")

	rig.backend.emit(message.New(message.TypeResult, message.RoleSystem,
		message.WithMetadataField("result", "first output")))
	rig.backend.emit(message.New(message.TypeResult, message.RoleSystem,
		message.WithMetadataField("result", "second output")))

	require.Eventually(t, func() bool {
		return len(socket.framesOfType("slash_command_result")) == 2
	}, 2*time.Second, 5*time.Millisecond)

	frames := socket.framesOfType("slash_command_result")
	assert.Equal(t, "/context", frames[0]["command"])
	assert.Equal(t, "first output", frames[0]["content"])
	assert.Equal(t, "/compact", frames[1]["command"])
	assert.Equal(t, "second output", frames[1]["content"])
}

func TestBackendDisconnectCancelsPassthroughs(t *testing.T) {
	rig := newTestRig(t, nil)
	socket := rig.openParticipant(t, "sess-1")
	s := rig.connect(t, "sess-1")

	forwardSlash(t, rig, s, "/context", "req-1")
	rig.backend.end()

	frame := socket.waitForFrame(t, "slash_command_error")
	assert.Equal(t, "/context", frame["command"])
	assert.Contains(t, frame["error"], `Pending passthrough "/context" failed`)

	summary := rig.tracer.waitForSummary(t)
	assert.Equal(t, "backend_error", summary.Fields.Outcome)
}
