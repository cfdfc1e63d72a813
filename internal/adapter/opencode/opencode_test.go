package opencode

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/message"
	"github.com/agentmux/agentmux/pkg/opencode"
)

func event(t *testing.T, eventType, properties string) *opencode.Event {
	t.Helper()
	return &opencode.Event{Type: eventType, Properties: json.RawMessage(properties)}
}

func TestTextPartDeltaFromCumulativeText(t *testing.T) {
	parts := newPartTracker()

	first := translateEvent(event(t, opencode.EventMessagePartUpdated,
		`{"part":{"id":"p1","type":"text","sessionID":"ses_1","text":"Hel"}}`), parts)
	require.NotNil(t, first)
	assert.Equal(t, message.TypeStreamEvent, first.Type)
	delta := first.MetaMap("event")["delta"].(map[string]any)
	assert.Equal(t, "text_delta", delta["type"])
	assert.Equal(t, "Hel", delta["text"])

	second := translateEvent(event(t, opencode.EventMessagePartUpdated,
		`{"part":{"id":"p1","type":"text","sessionID":"ses_1","text":"Hello"}}`), parts)
	require.NotNil(t, second)
	delta = second.MetaMap("event")["delta"].(map[string]any)
	assert.Equal(t, "lo", delta["text"])

	unchanged := translateEvent(event(t, opencode.EventMessagePartUpdated,
		`{"part":{"id":"p1","type":"text","sessionID":"ses_1","text":"Hello"}}`), parts)
	assert.Nil(t, unchanged, "no new text means no event")
}

func TestExplicitDeltaPreferred(t *testing.T) {
	parts := newPartTracker()
	msg := translateEvent(event(t, opencode.EventMessagePartUpdated,
		`{"part":{"id":"p1","type":"text","sessionID":"ses_1","text":"Hello"},"delta":"Hello"}`), parts)
	require.NotNil(t, msg)
	delta := msg.MetaMap("event")["delta"].(map[string]any)
	assert.Equal(t, "Hello", delta["text"])
	assert.Equal(t, "Hello", parts.parts["p1"].text, "cumulative text still tracked")
}

func TestReasoningPartIsThinkingDelta(t *testing.T) {
	parts := newPartTracker()
	msg := translateEvent(event(t, opencode.EventMessagePartUpdated,
		`{"part":{"id":"p2","type":"reasoning","sessionID":"ses_1","text":"hmm"}}`), parts)
	require.NotNil(t, msg)
	delta := msg.MetaMap("event")["delta"].(map[string]any)
	assert.Equal(t, "thinking_delta", delta["type"])
}

func TestToolPartStatusNormalization(t *testing.T) {
	parts := newPartTracker()
	msg := translateEvent(event(t, opencode.EventMessagePartUpdated,
		`{"part":{"id":"p3","type":"tool","sessionID":"ses_1","callID":"call-1","tool":"bash","state":{"status":"completed","output":"ok","title":"ls"}}}`), parts)
	require.NotNil(t, msg)
	assert.Equal(t, message.TypeToolProgress, msg.Type)
	assert.Equal(t, "call-1", msg.MetaString("tool_call_id"))
	assert.Equal(t, "bash", msg.MetaString("tool_name"))
	assert.Equal(t, "complete", msg.MetaString("status"))
	assert.Equal(t, "ok", msg.Metadata["output"])
}

func TestPermissionAskedBecomesPermissionRequest(t *testing.T) {
	parts := newPartTracker()
	msg := translateEvent(event(t, opencode.EventPermissionAsked,
		`{"id":"perm_1","sessionID":"ses_1","permission":"bash","patterns":["rm *"],"tool":{"callID":"call-1"}}`), parts)
	require.NotNil(t, msg)
	assert.Equal(t, message.TypePermissionRequest, msg.Type)
	assert.Equal(t, "perm_1", msg.MetaString("request_id"))
	assert.Equal(t, "bash", msg.MetaString("tool_name"))
	assert.Equal(t, "call-1", msg.MetaString("tool_call_id"))
	options := msg.Metadata["options"].([]map[string]any)
	assert.Len(t, options, 3)
}

func TestSessionIdleEndsTurnAndResetsParts(t *testing.T) {
	parts := newPartTracker()
	translateEvent(event(t, opencode.EventMessagePartUpdated,
		`{"part":{"id":"p1","type":"text","sessionID":"ses_1","text":"Hello"}}`), parts)

	msg := translateEvent(event(t, opencode.EventSessionIdle, `{"sessionID":"ses_1"}`), parts)
	require.NotNil(t, msg)
	assert.Equal(t, message.TypeResult, msg.Type)
	assert.False(t, msg.MetaBool("is_error"))
	assert.Empty(t, parts.parts, "part state cleared at the turn boundary")
}

func TestSessionErrorClassified(t *testing.T) {
	parts := newPartTracker()
	msg := translateEvent(event(t, opencode.EventSessionError,
		`{"sessionID":"ses_1","error":{"name":"ProviderAuthError","data":{"message":"missing API key"}}}`), parts)
	require.NotNil(t, msg)
	assert.Equal(t, message.TypeResult, msg.Type)
	assert.True(t, msg.MetaBool("is_error"))
	assert.Equal(t, string(message.ErrProviderAuth), msg.MetaString("error_code"))
	assert.Equal(t, "missing API key", msg.MetaString("error_message"))
}

func TestTodoUpdatedBecomesPlan(t *testing.T) {
	parts := newPartTracker()
	msg := translateEvent(event(t, opencode.EventTodoUpdated,
		`{"todos":[{"id":"1","content":"write tests","status":"pending","priority":"high"}]}`), parts)
	require.NotNil(t, msg)
	assert.Equal(t, message.TypeToolUseSummary, msg.Type)
	plan := msg.Metadata["plan"].([]map[string]any)
	require.Len(t, plan, 1)
	assert.Equal(t, "write tests", plan[0]["description"])
}

func TestAssistantTokensBecomeUsage(t *testing.T) {
	parts := newPartTracker()
	msg := translateEvent(event(t, opencode.EventMessageUpdated,
		`{"info":{"id":"m1","sessionID":"ses_1","role":"assistant","tokens":{"input":120,"output":45}}}`), parts)
	require.NotNil(t, msg)
	assert.Equal(t, message.TypeStatusChange, msg.Type)
	usage := msg.MetaMap("usage")
	assert.Equal(t, 120, usage["input_tokens"])

	userMsg := translateEvent(event(t, opencode.EventMessageUpdated,
		`{"info":{"id":"m2","sessionID":"ses_1","role":"user"}}`), parts)
	assert.Nil(t, userMsg, "user messages carry no usage")
}

func TestMessageUpdatedMaterializesAssistantContent(t *testing.T) {
	parts := newPartTracker()
	translateEvent(event(t, opencode.EventMessagePartUpdated,
		`{"part":{"id":"p1","type":"text","messageID":"m1","sessionID":"ses_1","text":"Hello "}}`), parts)
	translateEvent(event(t, opencode.EventMessagePartUpdated,
		`{"part":{"id":"p2","type":"reasoning","messageID":"m1","sessionID":"ses_1","text":"pondering"}}`), parts)
	translateEvent(event(t, opencode.EventMessagePartUpdated,
		`{"part":{"id":"p1","type":"text","messageID":"m1","sessionID":"ses_1","text":"Hello world"}}`), parts)
	translateEvent(event(t, opencode.EventMessagePartUpdated,
		`{"part":{"id":"p3","type":"text","messageID":"m1","sessionID":"ses_1","text":"!"}}`), parts)

	msg := translateEvent(event(t, opencode.EventMessageUpdated,
		`{"info":{"id":"m1","sessionID":"ses_1","role":"assistant","tokens":{"input":120,"output":45}}}`), parts)
	require.NotNil(t, msg)
	assert.Equal(t, message.TypeAssistant, msg.Type)
	assert.Equal(t, message.RoleAssistant, msg.Role)
	require.Len(t, msg.Content, 2, "reasoning parts are excluded")
	assert.Equal(t, "Hello world", msg.Content[0].Text)
	assert.Equal(t, "!", msg.Content[1].Text)
	usage := msg.MetaMap("usage")
	assert.Equal(t, 120, usage["input_tokens"])
}

func TestSessionErrorClearsPartBuffers(t *testing.T) {
	parts := newPartTracker()
	translateEvent(event(t, opencode.EventMessagePartUpdated,
		`{"part":{"id":"p1","type":"text","messageID":"m1","sessionID":"ses_1","text":"partial"}}`), parts)

	errMsg := translateEvent(event(t, opencode.EventSessionError,
		`{"sessionID":"ses_1","error":{"name":"MessageAbortedError","data":{"message":"aborted"}}}`), parts)
	require.NotNil(t, errMsg)
	assert.Empty(t, parts.parts, "part state cleared on session error")

	msg := translateEvent(event(t, opencode.EventMessageUpdated,
		`{"info":{"id":"m1","sessionID":"ses_1","role":"assistant"}}`), parts)
	assert.Nil(t, msg, "no stale content survives the error")
}

func TestUnknownEventDropped(t *testing.T) {
	parts := newPartTracker()
	assert.Nil(t, translateEvent(event(t, "session.compacted", `{}`), parts))
}

func TestClassifyPromptError(t *testing.T) {
	cases := []struct {
		text string
		want message.ErrorCode
	}{
		{"prompt error: ProviderAuthError: missing API key", message.ErrProviderAuth},
		{"prompt error: MessageAbortedError: aborted", message.ErrAborted},
		{"prompt error: MessageOutputLengthError: too long", message.ErrOutputLength},
		{"prompt error: ContextWindowExceededError: overflow", message.ErrContextOverflow},
		{"prompt failed: HTTP 500: boom", message.ErrAPIError},
	}
	for _, tt := range cases {
		assert.Equal(t, tt.want, classifyPromptError(assertableError(tt.text)), tt.text)
	}
}

type assertableError string

func (e assertableError) Error() string { return string(e) }
