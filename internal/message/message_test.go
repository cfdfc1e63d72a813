package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsIDAndTimestamp(t *testing.T) {
	m := New(TypeAssistant, RoleAssistant, WithText("hello"))

	assert.NotEmpty(t, m.ID)
	assert.Greater(t, m.Timestamp, int64(0))
	assert.Equal(t, TypeAssistant, m.Type)
	assert.Equal(t, RoleAssistant, m.Role)
	require.Len(t, m.Content, 1)
	assert.Equal(t, BlockText, m.Content[0].Type)
	assert.Equal(t, "hello", m.Content[0].Text)
	assert.NotNil(t, m.Metadata)
	require.NoError(t, m.Validate())
}

func TestNewIDsAreUnique(t *testing.T) {
	a := New(TypeUserMessage, RoleUser)
	b := New(TypeUserMessage, RoleUser)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestValidateRejectsUnknownTypeAndRole(t *testing.T) {
	m := New(TypeAssistant, RoleAssistant)

	bad := *m
	bad.Type = Type("banana")
	require.Error(t, bad.Validate())

	bad = *m
	bad.Role = Role("robot")
	require.Error(t, bad.Validate())

	bad = *m
	bad.Content = nil
	require.Error(t, bad.Validate())

	bad = *m
	bad.Metadata = nil
	require.Error(t, bad.Validate())
}

func TestValidateAcceptsEveryCanonicalType(t *testing.T) {
	types := []Type{
		TypeSessionInit, TypeStatusChange, TypeAssistant, TypeResult,
		TypeStreamEvent, TypePermissionRequest, TypePermissionResponse,
		TypeControlResponse, TypeToolProgress, TypeToolUseSummary,
		TypeAuthStatus, TypeUserMessage, TypeInterrupt,
		TypeConfigurationChange, TypeSessionLifecycle, TypeTeamMessage,
		TypeTeamTaskUpdate, TypeTeamStateChange, TypeUnknown,
	}
	for _, tt := range types {
		require.NoError(t, New(tt, RoleSystem).Validate(), string(tt))
	}
}

func TestJoinedTextSkipsNonTextBlocks(t *testing.T) {
	m := New(TypeAssistant, RoleAssistant,
		WithContent(
			TextBlock("Hello "),
			ThinkingBlock("pondering"),
			ToolUseBlock("tu-1", "Bash", map[string]any{"command": "ls"}),
			TextBlock("world"),
		))
	assert.Equal(t, "Hello world", m.JoinedText())
}

func TestMetadataHelpers(t *testing.T) {
	m := New(TypeResult, RoleSystem, WithMetadata(map[string]any{
		"is_error":   true,
		"error_code": "rate_limit",
		"event":      map[string]any{"type": "content_block_delta"},
	}))

	assert.True(t, m.MetaBool("is_error"))
	assert.Equal(t, "rate_limit", m.MetaString("error_code"))
	assert.Equal(t, "content_block_delta", m.MetaMap("event")["type"])
	assert.Empty(t, m.MetaString("missing"))
	assert.False(t, m.MetaBool("error_code"))
}

func TestNewResultCoercesInvalidErrorCode(t *testing.T) {
	m := NewResult("", true, ErrorCode("made_up"), "boom")
	assert.Equal(t, string(ErrUnknown), m.MetaString("error_code"))
	assert.True(t, m.MetaBool("is_error"))
	assert.Equal(t, "boom", m.MetaString("error_message"))

	ok := NewResult("done", false, "", "")
	assert.Equal(t, "done", ok.MetaString("result"))
	assert.False(t, ok.MetaBool("is_error"))
	_, hasCode := ok.Metadata["error_code"]
	assert.False(t, hasCode)
}

func TestValidErrorCode(t *testing.T) {
	for _, code := range []ErrorCode{
		ErrProviderAuth, ErrAPIError, ErrContextOverflow, ErrOutputLength,
		ErrAborted, ErrRateLimit, ErrMaxTurns, ErrMaxBudget,
		ErrExecutionError, ErrUnknown,
	} {
		assert.True(t, ValidErrorCode(code), string(code))
	}
	assert.False(t, ValidErrorCode("nope"))
}
