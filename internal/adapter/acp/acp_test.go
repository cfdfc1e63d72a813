package acp

import (
	"context"
	"errors"
	"testing"
	"time"

	sdk "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/message"
)

func newTestSession(t *testing.T) *backendSession {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return newBackendSession("sess-1", nil, log)
}

func TestStreamDeltaShape(t *testing.T) {
	msg := streamDelta("Hi", "text_delta")

	assert.Equal(t, message.TypeStreamEvent, msg.Type)
	event := msg.MetaMap("event")
	require.NotNil(t, event)
	assert.Equal(t, "content_block_delta", event["type"])
	delta := event["delta"].(map[string]any)
	assert.Equal(t, "text_delta", delta["type"])
	assert.Equal(t, "Hi", delta["text"])
}

func TestToolStatusNormalization(t *testing.T) {
	assert.Equal(t, "running", toolStatus(""))
	assert.Equal(t, "complete", toolStatus("completed"))
	assert.Equal(t, "error", toolStatus("error"))
}

func TestCurrentModeUpdateBecomesConfigurationChange(t *testing.T) {
	s := newTestSession(t)
	c := newClient(s.log, s)

	err := c.SessionUpdate(context.Background(), sdk.SessionNotification{
		Update: sdk.SessionUpdate{
			CurrentModeUpdate: &sdk.SessionCurrentModeUpdate{CurrentModeId: "architect"},
		},
	})
	require.NoError(t, err)

	msg := <-s.Messages()
	assert.Equal(t, message.TypeConfigurationChange, msg.Type)
	assert.Equal(t, "architect", msg.MetaString("permissionMode"))
}

func TestPermissionRoundTrip(t *testing.T) {
	s := newTestSession(t)

	done := make(chan permissionDecision, 1)
	go func() {
		decision, err := s.awaitPermission(context.Background(), "r1")
		require.NoError(t, err)
		done <- decision
	}()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.pendingPermissions["r1"]
		return ok
	}, time.Second, 5*time.Millisecond)

	resp := message.New(message.TypePermissionResponse, message.RoleUser,
		message.WithMetadata(map[string]any{
			"request_id": "r1",
			"behavior":   "allow",
			"option_id":  "allow-once",
		}))
	require.NoError(t, s.resolvePermission(resp))

	decision := <-done
	assert.Equal(t, "allow", decision.behavior)
	assert.Equal(t, "allow-once", decision.optionID)
}

func TestPermissionResponseWithoutPendingRequest(t *testing.T) {
	s := newTestSession(t)
	resp := message.New(message.TypePermissionResponse, message.RoleUser,
		message.WithMetadataField("request_id", "missing"))
	assert.Error(t, s.resolvePermission(resp))
}

func TestAwaitPermissionHonorsContext(t *testing.T) {
	s := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.awaitPermission(ctx, "r1")
	assert.ErrorIs(t, err, context.Canceled)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.pendingPermissions, "abandoned waiter is removed")
}

func TestFirstAllowOption(t *testing.T) {
	options := []sdk.PermissionOption{
		{OptionId: "reject", Kind: sdk.PermissionOptionKind("reject_once")},
		{OptionId: "allow-once", Kind: sdk.PermissionOptionKindAllowOnce},
	}
	assert.Equal(t, "allow-once", firstAllowOption(options))
	assert.Equal(t, "reject", firstAllowOption(options[:1]), "falls back to the first option")
	assert.Empty(t, firstAllowOption(nil))
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want message.ErrorCode
	}{
		{errors.New("HTTP 401 Unauthorized"), message.ErrProviderAuth},
		{errors.New("rate limit exceeded"), message.ErrRateLimit},
		{errors.New("429 too many requests"), message.ErrRateLimit},
		{errors.New("maximum context length reached"), message.ErrContextOverflow},
		{errors.New("operation aborted"), message.ErrAborted},
		{errors.New("boom"), message.ErrAPIError},
	}
	for _, tt := range cases {
		assert.Equal(t, tt.want, classifyError(tt.err), "%v", tt.err)
	}
}
