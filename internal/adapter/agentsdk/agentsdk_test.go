package agentsdk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/message"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

// fakeQuery is a scriptable in-process agent run.
type fakeQuery struct {
	events      chan map[string]any
	interrupted bool
	closed      bool
}

func newFakeQuery() *fakeQuery {
	return &fakeQuery{events: make(chan map[string]any, 32)}
}

func (q *fakeQuery) Events() <-chan map[string]any { return q.events }

func (q *fakeQuery) Interrupt(ctx context.Context) error {
	q.interrupted = true
	return nil
}

func (q *fakeQuery) Close() error {
	q.closed = true
	return nil
}

type connected struct {
	session adapter.BackendSession
	query   *fakeQuery
	prompts <-chan string
	opts    QueryOptions
}

func connect(t *testing.T) *connected {
	t.Helper()
	query := newFakeQuery()
	var got QueryOptions
	var prompts <-chan string
	a := NewAdapter(func(ctx context.Context, p <-chan string, opts QueryOptions) (Query, error) {
		got = opts
		prompts = p
		return query, nil
	}, newTestLogger(t))

	session, err := a.Connect(context.Background(), adapter.ConnectOptions{
		SessionID: "sess-1",
		Cwd:       "/work",
		Model:     "opus",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close(context.Background()) })
	return &connected{session: session, query: query, prompts: prompts, opts: got}
}

func awaitMessage(t *testing.T, s adapter.BackendSession) *message.UnifiedMessage {
	t.Helper()
	select {
	case msg := <-s.Messages():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message emitted")
		return nil
	}
}

func TestConnectPassesOptions(t *testing.T) {
	c := connect(t)
	assert.Equal(t, "/work", c.opts.Cwd)
	assert.Equal(t, "opus", c.opts.Model)
	require.NotNil(t, c.opts.CanUseTool)
}

func TestSystemInitRecordsBackendSessionID(t *testing.T) {
	c := connect(t)
	c.query.events <- map[string]any{
		"type": "system", "subtype": "init",
		"session_id": "run-42", "model": "opus", "cwd": "/work",
	}

	msg := awaitMessage(t, c.session)
	assert.Equal(t, message.TypeSessionInit, msg.Type)
	assert.Equal(t, "opus", msg.MetaString("model"))

	require.Eventually(t, func() bool {
		return c.session.BackendSessionID() == "run-42"
	}, time.Second, 5*time.Millisecond)
}

func TestUserMessageFlowsIntoPromptStream(t *testing.T) {
	c := connect(t)
	msg := message.New(message.TypeUserMessage, message.RoleUser, message.WithText("Hello agent"))
	require.NoError(t, c.session.Send(context.Background(), msg))

	select {
	case prompt := <-c.prompts:
		assert.Equal(t, "Hello agent", prompt)
	case <-time.After(time.Second):
		t.Fatal("prompt not pushed")
	}
}

func TestInterruptReachesQuery(t *testing.T) {
	c := connect(t)
	require.NoError(t, c.session.Send(context.Background(),
		message.New(message.TypeInterrupt, message.RoleUser)))
	assert.True(t, c.query.interrupted)
}

func TestCanUseToolBlocksUntilPermissionResponse(t *testing.T) {
	c := connect(t)

	type outcome struct {
		decision ToolDecision
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		decision, err := c.opts.CanUseTool(context.Background(), "Bash",
			map[string]any{"command": "ls"}, "toolu_1")
		done <- outcome{decision, err}
	}()

	req := awaitMessage(t, c.session)
	assert.Equal(t, message.TypePermissionRequest, req.Type)
	assert.Equal(t, "toolu_1", req.MetaString("request_id"))
	assert.Equal(t, "Bash", req.MetaString("tool_name"))

	select {
	case <-done:
		t.Fatal("decision resolved before any response")
	case <-time.After(50 * time.Millisecond):
	}

	resp := message.New(message.TypePermissionResponse, message.RoleUser,
		message.WithMetadata(map[string]any{
			"request_id":    "toolu_1",
			"behavior":      "allow",
			"updated_input": map[string]any{"command": "ls -la"},
		}))
	require.NoError(t, c.session.Send(context.Background(), resp))

	result := <-done
	require.NoError(t, result.err)
	assert.Equal(t, "allow", result.decision.Behavior)
	assert.Equal(t, "ls -la", result.decision.UpdatedInput["command"])
}

func TestCanUseToolDenyCarriesMessage(t *testing.T) {
	c := connect(t)

	done := make(chan ToolDecision, 1)
	go func() {
		decision, err := c.opts.CanUseTool(context.Background(), "Bash", nil, "toolu_2")
		require.NoError(t, err)
		done <- decision
	}()
	awaitMessage(t, c.session)

	resp := message.New(message.TypePermissionResponse, message.RoleUser,
		message.WithMetadata(map[string]any{
			"request_id": "toolu_2",
			"behavior":   "deny",
			"message":    "not on my machine",
		}))
	require.NoError(t, c.session.Send(context.Background(), resp))

	decision := <-done
	assert.Equal(t, "deny", decision.Behavior)
	assert.Equal(t, "not on my machine", decision.Message)
}

func TestCanUseToolHonorsContext(t *testing.T) {
	c := connect(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.opts.CanUseTool(ctx, "Bash", nil, "toolu_3")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPermissionResponseWithoutPending(t *testing.T) {
	c := connect(t)
	resp := message.New(message.TypePermissionResponse, message.RoleUser,
		message.WithMetadataField("request_id", "missing"))
	assert.Error(t, c.session.Send(context.Background(), resp))
}

func TestEventChannelCloseEndsSession(t *testing.T) {
	c := connect(t)
	close(c.query.events)

	require.Eventually(t, func() bool {
		select {
		case _, open := <-c.session.Messages():
			return !open
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	err := c.session.Send(context.Background(),
		message.New(message.TypeUserMessage, message.RoleUser, message.WithText("late")))
	assert.Error(t, err)
}

func TestTranslateAssistantContent(t *testing.T) {
	msg := translateEvent(map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"content": []any{
				map[string]any{"type": "text", "text": "done"},
				map[string]any{"type": "tool_use", "id": "toolu_1", "name": "Bash",
					"input": map[string]any{"command": "ls"}},
			},
		},
	})
	require.NotNil(t, msg)
	assert.Equal(t, message.TypeAssistant, msg.Type)
	require.Len(t, msg.Content, 2)
	assert.Equal(t, "done", msg.Content[0].Text)
	assert.Equal(t, message.BlockToolUse, msg.Content[1].Type)
	assert.Equal(t, "Bash", msg.Content[1].Name)
}

func TestTranslateResultSubtypes(t *testing.T) {
	ok := translateEvent(map[string]any{"type": "result", "subtype": "success", "result": "all good"})
	require.NotNil(t, ok)
	assert.False(t, ok.MetaBool("is_error"))
	assert.Equal(t, "all good", ok.MetaString("result"))

	cases := map[string]message.ErrorCode{
		"error_max_turns":        message.ErrMaxTurns,
		"error_max_budget":       message.ErrMaxBudget,
		"error_during_execution": message.ErrExecutionError,
		"error_aborted":          message.ErrAborted,
		"error_whatever":         message.ErrUnknown,
	}
	for subtype, want := range cases {
		msg := translateEvent(map[string]any{"type": "result", "subtype": subtype})
		require.NotNil(t, msg, subtype)
		assert.True(t, msg.MetaBool("is_error"))
		assert.Equal(t, string(want), msg.MetaString("error_code"), subtype)
	}
}

func TestTranslateDropsUnknownEvents(t *testing.T) {
	assert.Nil(t, translateEvent(map[string]any{"type": "hook_started"}))
	assert.Nil(t, translateEvent(map[string]any{"type": "system", "subtype": "compact"}))
}
