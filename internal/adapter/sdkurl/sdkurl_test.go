package sdkurl

import (
	"context"
	"encoding/json"
	"sync"
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

// fakeConn is an in-memory NDJSON stream.
type fakeConn struct {
	lines chan []byte

	mu      sync.Mutex
	written [][]byte
	err     error
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{lines: make(chan []byte, 32)}
}

func (c *fakeConn) Lines() <-chan []byte { return c.lines }

func (c *fakeConn) WriteLine(line []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, line)
	return nil
}

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.lines)
	}
	return nil
}

func (c *fakeConn) lastWritten(t *testing.T) map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.written)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(c.written[len(c.written)-1], &frame))
	return frame
}

func connectedSession(t *testing.T) (*backendSession, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	s := newBackendSession("sess-1", conn, newTestLogger(t))
	go s.readLoop()
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, conn
}

func awaitMessage(t *testing.T, s *backendSession) *message.UnifiedMessage {
	t.Helper()
	select {
	case msg := <-s.Messages():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message emitted")
		return nil
	}
}

func TestHubAttachThenAwait(t *testing.T) {
	hub := NewHub()
	conn := newFakeConn()
	require.NoError(t, hub.Attach("sess-1", conn))

	got, err := hub.Await(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Same(t, Conn(conn), got)
}

func TestHubAwaitThenAttach(t *testing.T) {
	hub := NewHub()
	conn := newFakeConn()

	type result struct {
		conn Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := hub.Await(context.Background(), "sess-1")
		done <- result{c, err}
	}()

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, waiting := hub.waiters["sess-1"]
		return waiting
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Attach("sess-1", conn))
	got := <-done
	require.NoError(t, got.err)
	assert.Same(t, Conn(conn), got.conn)
}

func TestHubAwaitTimesOut(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := hub.Await(ctx, "sess-1")
	assert.Error(t, err)
}

func TestHubRejectsDuplicateAttach(t *testing.T) {
	hub := NewHub()
	require.NoError(t, hub.Attach("sess-1", newFakeConn()))
	assert.Error(t, hub.Attach("sess-1", newFakeConn()))
}

func TestConnectTimesOutWithoutCLI(t *testing.T) {
	a := NewAdapter(Config{WaitTimeout: 20 * time.Millisecond}, NewHub(), newTestLogger(t))
	_, err := a.Connect(context.Background(), adapter.ConnectOptions{SessionID: "sess-1"})
	assert.Error(t, err)
}

func TestSystemInitRecordsBackendSessionID(t *testing.T) {
	s, conn := connectedSession(t)
	conn.lines <- []byte(`{"type":"system","subtype":"init","session_id":"cli-7","model":"opus","cwd":"/work"}`)

	msg := awaitMessage(t, s)
	assert.Equal(t, message.TypeSessionInit, msg.Type)
	require.Eventually(t, func() bool {
		return s.BackendSessionID() == "cli-7"
	}, time.Second, 5*time.Millisecond)
}

func TestUserMessageEncodedAsNativeFrame(t *testing.T) {
	s, conn := connectedSession(t)
	msg := message.New(message.TypeUserMessage, message.RoleUser, message.WithText("Hello agent"))
	require.NoError(t, s.Send(context.Background(), msg))

	frame := conn.lastWritten(t)
	assert.Equal(t, "user", frame["type"])
	native := frame["message"].(map[string]any)
	content := native["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "Hello agent", content["text"])
}

func TestInitializeSendsControlRequest(t *testing.T) {
	s, conn := connectedSession(t)
	require.NoError(t, s.Initialize(context.Background()))

	frame := conn.lastWritten(t)
	assert.Equal(t, "control_request", frame["type"])
	assert.NotEmpty(t, frame["request_id"])
	request := frame["request"].(map[string]any)
	assert.Equal(t, "initialize", request["subtype"])
}

func TestControlResponseSurfacedCanonically(t *testing.T) {
	s, conn := connectedSession(t)
	conn.lines <- []byte(`{"type":"control_response","response":{"subtype":"success","response":{"commands":[{"name":"/review","description":"Review code"}],"models":["opus"]}}}`)

	msg := awaitMessage(t, s)
	assert.Equal(t, message.TypeControlResponse, msg.Type)
	assert.Equal(t, "success", msg.MetaString("subtype"))
	commands := msg.Metadata["commands"].([]any)
	require.Len(t, commands, 1)
}

func TestCanUseToolRoundTrip(t *testing.T) {
	s, conn := connectedSession(t)
	conn.lines <- []byte(`{"type":"control_request","request_id":"cr_1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}`)

	req := awaitMessage(t, s)
	assert.Equal(t, message.TypePermissionRequest, req.Type)
	assert.Equal(t, "cr_1", req.MetaString("request_id"))
	assert.Equal(t, "Bash", req.MetaString("tool_name"))

	resp := message.New(message.TypePermissionResponse, message.RoleUser,
		message.WithMetadata(map[string]any{"request_id": "cr_1", "behavior": "allow"}))
	require.NoError(t, s.Send(context.Background(), resp))

	frame := conn.lastWritten(t)
	assert.Equal(t, "control_response", frame["type"])
	response := frame["response"].(map[string]any)
	assert.Equal(t, "cr_1", response["request_id"])
	decision := response["response"].(map[string]any)
	assert.Equal(t, "allow", decision["behavior"])
}

func TestPassthroughHandlerClaimsLines(t *testing.T) {
	s, conn := connectedSession(t)

	var claimed [][]byte
	s.SetPassthroughHandler(func(raw json.RawMessage) bool {
		var frame map[string]any
		require.NoError(t, json.Unmarshal(raw, &frame))
		if frame["type"] == "user" {
			claimed = append(claimed, raw)
			return true
		}
		return false
	})

	conn.lines <- []byte(`{"type":"user","message":{"role":"user","content":"/context"}}`)
	conn.lines <- []byte(`{"type":"result","subtype":"success","result":"done"}`)

	msg := awaitMessage(t, s)
	assert.Equal(t, message.TypeResult, msg.Type, "claimed user echo never reaches the channel")
	assert.Len(t, claimed, 1)
}

func TestUnclaimedUserEchoBecomesUserMessage(t *testing.T) {
	s, conn := connectedSession(t)
	conn.lines <- []byte(`{"type":"user","message":{"role":"user","content":"hello"}}`)

	msg := awaitMessage(t, s)
	assert.Equal(t, message.TypeUserMessage, msg.Type)
	assert.Equal(t, "hello", msg.JoinedText())
}

func TestSendRawForwardsUntouched(t *testing.T) {
	s, conn := connectedSession(t)
	line := []byte(`{"type":"user","message":{"role":"user","content":"raw"}}`)
	require.NoError(t, s.SendRaw(line))

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.written, 1)
	assert.Equal(t, line, conn.written[0])
}

func TestStreamEndSurfacesConnError(t *testing.T) {
	s, conn := connectedSession(t)
	conn.mu.Lock()
	conn.err = assertErr("peer reset")
	conn.mu.Unlock()
	_ = conn.Close()

	require.Eventually(t, func() bool {
		select {
		case _, open := <-s.Messages():
			return !open
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.EqualError(t, s.StreamErr(), "peer reset")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
