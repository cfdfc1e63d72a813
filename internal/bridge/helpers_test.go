package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/message"
	"github.com/agentmux/agentmux/internal/tracing"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

// fakeSocket records everything the bridge sends.
type fakeSocket struct {
	mu     sync.Mutex
	frames []map[string]any
	closed bool
	code   int
	reason string
}

func (f *fakeSocket) Send(data []byte) error {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSocket) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	f.reason = reason
	return nil
}

func (f *fakeSocket) framesOfType(typ string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, frame := range f.frames {
		if frame["type"] == typ {
			out = append(out, frame)
		}
	}
	return out
}

func (f *fakeSocket) waitForFrame(t *testing.T, typ string) map[string]any {
	t.Helper()
	var got map[string]any
	require.Eventually(t, func() bool {
		frames := f.framesOfType(typ)
		if len(frames) == 0 {
			return false
		}
		got = frames[0]
		return true
	}, 2*time.Second, 5*time.Millisecond, "expected a %q frame", typ)
	return got
}

// fakeBackend is a scriptable backend session.
type fakeBackend struct {
	sessionID string
	backendID string
	msgs      chan *message.UnifiedMessage

	mu        sync.Mutex
	sent      []*message.UnifiedMessage
	handler   adapter.PassthroughHandler
	initCalls int
	closed    bool
	streamErr error
	endOnce   sync.Once
}

func newFakeBackend(sessionID string) *fakeBackend {
	return &fakeBackend{
		sessionID: sessionID,
		backendID: "backend-" + sessionID,
		msgs:      make(chan *message.UnifiedMessage, 32),
	}
}

func (f *fakeBackend) SessionID() string                          { return f.sessionID }
func (f *fakeBackend) BackendSessionID() string                   { return f.backendID }
func (f *fakeBackend) Messages() <-chan *message.UnifiedMessage   { return f.msgs }
func (f *fakeBackend) emit(msg *message.UnifiedMessage)           { f.msgs <- msg }
func (f *fakeBackend) end()                                       { f.endOnce.Do(func() { close(f.msgs) }) }

func (f *fakeBackend) Send(_ context.Context, msg *message.UnifiedMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("backend closed")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeBackend) Close(context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.end()
	return nil
}

func (f *fakeBackend) SetPassthroughHandler(h adapter.PassthroughHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeBackend) passthroughHandler() adapter.PassthroughHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

func (f *fakeBackend) Initialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	return nil
}

func (f *fakeBackend) StreamErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamErr
}

func (f *fakeBackend) sentMessages() []*message.UnifiedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*message.UnifiedMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeAdapter hands out a prepared backend session.
type fakeAdapter struct {
	name    string
	backend *fakeBackend
	caps    adapter.Capabilities
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Capabilities() adapter.Capabilities {
	return f.caps
}
func (f *fakeAdapter) Connect(context.Context, adapter.ConnectOptions) (adapter.BackendSession, error) {
	return f.backend, nil
}

// staticAuth returns a fixed identity or error.
type staticAuth struct {
	identity Identity
	err      error
}

func (a staticAuth) Authenticate(context.Context, AuthContext) (Identity, error) {
	return a.identity, a.err
}

// captureTracer records decision trace calls.
type captureTracer struct {
	mu      sync.Mutex
	records []capturedTrace
}

type capturedTrace struct {
	Kind        string
	Component   string
	MessageType string
	Body        map[string]any
	Fields      tracing.Fields
}

func (c *captureTracer) Send(component, messageType string, body any, fields tracing.Fields) {
	c.record("send", component, messageType, body, fields)
}

func (c *captureTracer) Error(component, messageType string, body any, fields tracing.Fields) {
	c.record("error", component, messageType, body, fields)
}

func (c *captureTracer) record(kind, component, messageType string, body any, fields tracing.Fields) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, _ := body.(map[string]any)
	c.records = append(c.records, capturedTrace{
		Kind: kind, Component: component, MessageType: messageType,
		Body: m, Fields: fields,
	})
}

func (c *captureTracer) summaries() []capturedTrace {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []capturedTrace
	for _, r := range c.records {
		if r.MessageType == "slash_decision_summary" {
			out = append(out, r)
		}
	}
	return out
}

func (c *captureTracer) waitForSummary(t *testing.T) capturedTrace {
	t.Helper()
	var got capturedTrace
	require.Eventually(t, func() bool {
		s := c.summaries()
		if len(s) == 0 {
			return false
		}
		got = s[0]
		return true
	}, 2*time.Second, 5*time.Millisecond, "expected a slash_decision_summary trace")
	return got
}

// testRig bundles a bridge with one fake backend adapter.
type testRig struct {
	bridge  *Bridge
	backend *fakeBackend
	tracer  *captureTracer
}

func newTestRig(t *testing.T, auth Authenticator) *testRig {
	t.Helper()
	log := newTestLogger(t)
	fb := newFakeBackend("sess-1")
	reg := adapter.NewRegistry("fake", log)
	reg.Register(&fakeAdapter{
		name:    "fake",
		backend: fb,
		caps:    adapter.Capabilities{Streaming: true, Permissions: true, SlashCommands: true, Availability: "local"},
	})
	tracer := &captureTracer{}
	b := New(reg, auth, nil, nil, tracer, Config{
		AuthTimeout:         time.Second,
		CapabilitiesTimeout: time.Second,
	}, log)
	return &testRig{bridge: b, backend: fb, tracer: tracer}
}

func (r *testRig) openParticipant(t *testing.T, sessionID string) *fakeSocket {
	t.Helper()
	socket := &fakeSocket{}
	require.NoError(t, r.bridge.HandleConsumerOpen(context.Background(), socket, AuthContext{SessionID: sessionID}))
	return socket
}

func (r *testRig) connect(t *testing.T, sessionID string) *Session {
	t.Helper()
	require.NoError(t, r.bridge.ConnectBackend(context.Background(), sessionID, "fake", adapter.ConnectOptions{}))
	s, ok := r.bridge.GetSession(sessionID)
	require.True(t, ok)
	return s
}
