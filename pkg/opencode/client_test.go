package opencode

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestRequestsCarryAuthAndDirectory(t *testing.T) {
	var gotAuth, gotDir, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotDir = r.Header.Get("X-OpenCode-Directory")
		gotQuery = r.URL.Query().Get("directory")
		_ = json.NewEncoder(w).Encode(HealthResponse{Healthy: true, Version: "1.0"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "/work", "secret", newTestLogger(t))
	require.NoError(t, c.WaitForHealth(context.Background()))

	assert.Contains(t, gotAuth, "Basic ")
	assert.Equal(t, "/work", gotDir)
	assert.Equal(t, "/work", gotQuery)
}

func TestWaitForHealthRetriesUntilHealthy(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		healthy := calls.Add(1) >= 3
		_ = json.NewEncoder(w).Encode(HealthResponse{Healthy: healthy, Version: "1.0"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "/work", "secret", newTestLogger(t))
	require.NoError(t, c.WaitForHealth(context.Background()))
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/session", r.URL.Path)
		_ = json.NewEncoder(w).Encode(SessionResponse{ID: "ses_123"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "/work", "secret", newTestLogger(t))
	id, err := c.CreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ses_123", id)
}

func TestSendPromptSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name": "ProviderAuthError",
			"data": map[string]any{"message": "missing API key"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "/work", "secret", newTestLogger(t))
	err := c.SendPrompt(context.Background(), "ses_123", "hello", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ProviderAuthError")
	assert.Contains(t, err.Error(), "missing API key")
}

func TestReplyPermissionRejectGetsDefaultMessage(t *testing.T) {
	var got PermissionReply
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/permission/perm_1/reply", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "/work", "secret", newTestLogger(t))
	require.NoError(t, c.ReplyPermission(context.Background(), "perm_1", ReplyReject, ""))
	assert.Equal(t, ReplyReject, got.Reply)
	assert.NotEmpty(t, got.Message)
}

func TestStreamEventsFiltersBySession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"type":"session.idle","properties":{"sessionID":"ses_other"}}`,
			`{"type":"message.part.updated","properties":{"part":{"id":"p1","type":"text","sessionID":"ses_123","text":"Hi"}}}`,
			`{"type":"session.idle","properties":{"sessionID":"ses_123"}}`,
		}
		for _, f := range frames {
			_, _ = w.Write([]byte("data: " + f + "\n\n"))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "/work", "secret", newTestLogger(t))
	events := make(chan *Event, 10)
	done, err := c.StreamEvents(context.Background(), "ses_123", func(e *Event) { events <- e })
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not finish")
	}
	close(events)

	var types []string
	for e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{EventMessagePartUpdated, EventSessionIdle}, types)
}

func TestServerErrorAccessors(t *testing.T) {
	var serr ServerError
	require.NoError(t, json.Unmarshal([]byte(
		`{"name":"ProviderAuthError","data":{"message":"missing API key"}}`,
	), &serr))
	assert.Equal(t, "ProviderAuthError", serr.Kind())
	assert.Equal(t, "missing API key", serr.Text())

	flat := ServerError{Type: "UnknownError", Message: "boom"}
	assert.Equal(t, "UnknownError", flat.Kind())
	assert.Equal(t, "boom", flat.Text())
}

func TestGeneratePasswordIsUnique(t *testing.T) {
	assert.NotEqual(t, GeneratePassword(), GeneratePassword())
}
