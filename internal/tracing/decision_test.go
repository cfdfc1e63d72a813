package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/logger"
)

func TestEndpointHost(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "strips http prefix", input: "http://localhost:4318", expected: "localhost:4318"},
		{name: "strips https prefix", input: "https://otel.example.com:4318", expected: "otel.example.com:4318"},
		{name: "returns unchanged when no scheme", input: "localhost:4318", expected: "localhost:4318"},
		{name: "handles empty string", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, endpointHost(tt.input))
		})
	}
}

func TestTracerReturnsNonNil(t *testing.T) {
	assert.NotNil(t, Tracer("test-tracer"))
}

func TestJSONLTracerWritesOneLinePerRecord(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	var buf bytes.Buffer
	tr := NewJSONLTracer(&buf, log)

	tr.Send("bridge", "slash_decision_summary", map[string]any{"matched_path": "result_field"}, Fields{
		SessionID: "s-1",
		TraceID:   "t-1",
		RequestID: "req-1",
		Command:   "/context",
		Phase:     "intercept",
		Outcome:   "success",
	})
	tr.Error("connector", "result", nil, Fields{SessionID: "s-1", Outcome: "backend_error"})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "send", first["kind"])
	assert.Equal(t, "bridge", first["component"])
	assert.Equal(t, "slash_decision_summary", first["message_type"])
	assert.Equal(t, "/context", first["command"])
	assert.Equal(t, "success", first["outcome"])
	assert.NotEmpty(t, first["ts"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "error", second["kind"])
	assert.Equal(t, "backend_error", second["outcome"])
	_, hasCommand := second["command"]
	assert.False(t, hasCommand)
}

func TestShutdownNoopDoesNotError(t *testing.T) {
	require.NoError(t, Shutdown(context.Background()))
}
