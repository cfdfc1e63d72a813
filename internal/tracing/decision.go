package tracing

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
)

// Fields carries correlation metadata for a decision trace record.
type Fields struct {
	SessionID string `json:"session_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Command   string `json:"command,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
}

// DecisionTracer records structured message-flow decisions, one record per
// send or error. Used for passthrough interception summaries.
type DecisionTracer interface {
	Send(component, messageType string, body any, fields Fields)
	Error(component, messageType string, body any, fields Fields)
}

type record struct {
	Timestamp   string `json:"ts"`
	Kind        string `json:"kind"` // send or error
	Component   string `json:"component"`
	MessageType string `json:"message_type"`
	Body        any    `json:"body,omitempty"`
	Fields
}

// JSONLTracer writes one JSON line per record to a writer.
type JSONLTracer struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	log    *logger.Logger
}

// NewJSONLTracer creates a tracer writing to w.
func NewJSONLTracer(w io.Writer, log *logger.Logger) *JSONLTracer {
	return &JSONLTracer{w: w, log: log}
}

// OpenJSONLTracer creates a tracer appending to the file at path.
func OpenJSONLTracer(path string, log *logger.Logger) (*JSONLTracer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &JSONLTracer{w: f, closer: f, log: log}, nil
}

// Send records a message-sent decision.
func (t *JSONLTracer) Send(component, messageType string, body any, fields Fields) {
	t.write("send", component, messageType, body, fields)
}

// Error records a message-error decision.
func (t *JSONLTracer) Error(component, messageType string, body any, fields Fields) {
	t.write("error", component, messageType, body, fields)
}

func (t *JSONLTracer) write(kind, component, messageType string, body any, fields Fields) {
	rec := record{
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Kind:        kind,
		Component:   component,
		MessageType: messageType,
		Body:        body,
		Fields:      fields,
	}

	line, err := json.Marshal(rec)
	if err != nil {
		t.log.Warn("Failed to marshal trace record", zap.Error(err))
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.w.Write(append(line, '\n'))
}

// Close closes the underlying file, if any.
func (t *JSONLTracer) Close() error {
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

// NopTracer discards all records.
type NopTracer struct{}

func (NopTracer) Send(component, messageType string, body any, fields Fields)  {}
func (NopTracer) Error(component, messageType string, body any, fields Fields) {}
