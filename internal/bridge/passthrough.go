package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/message"
	"github.com/agentmux/agentmux/internal/tracing"
)

const (
	localStdoutOpen  = "<local-command-stdout>"
	localStdoutClose = "</local-command-stdout>"
)

// echoHandler builds the raw-echo claim installed on passthrough-capable
// backend sessions. Stdio CLIs round-trip slash commands through their own
// prompt; the echoed user message carries the command output. Claiming it
// (returning true) suppresses the echo from the canonical stream.
func (b *Bridge) echoHandler(s *Session) adapter.PassthroughHandler {
	return func(raw json.RawMessage) bool {
		var echo struct {
			Type    string `json:"type"`
			Message struct {
				Content json.RawMessage `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(raw, &echo); err != nil || echo.Type != "user" {
			return false
		}

		s.mu.Lock()
		entry := s.shiftPassthroughLocked()
		if entry == nil {
			s.mu.Unlock()
			return false
		}
		s.streamBuf.Reset()
		s.mu.Unlock()

		text := unwrapLocalStdout(echoText(echo.Message.Content))
		b.resolvePassthrough(context.Background(), s, entry, text, "none", "intercepted_user_echo")
		return true
	}
}

// echoText extracts text from a native user-echo content field, which is
// either a plain string or an array of text blocks.
func echoText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, blk := range blocks {
		if blk.Type == "text" {
			sb.WriteString(blk.Text)
		}
	}
	return sb.String()
}

// unwrapLocalStdout strips the local-command-stdout wrapper if present.
func unwrapLocalStdout(text string) string {
	start := strings.Index(text, localStdoutOpen)
	if start < 0 {
		return text
	}
	rest := text[start+len(localStdoutOpen):]
	end := strings.Index(rest, localStdoutClose)
	if end < 0 {
		return text
	}
	return strings.TrimSpace(rest[:end])
}

// interceptCanonical attempts to correlate a canonical backend message with
// the oldest pending passthrough. Returning true consumes the message.
// Unrelated message types are never touched.
func (b *Bridge) interceptCanonical(ctx context.Context, s *Session, msg *message.UnifiedMessage) bool {
	switch msg.Type {
	case message.TypeStreamEvent:
		s.mu.Lock()
		if len(s.pendingPassthroughs) > 0 {
			if text := streamDeltaText(msg); text != "" {
				s.appendStreamBuf(text)
			}
		}
		s.mu.Unlock()
		return false

	case message.TypeAssistant:
		text := msg.JoinedText()
		if text == "" {
			return false
		}
		s.mu.Lock()
		entry := s.shiftPassthroughLocked()
		if entry == nil {
			s.mu.Unlock()
			return false
		}
		s.streamBuf.Reset()
		s.mu.Unlock()
		b.resolvePassthrough(ctx, s, entry, text, "assistant_text", "success")
		return true

	case message.TypeResult:
		s.mu.Lock()
		if len(s.pendingPassthroughs) == 0 {
			s.mu.Unlock()
			return false
		}
		entry := s.shiftPassthroughLocked()
		buffered := s.streamBuf.String()
		s.streamBuf.Reset()
		s.mu.Unlock()

		if result := msg.MetaString("result"); result != "" {
			b.resolvePassthrough(ctx, s, entry, result, "result_field", "success")
			return true
		}
		if buffered != "" {
			b.resolvePassthrough(ctx, s, entry, buffered, "stream_buffer", "success")
			return true
		}
		b.failPassthrough(ctx, s, entry,
			fmt.Sprintf("Pending passthrough %q produced empty output", entry.Command),
			"none", "empty_result")
		return true

	default:
		return false
	}
}

// streamDeltaText extracts a text delta from a stream_event envelope.
func streamDeltaText(msg *message.UnifiedMessage) string {
	event := msg.MetaMap("event")
	if event == nil {
		return ""
	}
	if t, _ := event["type"].(string); t != "content_block_delta" {
		return ""
	}
	delta, _ := event["delta"].(map[string]any)
	if delta == nil {
		return ""
	}
	if t, _ := delta["type"].(string); t != "text_delta" {
		return ""
	}
	text, _ := delta["text"].(string)
	return text
}

func (b *Bridge) resolvePassthrough(ctx context.Context, s *Session, entry *pendingPassthrough, content, matchedPath, outcome string) {
	b.bcast.Broadcast(s, map[string]any{
		"type":       "slash_command_result",
		"command":    entry.Command,
		"request_id": entry.RequestID,
		"content":    content,
		"source":     "cli",
	})
	b.emitDecisionSummary(s, entry, matchedPath, outcome)
	b.publish(ctx, events.SlashCommandExecuted, s.ID, map[string]any{
		"command":    entry.Command,
		"durationMs": time.Since(entry.StartedAt).Milliseconds(),
	})
}

func (b *Bridge) failPassthrough(ctx context.Context, s *Session, entry *pendingPassthrough, errMsg, matchedPath, outcome string) {
	b.bcast.Broadcast(s, map[string]any{
		"type":       "slash_command_error",
		"command":    entry.Command,
		"request_id": entry.RequestID,
		"error":      errMsg,
	})
	b.emitDecisionSummary(s, entry, matchedPath, outcome)
	b.publish(ctx, events.SlashCommandFailed, s.ID, map[string]any{
		"command":    entry.Command,
		"error":      errMsg,
		"durationMs": time.Since(entry.StartedAt).Milliseconds(),
	})
}

func (b *Bridge) emitDecisionSummary(s *Session, entry *pendingPassthrough, matchedPath, outcome string) {
	b.tracer.Send("passthrough", "slash_decision_summary", map[string]any{
		"matched_path": matchedPath,
		"duration_ms":  time.Since(entry.StartedAt).Milliseconds(),
	}, tracing.Fields{
		SessionID: s.ID,
		TraceID:   entry.TraceID,
		RequestID: entry.RequestID,
		Command:   entry.Command,
		Outcome:   outcome,
	})
}

// cancelPendingPassthroughs fails every outstanding passthrough, oldest
// first.
func (b *Bridge) cancelPendingPassthroughs(ctx context.Context, s *Session, reason string) {
	s.mu.Lock()
	entries := s.pendingPassthroughs
	s.pendingPassthroughs = nil
	s.streamBuf.Reset()
	s.mu.Unlock()

	for _, entry := range entries {
		b.failPassthrough(ctx, s, entry,
			fmt.Sprintf("Pending passthrough %q failed: %s", entry.Command, reason),
			"none", "backend_error")
	}
}
