// Package opencode implements the backend driver for the OpenCode server:
// REST calls for session control, a Server-Sent Events stream for output.
// Turn boundaries come from session.idle rather than a blocking prompt
// response.
package opencode

import (
	"encoding/json"

	"github.com/agentmux/agentmux/internal/message"
	"github.com/agentmux/agentmux/pkg/opencode"
)

// partTracker remembers the cumulative text seen per part, in arrival
// order, so events that carry full text instead of a delta still yield
// incremental deltas and the assistant content can be materialized when
// message.updated lands.
type partTracker struct {
	order []string
	parts map[string]*trackedPart
}

type trackedPart struct {
	partType  string
	messageID string
	text      string
}

func newPartTracker() *partTracker {
	return &partTracker{parts: make(map[string]*trackedPart)}
}

// track registers the part on first sight, preserving arrival order.
func (p *partTracker) track(part *opencode.Part) *trackedPart {
	tp, ok := p.parts[part.ID]
	if !ok {
		tp = &trackedPart{partType: part.Type, messageID: part.MessageID}
		p.parts[part.ID] = tp
		p.order = append(p.order, part.ID)
	}
	return tp
}

// delta returns the new suffix for a part given its cumulative text.
func (p *partTracker) delta(part *opencode.Part) string {
	tp := p.track(part)
	prev := tp.text
	tp.text = part.Text
	if len(part.Text) > len(prev) && part.Text[:len(prev)] == prev {
		return part.Text[len(prev):]
	}
	if part.Text == prev {
		return ""
	}
	return part.Text
}

// content materializes the text blocks of one message in part order.
// Reasoning parts are excluded from the assistant's content.
func (p *partTracker) content(messageID string) []message.ContentBlock {
	var blocks []message.ContentBlock
	for _, id := range p.order {
		tp := p.parts[id]
		if tp.partType != opencode.PartText || tp.text == "" {
			continue
		}
		if messageID != "" && tp.messageID != "" && tp.messageID != messageID {
			continue
		}
		blocks = append(blocks, message.TextBlock(tp.text))
	}
	return blocks
}

func (p *partTracker) reset() {
	p.order = nil
	p.parts = make(map[string]*trackedPart)
}

// translateEvent maps one SSE event into a canonical envelope. Events that
// carry no consumer-visible information are dropped (nil).
func translateEvent(event *opencode.Event, parts *partTracker) *message.UnifiedMessage {
	switch event.Type {
	case opencode.EventMessagePartUpdated:
		var props opencode.MessagePartUpdated
		if err := event.DecodeProperties(&props); err != nil {
			return nil
		}
		return translatePart(&props, parts)

	case opencode.EventMessageUpdated:
		var props opencode.MessageUpdated
		if err := event.DecodeProperties(&props); err != nil {
			return nil
		}
		if props.Info.Role != "assistant" {
			return nil
		}
		if blocks := parts.content(props.Info.ID); len(blocks) > 0 {
			msg := message.New(message.TypeAssistant, message.RoleAssistant,
				message.WithContent(blocks...))
			if props.Info.Tokens != nil {
				msg.Metadata["usage"] = map[string]any{
					"input_tokens":  props.Info.Tokens.Input,
					"output_tokens": props.Info.Tokens.Output,
				}
			}
			return msg
		}
		if props.Info.Tokens == nil {
			return nil
		}
		return message.New(message.TypeStatusChange, message.RoleSystem,
			message.WithMetadata(map[string]any{
				"status": "running",
				"usage": map[string]any{
					"input_tokens":  props.Info.Tokens.Input,
					"output_tokens": props.Info.Tokens.Output,
				},
			}))

	case opencode.EventPermissionAsked:
		var props opencode.PermissionAsked
		if err := event.DecodeProperties(&props); err != nil {
			return nil
		}
		meta := map[string]any{
			"request_id": props.ID,
			"tool_name":  props.Permission,
			"options": []map[string]any{
				{"option_id": "allow-once", "name": "Allow once", "kind": "allow_once"},
				{"option_id": "allow-always", "name": "Always allow", "kind": "allow_always"},
				{"option_id": "reject-once", "name": "Deny", "kind": "reject_once"},
			},
		}
		if len(props.Patterns) > 0 {
			meta["patterns"] = props.Patterns
		}
		if len(props.Metadata) > 0 {
			meta["input"] = props.Metadata
		}
		if props.Tool != nil {
			meta["tool_call_id"] = props.Tool.CallID
		}
		return message.New(message.TypePermissionRequest, message.RoleSystem,
			message.WithMetadata(meta))

	case opencode.EventSessionIdle:
		// The turn boundary: prompts are async, so the idle event is what
		// ends a turn.
		parts.reset()
		return message.NewResult("", false, "", "")

	case opencode.EventSessionStatus:
		var props opencode.SessionStatus
		if err := event.DecodeProperties(&props); err != nil {
			return nil
		}
		status := "running"
		if props.Status.Type == "idle" {
			status = "idle"
		}
		return message.New(message.TypeStatusChange, message.RoleSystem,
			message.WithMetadataField("status", status))

	case opencode.EventSessionError:
		var props opencode.SessionError
		if err := event.DecodeProperties(&props); err != nil || props.Error == nil {
			return nil
		}
		parts.reset()
		return message.NewResult("", true,
			classifyErrorKind(props.Error.Kind()), props.Error.Text())

	case opencode.EventTodoUpdated:
		var props opencode.TodoUpdated
		if err := event.DecodeProperties(&props); err != nil {
			return nil
		}
		entries := make([]map[string]any, len(props.Todos))
		for i, todo := range props.Todos {
			entries[i] = map[string]any{
				"description": todo.Content,
				"status":      todo.Status,
				"priority":    todo.Priority,
			}
		}
		return message.New(message.TypeToolUseSummary, message.RoleAssistant,
			message.WithMetadataField("plan", entries))

	default:
		return nil
	}
}

func translatePart(props *opencode.MessagePartUpdated, parts *partTracker) *message.UnifiedMessage {
	part := props.Part
	switch part.Type {
	case opencode.PartText, opencode.PartReasoning:
		delta := props.Delta
		if delta == "" {
			delta = parts.delta(&part)
		} else {
			parts.track(&part).text = part.Text
		}
		if delta == "" {
			return nil
		}
		deltaType := "text_delta"
		if part.Type == opencode.PartReasoning {
			deltaType = "thinking_delta"
		}
		return message.New(message.TypeStreamEvent, message.RoleAssistant,
			message.WithMetadataField("event", map[string]any{
				"type": "content_block_delta",
				"delta": map[string]any{
					"type": deltaType,
					"text": delta,
				},
			}))

	case opencode.PartTool:
		meta := map[string]any{
			"tool_call_id": part.CallID,
			"tool_name":    part.Tool,
		}
		status := opencode.ToolStatusRunning
		if part.State != nil {
			status = part.State.Status
			if part.State.Input != nil {
				meta["input"] = json.RawMessage(part.State.Input)
			}
			if part.State.Output != "" {
				meta["output"] = part.State.Output
			}
			if part.State.Title != "" {
				meta["title"] = part.State.Title
			}
			if part.State.Error != "" {
				meta["error"] = part.State.Error
			}
		}
		meta["status"] = normalizeToolStatus(status)
		return message.New(message.TypeToolProgress, message.RoleTool,
			message.WithMetadata(meta))

	default:
		return nil
	}
}

func normalizeToolStatus(status string) string {
	switch status {
	case opencode.ToolStatusPending:
		return "pending"
	case opencode.ToolStatusCompleted:
		return "complete"
	case opencode.ToolStatusError:
		return "failed"
	default:
		return "running"
	}
}

// classifyErrorKind maps the server's symbolic error names onto the
// canonical error codes.
func classifyErrorKind(kind string) message.ErrorCode {
	switch kind {
	case "ProviderAuthError":
		return message.ErrProviderAuth
	case "MessageAbortedError":
		return message.ErrAborted
	case "MessageOutputLengthError":
		return message.ErrOutputLength
	case "ContextWindowExceededError":
		return message.ErrContextOverflow
	default:
		return message.ErrAPIError
	}
}
