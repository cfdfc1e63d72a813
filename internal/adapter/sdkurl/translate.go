package sdkurl

import (
	"github.com/agentmux/agentmux/internal/message"
)

// translateNative maps one decoded stream-json frame into a canonical
// envelope. Control frames are handled by the session before this runs.
// Unrecognized frame types are dropped (nil).
func translateNative(frame map[string]any) *message.UnifiedMessage {
	frameType, _ := frame["type"].(string)
	switch frameType {
	case "system":
		if subtype, _ := frame["subtype"].(string); subtype != "init" {
			return nil
		}
		meta := map[string]any{}
		for _, key := range []string{"session_id", "model", "cwd", "tools", "permissionMode", "slash_commands"} {
			if v, ok := frame[key]; ok {
				meta[key] = v
			}
		}
		return message.New(message.TypeSessionInit, message.RoleSystem,
			message.WithMetadata(meta))

	case "stream_event":
		inner, _ := frame["event"].(map[string]any)
		if inner == nil {
			return nil
		}
		msg := message.New(message.TypeStreamEvent, message.RoleAssistant,
			message.WithMetadataField("event", inner))
		if parent, ok := frame["parent_tool_use_id"].(string); ok && parent != "" {
			msg.Metadata["parent_tool_use_id"] = parent
		}
		return msg

	case "assistant":
		native, _ := frame["message"].(map[string]any)
		return message.New(message.TypeAssistant, message.RoleAssistant,
			message.WithContent(nativeContent(native)...))

	case "user":
		// An unclaimed CLI echo of consumer input; surfaced so every
		// consumer sees the same transcript.
		native, _ := frame["message"].(map[string]any)
		return message.New(message.TypeUserMessage, message.RoleUser,
			message.WithContent(nativeContent(native)...))

	case "result":
		subtype, _ := frame["subtype"].(string)
		resultText, _ := frame["result"].(string)
		if subtype == "success" || subtype == "" {
			return message.NewResult(resultText, false, "", "")
		}
		errMessage, _ := frame["error"].(string)
		if errMessage == "" {
			errMessage = subtype
		}
		return message.NewResult(resultText, true, classifySubtype(subtype), errMessage)

	default:
		return nil
	}
}

// nativeContent converts a native message's content, which is either a
// plain string or an array of typed blocks.
func nativeContent(native map[string]any) []message.ContentBlock {
	if native == nil {
		return nil
	}
	if text, ok := native["content"].(string); ok {
		return []message.ContentBlock{message.TextBlock(text)}
	}
	items, _ := native["content"].([]any)
	var blocks []message.ContentBlock
	for _, item := range items {
		block, ok := item.(map[string]any)
		if !ok {
			continue
		}
		switch block["type"] {
		case "text":
			text, _ := block["text"].(string)
			blocks = append(blocks, message.TextBlock(text))
		case "thinking":
			text, _ := block["thinking"].(string)
			if text == "" {
				text, _ = block["text"].(string)
			}
			blocks = append(blocks, message.ThinkingBlock(text))
		case "tool_use":
			id, _ := block["id"].(string)
			name, _ := block["name"].(string)
			input, _ := block["input"].(map[string]any)
			blocks = append(blocks, message.ToolUseBlock(id, name, input))
		case "tool_result":
			toolUseID, _ := block["tool_use_id"].(string)
			isError, _ := block["is_error"].(bool)
			blocks = append(blocks, message.ToolResultBlock(toolUseID, block["content"], isError))
		}
	}
	return blocks
}

// classifySubtype maps stream-json result subtypes onto the canonical
// error codes.
func classifySubtype(subtype string) message.ErrorCode {
	switch subtype {
	case "error_max_turns":
		return message.ErrMaxTurns
	case "error_max_budget":
		return message.ErrMaxBudget
	case "error_during_execution":
		return message.ErrExecutionError
	case "error_aborted":
		return message.ErrAborted
	default:
		return message.ErrUnknown
	}
}
