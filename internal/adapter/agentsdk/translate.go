package agentsdk

import (
	"github.com/agentmux/agentmux/internal/message"
)

// translateEvent maps one SDK-native event into a canonical envelope.
// Unrecognized event types are dropped (nil).
func translateEvent(event map[string]any) *message.UnifiedMessage {
	eventType, _ := event["type"].(string)
	switch eventType {
	case "system":
		if subtype, _ := event["subtype"].(string); subtype != "init" {
			return nil
		}
		meta := map[string]any{}
		for _, key := range []string{"session_id", "model", "cwd", "tools", "permissionMode", "slash_commands"} {
			if v, ok := event[key]; ok {
				meta[key] = v
			}
		}
		return message.New(message.TypeSessionInit, message.RoleSystem,
			message.WithMetadata(meta))

	case "stream_event":
		inner, _ := event["event"].(map[string]any)
		if inner == nil {
			return nil
		}
		msg := message.New(message.TypeStreamEvent, message.RoleAssistant,
			message.WithMetadataField("event", inner))
		if parent, ok := event["parent_tool_use_id"].(string); ok && parent != "" {
			msg.Metadata["parent_tool_use_id"] = parent
		}
		return msg

	case "assistant":
		native, _ := event["message"].(map[string]any)
		blocks := translateContent(native)
		return message.New(message.TypeAssistant, message.RoleAssistant,
			message.WithContent(blocks...))

	case "result":
		subtype, _ := event["subtype"].(string)
		resultText, _ := event["result"].(string)
		if subtype == "success" {
			return message.NewResult(resultText, false, "", "")
		}
		errMessage, _ := event["error"].(string)
		if errMessage == "" {
			errMessage = subtype
		}
		return message.NewResult(resultText, true, classifySubtype(subtype), errMessage)

	case "control_response":
		meta := map[string]any{}
		if subtype, ok := event["subtype"].(string); ok {
			meta["subtype"] = subtype
		}
		if response, ok := event["response"].(map[string]any); ok {
			for k, v := range response {
				meta[k] = v
			}
		}
		return message.New(message.TypeControlResponse, message.RoleSystem,
			message.WithMetadata(meta))

	default:
		return nil
	}
}

// translateContent converts a native assistant message's content array.
func translateContent(native map[string]any) []message.ContentBlock {
	if native == nil {
		return nil
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
		}
	}
	return blocks
}

// classifySubtype maps SDK result subtypes onto the canonical error codes.
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
