// Package gemini implements the backend driver for the Gemini CLI, which
// speaks the ACP wire protocol (JSON-RPC 2.0 over stdio) without an SDK:
// frames are built and parsed directly so the exact wire shapes stay under
// our control.
package gemini

import (
	"encoding/json"
	"fmt"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/message"
)

// promptParams is the session/prompt request body.
type promptParams struct {
	SessionID string          `json:"sessionId"`
	Prompt    []promptContent `json:"prompt"`
}

type promptContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type cancelParams struct {
	SessionID string `json:"sessionId"`
}

// permissionOutcome is the session/request_permission response body.
type permissionOutcome struct {
	Outcome outcomeBody `json:"outcome"`
}

type outcomeBody struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// TranslateOutbound maps a canonical consumer message onto the native
// action for this protocol. Unsupported types are a hard error.
func TranslateOutbound(backendSessionID string, msg *message.UnifiedMessage) (adapter.Action, error) {
	switch msg.Type {
	case message.TypeUserMessage:
		return adapter.Action{
			Kind:   adapter.ActionRequest,
			Method: "session/prompt",
			Params: promptParams{
				SessionID: backendSessionID,
				Prompt:    []promptContent{{Type: "text", Text: msg.JoinedText()}},
			},
		}, nil

	case message.TypeInterrupt:
		return adapter.Action{
			Kind:   adapter.ActionNotification,
			Method: "session/cancel",
			Params: cancelParams{SessionID: backendSessionID},
		}, nil

	case message.TypePermissionResponse:
		outcome := outcomeBody{Outcome: "cancelled"}
		if msg.MetaString("behavior") == "allow" {
			optionID := msg.MetaString("option_id")
			if optionID == "" {
				optionID = "allow-once"
			}
			outcome = outcomeBody{Outcome: "selected", OptionID: optionID}
		}
		return adapter.Action{
			Kind:   adapter.ActionPermissionReply,
			Result: permissionOutcome{Outcome: outcome},
		}, nil

	case message.TypeStatusChange, message.TypePermissionRequest:
		return adapter.Noop, nil

	default:
		return adapter.Action{}, fmt.Errorf("gemini adapter cannot send %s messages", msg.Type)
	}
}

// Wire shapes for inbound session/update notifications.
type sessionUpdateParams struct {
	SessionID string     `json:"sessionId"`
	Update    updateBody `json:"update"`
}

type updateBody struct {
	SessionUpdate string        `json:"sessionUpdate"`
	Content       *contentBlock `json:"content,omitempty"`

	ToolCallID string          `json:"toolCallId,omitempty"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Status     string          `json:"status,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
	RawOutput  json.RawMessage `json:"rawOutput,omitempty"`

	Entries           []planEntry        `json:"entries,omitempty"`
	AvailableCommands []availableCommand `json:"availableCommands,omitempty"`
	CurrentModeID     string             `json:"currentModeId,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type planEntry struct {
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

type availableCommand struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// translateUpdate maps one session/update notification into a canonical
// envelope. Unrecognized update kinds are dropped (nil).
func translateUpdate(u updateBody) *message.UnifiedMessage {
	switch u.SessionUpdate {
	case "agent_message_chunk":
		if u.Content == nil || u.Content.Type != "text" {
			return nil
		}
		return streamDelta(u.Content.Text, "text_delta")

	case "agent_thought_chunk":
		if u.Content == nil || u.Content.Type != "text" {
			return nil
		}
		return streamDelta(u.Content.Text, "thinking_delta")

	case "tool_call", "tool_call_update":
		meta := map[string]any{
			"tool_call_id": u.ToolCallID,
			"status":       normalizeToolStatus(u.Status),
		}
		if u.Kind != "" {
			meta["tool_name"] = u.Kind
		}
		if u.Title != "" {
			meta["title"] = u.Title
		}
		if u.RawInput != nil {
			meta["input"] = json.RawMessage(u.RawInput)
		}
		if u.RawOutput != nil {
			meta["output"] = json.RawMessage(u.RawOutput)
		}
		return message.New(message.TypeToolProgress, message.RoleTool, message.WithMetadata(meta))

	case "plan":
		entries := make([]map[string]any, len(u.Entries))
		for i, e := range u.Entries {
			entries[i] = map[string]any{
				"description": e.Content,
				"status":      e.Status,
				"priority":    e.Priority,
			}
		}
		return message.New(message.TypeToolUseSummary, message.RoleAssistant,
			message.WithMetadataField("plan", entries))

	case "current_mode_update":
		if u.CurrentModeID == "" {
			return nil
		}
		return message.New(message.TypeConfigurationChange, message.RoleSystem,
			message.WithMetadataField("permissionMode", u.CurrentModeID))

	case "available_commands_update":
		commands := make([]map[string]any, len(u.AvailableCommands))
		for i, cmd := range u.AvailableCommands {
			commands[i] = map[string]any{
				"name":        cmd.Name,
				"description": cmd.Description,
			}
		}
		return message.New(message.TypeSessionLifecycle, message.RoleSystem,
			message.WithMetadataField("available_commands", commands))

	default:
		return nil
	}
}

func streamDelta(text, deltaType string) *message.UnifiedMessage {
	return message.New(message.TypeStreamEvent, message.RoleAssistant,
		message.WithMetadataField("event", map[string]any{
			"type": "content_block_delta",
			"delta": map[string]any{
				"type": deltaType,
				"text": text,
			},
		}))
}

func normalizeToolStatus(status string) string {
	switch status {
	case "":
		return "running"
	case "completed":
		return "complete"
	default:
		return status
	}
}
