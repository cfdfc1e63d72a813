// Package codex implements the backend driver for the Codex CLI app server.
// It is the same line-delimited JSON-RPC stdio transport the ACP family
// uses, but with Codex's own method surface: conversations instead of
// sessions, codex/event notifications, and approval requests answered by a
// bare decision string.
package codex

import (
	"encoding/json"
	"fmt"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/message"
)

type sendUserMessageParams struct {
	ConversationID string        `json:"conversationId"`
	Items          []messageItem `json:"items"`
}

type messageItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type interruptParams struct {
	ConversationID string `json:"conversationId"`
}

// approvalResult answers an execCommandApproval or applyPatchApproval
// request.
type approvalResult struct {
	Decision string `json:"decision"`
}

// TranslateOutbound maps a canonical consumer message onto the native
// action for the Codex app server. Unsupported types are a hard error.
func TranslateOutbound(conversationID string, msg *message.UnifiedMessage) (adapter.Action, error) {
	switch msg.Type {
	case message.TypeUserMessage:
		return adapter.Action{
			Kind:   adapter.ActionRequest,
			Method: "sendUserMessage",
			Params: sendUserMessageParams{
				ConversationID: conversationID,
				Items:          []messageItem{{Type: "text", Text: msg.JoinedText()}},
			},
		}, nil

	case message.TypeInterrupt:
		return adapter.Action{
			Kind:   adapter.ActionRequest,
			Method: "interruptConversation",
			Params: interruptParams{ConversationID: conversationID},
		}, nil

	case message.TypePermissionResponse:
		decision := "denied"
		switch msg.MetaString("behavior") {
		case "allow":
			decision = "approved"
			if msg.MetaString("option_id") == "allow-always" {
				decision = "approved_for_session"
			}
		}
		return adapter.Action{
			Kind:   adapter.ActionPermissionReply,
			Result: approvalResult{Decision: decision},
		}, nil

	case message.TypeStatusChange, message.TypePermissionRequest:
		return adapter.Noop, nil

	default:
		return adapter.Action{}, fmt.Errorf("codex adapter cannot send %s messages", msg.Type)
	}
}

// codexEventParams is the codex/event notification body. The msg payload
// is a tagged union keyed by type.
type codexEventParams struct {
	ConversationID string     `json:"conversationId"`
	Msg            codexEvent `json:"msg"`
}

type codexEvent struct {
	Type string `json:"type"`

	Delta            string `json:"delta,omitempty"`
	Message          string `json:"message,omitempty"`
	LastAgentMessage string `json:"last_agent_message,omitempty"`

	CallID    string          `json:"call_id,omitempty"`
	Command   []string        `json:"command,omitempty"`
	Cwd       string          `json:"cwd,omitempty"`
	ExitCode  *int            `json:"exit_code,omitempty"`
	Stdout    string          `json:"stdout,omitempty"`
	Stderr    string          `json:"stderr,omitempty"`
	RawOutput json.RawMessage `json:"formatted_output,omitempty"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// translateEvent maps one codex/event notification into a canonical
// envelope. Unrecognized event kinds are dropped (nil).
func translateEvent(ev codexEvent) *message.UnifiedMessage {
	switch ev.Type {
	case "task_started":
		return message.New(message.TypeStatusChange, message.RoleSystem,
			message.WithMetadataField("status", "running"))

	case "agent_message_delta":
		return streamDelta(ev.Delta, "text_delta")

	case "agent_reasoning_delta":
		return streamDelta(ev.Delta, "thinking_delta")

	case "agent_message":
		return message.New(message.TypeAssistant, message.RoleAssistant,
			message.WithText(ev.Message))

	case "exec_command_begin":
		meta := map[string]any{
			"tool_call_id": ev.CallID,
			"tool_name":    "exec",
			"status":       "running",
		}
		if len(ev.Command) > 0 {
			meta["input"] = map[string]any{"command": ev.Command, "cwd": ev.Cwd}
		}
		return message.New(message.TypeToolProgress, message.RoleTool, message.WithMetadata(meta))

	case "exec_command_end":
		meta := map[string]any{
			"tool_call_id": ev.CallID,
			"tool_name":    "exec",
			"status":       "complete",
		}
		if ev.ExitCode != nil {
			meta["output"] = map[string]any{
				"exit_code": *ev.ExitCode,
				"stdout":    ev.Stdout,
				"stderr":    ev.Stderr,
			}
			if *ev.ExitCode != 0 {
				meta["status"] = "failed"
			}
		}
		return message.New(message.TypeToolProgress, message.RoleTool, message.WithMetadata(meta))

	case "token_count":
		return message.New(message.TypeStatusChange, message.RoleSystem,
			message.WithMetadata(map[string]any{
				"status": "running",
				"usage": map[string]any{
					"input_tokens":  ev.InputTokens,
					"output_tokens": ev.OutputTokens,
				},
			}))

	case "task_complete":
		return message.NewResult(ev.LastAgentMessage, false, "", "")

	case "error":
		return message.NewResult("", true, classifyEventError(ev.Message), ev.Message)

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
