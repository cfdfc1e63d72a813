package acp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sdk "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/message"
)

// client implements sdk.Client: it receives agent-to-client calls and
// translates session notifications into canonical envelopes on the backend
// session's channel.
type client struct {
	log     *logger.Logger
	session *backendSession
}

func newClient(log *logger.Logger, s *backendSession) *client {
	return &client{log: log, session: s}
}

// SessionUpdate translates one ACP notification into a canonical envelope.
func (c *client) SessionUpdate(_ context.Context, n sdk.SessionNotification) error {
	u := n.Update

	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text != nil {
			c.session.emit(streamDelta(u.AgentMessageChunk.Content.Text.Text, "text_delta"))
		}

	case u.AgentThoughtChunk != nil:
		if u.AgentThoughtChunk.Content.Text != nil {
			c.session.emit(streamDelta(u.AgentThoughtChunk.Content.Text.Text, "thinking_delta"))
		}

	case u.ToolCall != nil:
		meta := map[string]any{
			"tool_call_id": string(u.ToolCall.ToolCallId),
			"tool_name":    string(u.ToolCall.Kind),
			"title":        u.ToolCall.Title,
			"status":       toolStatus(string(u.ToolCall.Status)),
		}
		if u.ToolCall.RawInput != nil {
			meta["input"] = u.ToolCall.RawInput
		}
		c.session.emit(message.New(message.TypeToolProgress, message.RoleTool,
			message.WithMetadata(meta)))

	case u.ToolCallUpdate != nil:
		status := ""
		if u.ToolCallUpdate.Status != nil {
			status = string(*u.ToolCallUpdate.Status)
		}
		meta := map[string]any{
			"tool_call_id": string(u.ToolCallUpdate.ToolCallId),
			"status":       toolStatus(status),
		}
		if u.ToolCallUpdate.RawOutput != nil {
			meta["output"] = u.ToolCallUpdate.RawOutput
		}
		c.session.emit(message.New(message.TypeToolProgress, message.RoleTool,
			message.WithMetadata(meta)))

	case u.Plan != nil:
		entries := make([]map[string]any, len(u.Plan.Entries))
		for i, e := range u.Plan.Entries {
			entries[i] = map[string]any{
				"description": e.Content,
				"status":      string(e.Status),
				"priority":    string(e.Priority),
			}
		}
		c.session.emit(message.New(message.TypeToolUseSummary, message.RoleAssistant,
			message.WithMetadataField("plan", entries)))

	case u.CurrentModeUpdate != nil:
		c.session.emit(message.New(message.TypeConfigurationChange, message.RoleSystem,
			message.WithMetadataField("permissionMode", string(u.CurrentModeUpdate.CurrentModeId))))

	case u.AvailableCommandsUpdate != nil:
		commands := make([]map[string]any, len(u.AvailableCommandsUpdate.AvailableCommands))
		for i, cmd := range u.AvailableCommandsUpdate.AvailableCommands {
			commands[i] = map[string]any{
				"name":        cmd.Name,
				"description": cmd.Description,
			}
		}
		c.session.emit(message.New(message.TypeSessionLifecycle, message.RoleSystem,
			message.WithMetadataField("available_commands", commands)))
	}

	return nil
}

// streamDelta builds the canonical stream_event for a text or thinking chunk.
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

func toolStatus(status string) string {
	switch status {
	case "":
		return "running"
	case "completed":
		return "complete"
	default:
		return status
	}
}

// RequestPermission surfaces the agent's permission request to consumers and
// blocks until a permission_response resolves it.
func (c *client) RequestPermission(ctx context.Context, p sdk.RequestPermissionRequest) (sdk.RequestPermissionResponse, error) {
	requestID := string(p.ToolCall.ToolCallId)

	options := make([]map[string]any, len(p.Options))
	for i, opt := range p.Options {
		options[i] = map[string]any{
			"option_id": string(opt.OptionId),
			"name":      opt.Name,
			"kind":      string(opt.Kind),
		}
	}
	meta := map[string]any{
		"request_id": requestID,
		"options":    options,
	}
	if p.ToolCall.Kind != nil {
		meta["tool_name"] = string(*p.ToolCall.Kind)
	}
	if p.ToolCall.Title != nil {
		meta["title"] = *p.ToolCall.Title
	}
	if p.ToolCall.RawInput != nil {
		meta["input"] = p.ToolCall.RawInput
	}
	c.session.emit(message.New(message.TypePermissionRequest, message.RoleSystem,
		message.WithMetadata(meta)))

	decision, err := c.session.awaitPermission(ctx, requestID)
	if err != nil {
		c.log.Warn("Permission request abandoned",
			zap.String("request_id", requestID), zap.Error(err))
		return cancelledPermission(), nil
	}

	if decision.behavior != "allow" {
		return cancelledPermission(), nil
	}
	optionID := decision.optionID
	if optionID == "" {
		optionID = firstAllowOption(p.Options)
	}
	return sdk.RequestPermissionResponse{
		Outcome: sdk.RequestPermissionOutcome{
			Selected: &sdk.RequestPermissionOutcomeSelected{
				OptionId: sdk.PermissionOptionId(optionID),
			},
		},
	}, nil
}

func cancelledPermission() sdk.RequestPermissionResponse {
	return sdk.RequestPermissionResponse{
		Outcome: sdk.RequestPermissionOutcome{
			Cancelled: &sdk.RequestPermissionOutcomeCancelled{},
		},
	}
}

func firstAllowOption(options []sdk.PermissionOption) string {
	for _, opt := range options {
		if opt.Kind == sdk.PermissionOptionKindAllowOnce || opt.Kind == sdk.PermissionOptionKindAllowAlways {
			return string(opt.OptionId)
		}
	}
	if len(options) > 0 {
		return string(options[0].OptionId)
	}
	return ""
}

// ReadTextFile serves the agent's workspace read requests.
func (c *client) ReadTextFile(_ context.Context, p sdk.ReadTextFileRequest) (sdk.ReadTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return sdk.ReadTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	b, err := os.ReadFile(p.Path)
	if err != nil {
		return sdk.ReadTextFileResponse{}, err
	}
	content := string(b)
	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = min(*p.Line-1, len(lines))
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return sdk.ReadTextFileResponse{Content: content}, nil
}

// WriteTextFile serves the agent's workspace write requests.
func (c *client) WriteTextFile(_ context.Context, p sdk.WriteTextFileRequest) (sdk.WriteTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return sdk.WriteTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	if dir := filepath.Dir(p.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return sdk.WriteTextFileResponse{}, err
		}
	}
	return sdk.WriteTextFileResponse{}, os.WriteFile(p.Path, []byte(p.Content), 0o644)
}

// Terminal support is not implemented; agents fall back to their own shell
// tools.
func (c *client) CreateTerminal(context.Context, sdk.CreateTerminalRequest) (sdk.CreateTerminalResponse, error) {
	return sdk.CreateTerminalResponse{}, fmt.Errorf("terminal support not available")
}

func (c *client) KillTerminalCommand(context.Context, sdk.KillTerminalCommandRequest) (sdk.KillTerminalCommandResponse, error) {
	return sdk.KillTerminalCommandResponse{}, fmt.Errorf("terminal support not available")
}

func (c *client) TerminalOutput(context.Context, sdk.TerminalOutputRequest) (sdk.TerminalOutputResponse, error) {
	return sdk.TerminalOutputResponse{}, fmt.Errorf("terminal support not available")
}

func (c *client) ReleaseTerminal(context.Context, sdk.ReleaseTerminalRequest) (sdk.ReleaseTerminalResponse, error) {
	return sdk.ReleaseTerminalResponse{}, fmt.Errorf("terminal support not available")
}

func (c *client) WaitForTerminalExit(context.Context, sdk.WaitForTerminalExitRequest) (sdk.WaitForTerminalExitResponse, error) {
	return sdk.WaitForTerminalExitResponse{}, fmt.Errorf("terminal support not available")
}

var _ sdk.Client = (*client)(nil)
