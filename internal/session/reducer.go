package session

import (
	"github.com/agentmux/agentmux/internal/message"
)

// Reduce applies one canonical message to the derived state and returns the
// new state. Pure: the input state is never mutated.
func Reduce(s State, msg *message.UnifiedMessage) State {
	switch msg.Type {
	case message.TypeSessionInit:
		if v := msg.MetaString("model"); v != "" {
			s.Model = v
		}
		if v := msg.MetaString("cwd"); v != "" {
			s.Cwd = v
		}
		if tools := metaStrings(msg, "tools"); tools != nil {
			s.Tools = tools
		}
		if v := msg.MetaString("permissionMode"); v != "" {
			s.PermissionMode = v
		}
		if servers := metaStrings(msg, "mcp_servers"); servers != nil {
			s.MCPServers = servers
		}
		if skills := metaStrings(msg, "skills"); skills != nil {
			s.Skills = skills
		}

	case message.TypeStatusChange:
		if v := msg.MetaString("status"); v != "" {
			s.Status = v
		}

	case message.TypeResult:
		s.NumTurns++
		if cost, ok := metaFloat(msg, "total_cost_usd"); ok {
			s.TotalCostUSD += cost
		}
		if usage := msg.MetaMap("usage"); usage != nil {
			if in, ok := toFloat(usage["input_tokens"]); ok {
				s.InputTokens += int64(in)
			}
			if out, ok := toFloat(usage["output_tokens"]); ok {
				s.OutputTokens += int64(out)
			}
		}
		if pct, ok := metaFloat(msg, "context_percent"); ok {
			s.ContextPercent = pct
		}

	case message.TypeConfigurationChange:
		if v := msg.MetaString("model"); v != "" {
			s.Model = v
		}
		if v := msg.MetaString("permissionMode"); v != "" {
			s.PermissionMode = v
		}

	case message.TypeControlResponse:
		// Capabilities population is handled by the bridge handshake; the
		// reducer only mirrors command lists when present.
		if cmds := metaCommandList(msg, "commands"); cmds != nil {
			s.Commands = cmds
		}

	case message.TypeSessionLifecycle:
		if cmds := metaCommandList(msg, "available_commands"); cmds != nil {
			s.Commands = cmds
		}
		if branch := msg.MetaString("git_branch"); branch != "" {
			s.Git.Branch = branch
		}
	}
	return s
}

func metaStrings(msg *message.UnifiedMessage, key string) []string {
	raw, ok := msg.Metadata[key].([]any)
	if !ok {
		if typed, ok := msg.Metadata[key].([]string); ok {
			out := make([]string, len(typed))
			copy(out, typed)
			return out
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func metaFloat(msg *message.UnifiedMessage, key string) (float64, bool) {
	return toFloat(msg.Metadata[key])
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func metaCommandList(msg *message.UnifiedMessage, key string) []CommandInfo {
	raw, ok := msg.Metadata[key].([]any)
	if !ok {
		if typed, ok := msg.Metadata[key].([]CommandInfo); ok {
			out := make([]CommandInfo, len(typed))
			copy(out, typed)
			return out
		}
		return nil
	}
	out := make([]CommandInfo, 0, len(raw))
	for _, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := m["description"].(string)
		out = append(out, CommandInfo{Name: name, Description: desc})
	}
	return out
}
