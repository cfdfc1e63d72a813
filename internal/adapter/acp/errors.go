package acp

import (
	"strings"

	"github.com/agentmux/agentmux/internal/message"
)

// classifyError maps an ACP prompt failure onto the canonical error codes.
func classifyError(err error) message.ErrorCode {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication"):
		return message.ErrProviderAuth
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return message.ErrRateLimit
	case strings.Contains(msg, "context") && strings.Contains(msg, "length"):
		return message.ErrContextOverflow
	case strings.Contains(msg, "cancel") || strings.Contains(msg, "abort"):
		return message.ErrAborted
	default:
		return message.ErrAPIError
	}
}
