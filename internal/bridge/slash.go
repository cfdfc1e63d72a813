package bridge

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/message"
	"github.com/agentmux/agentmux/internal/tracing"
)

// HandleSlashCommand routes a consumer slash command: native execution when
// the adapter supplies an executor, passthrough forwarding for CLI-owned
// commands, local emulation otherwise.
func (b *Bridge) HandleSlashCommand(ctx context.Context, s *Session, command, requestID string) {
	start := time.Now()
	name := commandName(command)
	traceID := uuid.New().String()

	s.mu.Lock()
	exec := s.slashExec
	backend := s.backend
	state := s.state
	s.mu.Unlock()

	if exec != nil && executorSupports(exec.SupportedCommands(), name) {
		content, err := exec.Execute(ctx, command)
		if err != nil {
			b.failSlashCommand(ctx, s, name, requestID, err.Error(), start)
			return
		}
		b.bcast.Broadcast(s, map[string]any{
			"type":       "slash_command_result",
			"command":    name,
			"request_id": requestID,
			"content":    content,
			"source":     "cli",
		})
		b.publish(ctx, events.SlashCommandExecuted, s.ID, map[string]any{
			"command":    name,
			"durationMs": time.Since(start).Milliseconds(),
		})
		return
	}

	if backend != nil && b.slashReg.IsPassthrough(name) {
		entry := &pendingPassthrough{
			Command:   name,
			RequestID: requestID,
			TraceID:   traceID,
			StartedAt: start,
		}
		s.mu.Lock()
		s.pendingPassthroughs = append(s.pendingPassthroughs, entry)
		s.mu.Unlock()

		b.tracer.Send("slashCommandHandler", "forward", nil, tracing.Fields{
			SessionID: s.ID,
			TraceID:   traceID,
			RequestID: requestID,
			Command:   name,
			Phase:     "forward",
		})
		b.log.Debug("Forwarding slash command to backend",
			zap.String("session_id", s.ID), zap.String("command", name))

		msg := message.New(message.TypeUserMessage, message.RoleUser, message.WithText(command))
		b.sendToBackend(ctx, s, backend, msg)
		return
	}

	content, err := b.slashExec.Execute(command, state)
	if err != nil {
		b.failSlashCommand(ctx, s, name, requestID, err.Error(), start)
		return
	}
	b.bcast.Broadcast(s, map[string]any{
		"type":       "slash_command_result",
		"command":    name,
		"request_id": requestID,
		"content":    content,
		"source":     "emulated",
	})
	b.publish(ctx, events.SlashCommandExecuted, s.ID, map[string]any{
		"command":    name,
		"durationMs": time.Since(start).Milliseconds(),
	})
}

func (b *Bridge) failSlashCommand(ctx context.Context, s *Session, command, requestID, errMsg string, start time.Time) {
	b.bcast.Broadcast(s, map[string]any{
		"type":       "slash_command_error",
		"command":    command,
		"request_id": requestID,
		"error":      errMsg,
	})
	b.publish(ctx, events.SlashCommandFailed, s.ID, map[string]any{
		"command":    command,
		"error":      errMsg,
		"durationMs": time.Since(start).Milliseconds(),
	})
}

func commandName(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return command
	}
	return fields[0]
}

func executorSupports(supported []string, name string) bool {
	for _, c := range supported {
		if c == name {
			return true
		}
	}
	return false
}
