package bridge

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
)

// Broadcaster fans a payload out to a session's consumers, serializing once.
type Broadcaster struct {
	log *logger.Logger
}

func NewBroadcaster(log *logger.Logger) *Broadcaster {
	return &Broadcaster{log: log.WithFields(zap.String("component", "broadcaster"))}
}

// Broadcast serializes payload once and writes it to every consumer socket.
func (b *Broadcaster) Broadcast(s *Session, payload any) {
	b.broadcast(s, payload, false)
}

// BroadcastToParticipants writes only to consumers with the participant role.
func (b *Broadcaster) BroadcastToParticipants(s *Session, payload any) {
	b.broadcast(s, payload, true)
}

func (b *Broadcaster) broadcast(s *Session, payload any, participantsOnly bool) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.Error("Failed to serialize broadcast payload",
			zap.String("session_id", s.ID), zap.Error(err))
		return
	}

	s.mu.Lock()
	targets := make([]ConsumerSocket, 0, len(s.consumers))
	for socket, c := range s.consumers {
		if participantsOnly && c.identity.Role != RoleParticipant {
			continue
		}
		targets = append(targets, socket)
	}
	s.mu.Unlock()

	for _, socket := range targets {
		if err := socket.Send(data); err != nil {
			b.log.Warn("Failed to send to consumer",
				zap.String("session_id", s.ID), zap.Error(err))
		}
	}
}

// sendTo writes a payload to a single socket.
func (b *Broadcaster) sendTo(socket ConsumerSocket, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.Error("Failed to serialize frame", zap.Error(err))
		return
	}
	if err := socket.Send(data); err != nil {
		b.log.Warn("Failed to send frame to consumer", zap.Error(err))
	}
}
