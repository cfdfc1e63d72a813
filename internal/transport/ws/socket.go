// Package ws is the WebSocket transport: it upgrades consumer connections
// onto the bridge and attaches dialed-in CLI forward streams to the
// sdk-url hub.
package ws

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// socket wraps one consumer connection. Send enqueues without blocking;
// the write pump owns the wire.
type socket struct {
	conn *websocket.Conn
	log  *logger.Logger

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func newSocket(conn *websocket.Conn, log *logger.Logger) *socket {
	return &socket{
		conn: conn,
		log:  log,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}
}

// Send enqueues a frame for the write pump, dropping when the buffer is
// full.
func (s *socket) Send(data []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("socket closed")
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		s.log.Warn("Consumer send buffer full, dropping frame")
		return nil
	}
}

// Close sends a close control frame and tears the connection down.
func (s *socket) Close(code int, reason string) error {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			s.log.Debug("Failed to write close frame", zap.Error(err))
		}
		close(s.done)
		_ = s.conn.Close()
	})
	return nil
}

// writePump pumps queued frames to the connection and keeps it alive with
// pings.
func (s *socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			return

		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
