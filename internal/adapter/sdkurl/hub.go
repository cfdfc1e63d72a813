// Package sdkurl implements the URL-forward backend driver: nothing is
// spawned, an external CLI process dials in and its NDJSON stream is
// proxied raw in both directions. The ForwardHub matches dialed-in streams
// to waiting sessions.
package sdkurl

import (
	"context"
	"fmt"
	"sync"
)

// Conn is one attached NDJSON stream. Lines closes when the peer
// disconnects; Err then reports the terminal error, if any.
type Conn interface {
	Lines() <-chan []byte
	WriteLine(line []byte) error
	Err() error
	Close() error
}

// Hub matches externally attached NDJSON streams to sessions waiting for
// them, in either arrival order.
type Hub struct {
	mu      sync.Mutex
	conns   map[string]Conn
	waiters map[string]chan Conn
}

func NewHub() *Hub {
	return &Hub{
		conns:   make(map[string]Conn),
		waiters: make(map[string]chan Conn),
	}
}

// Attach registers a dialed-in stream for a session. If the session is
// already waiting it is handed the stream immediately; a second stream for
// the same session is rejected.
func (h *Hub) Attach(sessionID string, conn Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.conns[sessionID]; exists {
		return fmt.Errorf("session %s already has a forward connection", sessionID)
	}
	if waiter, ok := h.waiters[sessionID]; ok {
		delete(h.waiters, sessionID)
		waiter <- conn
		return nil
	}
	h.conns[sessionID] = conn
	return nil
}

// Await returns the stream attached for sessionID, waiting until one dials
// in or the context ends.
func (h *Hub) Await(ctx context.Context, sessionID string) (Conn, error) {
	h.mu.Lock()
	if conn, ok := h.conns[sessionID]; ok {
		delete(h.conns, sessionID)
		h.mu.Unlock()
		return conn, nil
	}
	waiter := make(chan Conn, 1)
	h.waiters[sessionID] = waiter
	h.mu.Unlock()

	select {
	case conn := <-waiter:
		return conn, nil
	case <-ctx.Done():
		h.mu.Lock()
		delete(h.waiters, sessionID)
		h.mu.Unlock()
		// The attach may have won the race; recheck before giving up.
		select {
		case conn := <-waiter:
			return conn, nil
		default:
		}
		return nil, fmt.Errorf("no CLI connected for session %s: %w", sessionID, ctx.Err())
	}
}

// Detach drops a parked stream that was never claimed.
func (h *Hub) Detach(sessionID string) {
	h.mu.Lock()
	conn, ok := h.conns[sessionID]
	delete(h.conns, sessionID)
	h.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}
