package bridge

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/message"
	"github.com/agentmux/agentmux/internal/session"
)

// streamBufferCap bounds the per-session passthrough delta buffer.
const streamBufferCap = 50 * 1024

// pendingPassthrough is one forwarded slash command awaiting its echo.
type pendingPassthrough struct {
	Command   string
	RequestID string
	TraceID   string
	StartedAt time.Time
}

// Session is the per-session mutable record. All fields behind mu; the
// consumption loop and transport-side handlers are the only writers.
type Session struct {
	ID string

	mu        sync.Mutex
	lifecycle session.Lifecycle
	state     session.State

	consumers map[ConsumerSocket]*consumer

	// pendingMessages buffers consumer input submitted before a backend is
	// bound; it drains FIFO on connect.
	pendingMessages []*message.UnifiedMessage

	// pendingPermissions tracks unanswered permission_request ids so a
	// disconnect can cancel them toward participants.
	pendingPermissions map[string]struct{}

	// pendingPassthroughs is the FIFO of forwarded slash commands awaiting
	// interception; the oldest entry matches first.
	pendingPassthroughs []*pendingPassthrough

	// streamBuf accumulates stream_event text deltas while a passthrough is
	// pending, capped at streamBufferCap.
	streamBuf strings.Builder

	backend          adapter.BackendSession
	backendSessionID string
	backendAbort     context.CancelFunc
	slashExec        adapter.SlashExecutor

	capabilitiesRequested bool
	capabilitiesReady     bool
	capTimer              *time.Timer

	createdAt    time.Time
	lastActivity time.Time
	closed       bool
}

func newSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:                 id,
		lifecycle:          session.LifecycleStarting,
		consumers:          make(map[ConsumerSocket]*consumer),
		pendingPermissions: make(map[string]struct{}),
		createdAt:          now,
		lastActivity:       now,
	}
}

// Lifecycle returns the current lifecycle state.
func (s *Session) Lifecycle() session.Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

// State returns a snapshot of the derived session state.
func (s *Session) State() session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConsumerCount returns the number of installed consumer sockets.
func (s *Session) ConsumerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

// CLIConnected reports whether a backend session is currently bound.
func (s *Session) CLIConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend != nil
}

// BackendSessionID returns the backend-assigned id, empty when unbound.
func (s *Session) BackendSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendSessionID
}

// LastActivity returns the time of the last consumer or backend traffic.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// touch records activity. Caller holds mu.
func (s *Session) touch() {
	s.lastActivity = time.Now()
}

// transitionLocked applies a lifecycle edge, ignoring disallowed ones.
// Caller holds mu.
func (s *Session) transitionLocked(to session.Lifecycle) bool {
	next, err := session.Transition(s.lifecycle, to)
	if err != nil {
		return false
	}
	changed := next != s.lifecycle
	s.lifecycle = next
	return changed
}

// appendStreamBuf adds delta text respecting the cap. Caller holds mu.
func (s *Session) appendStreamBuf(text string) {
	room := streamBufferCap - s.streamBuf.Len()
	if room <= 0 {
		return
	}
	if len(text) > room {
		text = text[:room]
	}
	s.streamBuf.WriteString(text)
}

// shiftPassthroughLocked pops the oldest pending passthrough. Caller holds mu.
func (s *Session) shiftPassthroughLocked() *pendingPassthrough {
	if len(s.pendingPassthroughs) == 0 {
		return nil
	}
	p := s.pendingPassthroughs[0]
	s.pendingPassthroughs = s.pendingPassthroughs[1:]
	return p
}
