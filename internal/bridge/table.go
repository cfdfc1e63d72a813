package bridge

import "sync"

// sessionTable is the concurrent session map.
type sessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*Session)}
}

func (t *sessionTable) getOrCreate(id string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[id]; ok {
		return s
	}
	s := newSession(id)
	t.sessions[id] = s
	return s
}

func (t *sessionTable) get(id string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

func (t *sessionTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

func (t *sessionTable) list() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}
