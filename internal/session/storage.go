package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Info is the persisted session record the management surface lists without
// depending on subprocess presence.
type Info struct {
	SessionID        string `json:"session_id" db:"session_id"`
	AdapterName      string `json:"adapter_name" db:"adapter_name"`
	Cwd              string `json:"cwd" db:"cwd"`
	BackendSessionID string `json:"backend_session_id,omitempty" db:"backend_session_id"`
	Archived         bool   `json:"archived,omitempty" db:"archived"`
	State            string `json:"state" db:"state"` // starting or connected
	PID              int    `json:"pid,omitempty" db:"pid"`
}

// Launcher session states.
const (
	LaunchStateStarting  = "starting"
	LaunchStateConnected = "connected"
)

// Storage persists session records.
type Storage interface {
	SaveSession(ctx context.Context, info Info) error
	LoadSession(ctx context.Context, sessionID string) (*Info, error)
	ListSessions(ctx context.Context) ([]Info, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// LauncherStateStorage persists opaque launcher state blobs keyed by
// adapter name.
type LauncherStateStorage interface {
	SaveLauncherState(ctx context.Context, adapterName string, state any) error
	LoadLauncherState(ctx context.Context, adapterName string, out any) error
}

// ErrNotFound is returned for missing records.
var ErrNotFound = fmt.Errorf("session: not found")

// MemoryStorage is the in-memory Storage and LauncherStateStorage.
type MemoryStorage struct {
	mu       sync.RWMutex
	sessions map[string]Info
	launcher map[string][]byte
}

// NewMemoryStorage creates empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		sessions: make(map[string]Info),
		launcher: make(map[string][]byte),
	}
}

func (m *MemoryStorage) SaveSession(ctx context.Context, info Info) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[info.SessionID] = info
	return nil
}

func (m *MemoryStorage) LoadSession(ctx context.Context, sessionID string) (*Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &info, nil
}

func (m *MemoryStorage) ListSessions(ctx context.Context) ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for _, info := range m.sessions {
		out = append(out, info)
	}
	return out, nil
}

func (m *MemoryStorage) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStorage) SaveLauncherState(ctx context.Context, adapterName string, state any) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal launcher state: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.launcher[adapterName] = data
	return nil
}

func (m *MemoryStorage) LoadLauncherState(ctx context.Context, adapterName string, out any) error {
	m.mu.RLock()
	data, ok := m.launcher[adapterName]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal launcher state: %w", err)
	}
	return nil
}
