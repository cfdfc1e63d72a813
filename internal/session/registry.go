package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
)

// Registry is the forward-connection registry: the write-through cache of
// persisted session records the management surface lists.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Info
	storage Storage
	log     *logger.Logger
}

// NewRegistry creates a registry over the given storage.
func NewRegistry(storage Storage, log *logger.Logger) *Registry {
	return &Registry{
		entries: make(map[string]Info),
		storage: storage,
		log:     log.WithFields(zap.String("component", "session-registry")),
	}
}

// Restore loads all persisted records into the cache.
func (r *Registry) Restore(ctx context.Context) error {
	infos, err := r.storage.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("restore session registry: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, info := range infos {
		r.entries[info.SessionID] = info
	}
	r.log.Info("Restored session registry", zap.Int("sessions", len(infos)))
	return nil
}

// Register persists a new or updated record.
func (r *Registry) Register(ctx context.Context, info Info) error {
	if info.State == "" {
		info.State = LaunchStateStarting
	}
	if err := r.storage.SaveSession(ctx, info); err != nil {
		return err
	}
	r.mu.Lock()
	r.entries[info.SessionID] = info
	r.mu.Unlock()
	return nil
}

// Get returns the cached record.
func (r *Registry) Get(sessionID string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.entries[sessionID]
	return info, ok
}

// List returns every cached record.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.entries))
	for _, info := range r.entries {
		out = append(out, info)
	}
	return out
}

// Update applies fn to the record and persists the result.
func (r *Registry) Update(ctx context.Context, sessionID string, fn func(*Info)) error {
	r.mu.Lock()
	info, ok := r.entries[sessionID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	fn(&info)
	r.entries[sessionID] = info
	r.mu.Unlock()

	return r.storage.SaveSession(ctx, info)
}

// SetBackendSessionID records the backend-assigned id used for resume.
func (r *Registry) SetBackendSessionID(ctx context.Context, sessionID, backendSessionID string) error {
	return r.Update(ctx, sessionID, func(info *Info) {
		info.BackendSessionID = backendSessionID
	})
}

// Remove deletes the record from cache and storage.
func (r *Registry) Remove(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	delete(r.entries, sessionID)
	r.mu.Unlock()
	return r.storage.DeleteSession(ctx, sessionID)
}
