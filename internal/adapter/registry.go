package adapter

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
)

// Registry holds the adapter set keyed by symbolic name. Unknown names
// resolve to the configured default with a warning.
type Registry struct {
	mu          sync.RWMutex
	adapters    map[string]BackendAdapter
	defaultName string
	log         *logger.Logger
}

// NewRegistry creates an empty registry with the given default adapter name.
func NewRegistry(defaultName string, log *logger.Logger) *Registry {
	return &Registry{
		adapters:    make(map[string]BackendAdapter),
		defaultName: defaultName,
		log:         log,
	}
}

// Register installs an adapter under its name, replacing any previous entry.
func (r *Registry) Register(a BackendAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Resolve returns the adapter for name, falling back to the default when
// name is empty or unregistered.
func (r *Registry) Resolve(name string) (BackendAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name != "" {
		if a, ok := r.adapters[name]; ok {
			return a, nil
		}
		r.log.Warn("Unknown adapter name, falling back to default",
			zap.String("adapter", name),
			zap.String("default", r.defaultName))
	}

	a, ok := r.adapters[r.defaultName]
	if !ok {
		return nil, fmt.Errorf("default adapter %q is not registered", r.defaultName)
	}
	return a, nil
}

// Get returns the adapter registered under exactly name.
func (r *Registry) Get(name string) (BackendAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names lists registered adapter names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SpawnsSubprocess reports whether the named adapter launches a local
// process per session.
func SpawnsSubprocess(a BackendAdapter) bool {
	if s, ok := a.(SubprocessAdapter); ok {
		return s.SpawnsSubprocess()
	}
	return false
}
