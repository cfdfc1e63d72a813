// Package slashcmd classifies slash commands by source and routing category
// and executes the consumer-category ones locally.
package slashcmd

import (
	"sort"
	"strings"
	"sync"
)

// Source records where a command definition came from.
type Source string

const (
	SourceBuiltIn Source = "built-in"
	SourceCLI     Source = "cli"
	SourceSkill   Source = "skill"
)

// Category selects the routing strategy.
type Category string

const (
	// CategoryConsumer commands are handled locally without touching the
	// backend.
	CategoryConsumer Category = "consumer"
	// CategoryPassthrough commands are forwarded to the backend as user
	// messages; the echoed reply is intercepted.
	CategoryPassthrough Category = "passthrough"
)

// Command is one registered slash command.
type Command struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Source      Source   `json:"source"`
	Category    Category `json:"category"`
}

// builtins is the seeded command set. Descriptions may be enriched by
// CLI-reported metadata but the entries themselves are permanent.
var builtins = []Command{
	{Name: "/help", Description: "List available commands", Source: SourceBuiltIn, Category: CategoryConsumer},
	{Name: "/clear", Description: "Clear conversation view", Source: SourceBuiltIn, Category: CategoryConsumer},
	{Name: "/status", Description: "Show session status", Source: SourceBuiltIn, Category: CategoryConsumer},
	{Name: "/cost", Description: "Show accumulated cost and tokens", Source: SourceBuiltIn, Category: CategoryConsumer},
	{Name: "/context", Description: "Show context window usage", Source: SourceBuiltIn, Category: CategoryPassthrough},
	{Name: "/compact", Description: "Compact conversation history", Source: SourceBuiltIn, Category: CategoryPassthrough},
}

// Registry is the command table. It is shared across sessions; CLI-reported
// commands may arrive concurrently from multiple sessions.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Command
}

// NewRegistry seeds the built-in set.
func NewRegistry() *Registry {
	r := &Registry{commands: make(map[string]Command)}
	for _, c := range builtins {
		r.commands[c.Name] = c
	}
	return r
}

// normalize ensures the leading slash.
func normalize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return name
	}
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}
	return name
}

// RegisterFromCLI merges backend-reported commands: existing built-ins get
// their descriptions enriched, everything else is added as source cli with
// passthrough routing.
func (r *Registry) RegisterFromCLI(commands []Command) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range commands {
		name := normalize(c.Name)
		if name == "" {
			continue
		}
		if existing, ok := r.commands[name]; ok {
			if existing.Source == SourceBuiltIn {
				if c.Description != "" {
					existing.Description = c.Description
				}
				r.commands[name] = existing
				continue
			}
		}
		r.commands[name] = Command{
			Name:        name,
			Description: c.Description,
			Source:      SourceCLI,
			Category:    CategoryPassthrough,
		}
	}
}

// RegisterSkills promotes cli entries to skill or inserts new skill
// commands.
func (r *Registry) RegisterSkills(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, raw := range names {
		name := normalize(raw)
		if name == "" {
			continue
		}
		if existing, ok := r.commands[name]; ok {
			if existing.Source == SourceCLI {
				existing.Source = SourceSkill
				r.commands[name] = existing
			}
			continue
		}
		r.commands[name] = Command{
			Name:     name,
			Source:   SourceSkill,
			Category: CategoryPassthrough,
		}
	}
}

// ClearDynamic removes every non-built-in entry.
func (r *Registry) ClearDynamic() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, c := range r.commands {
		if c.Source != SourceBuiltIn {
			delete(r.commands, name)
		}
	}
}

// Lookup returns the command, trying the normalized name.
func (r *Registry) Lookup(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.commands[normalize(name)]
	return c, ok
}

// IsPassthrough reports whether name routes to the backend. Unknown
// commands default to passthrough so backends can own commands the broker
// never heard of.
func (r *Registry) IsPassthrough(name string) bool {
	c, ok := r.Lookup(name)
	if !ok {
		return true
	}
	return c.Category == CategoryPassthrough
}

// List returns all commands sorted by name.
func (r *Registry) List() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Command, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
