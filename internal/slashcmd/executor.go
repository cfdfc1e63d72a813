package slashcmd

import (
	"fmt"
	"strings"

	"github.com/agentmux/agentmux/internal/session"
)

// Executor runs consumer-category commands against a snapshot of session
// state. It never talks to the backend.
type Executor struct {
	registry *Registry
}

func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// Supported reports whether cmd can be executed locally.
func (e *Executor) Supported(cmd string) bool {
	c, ok := e.registry.Lookup(cmd)
	return ok && c.Category == CategoryConsumer
}

// Execute runs a consumer command and returns its rendered text output.
func (e *Executor) Execute(cmd string, state session.State) (string, error) {
	name := normalize(firstToken(cmd))
	c, ok := e.registry.Lookup(name)
	if !ok || c.Category != CategoryConsumer {
		return "", fmt.Errorf("command %s is not locally executable", name)
	}

	switch name {
	case "/help":
		return e.renderHelp(), nil
	case "/clear":
		return "Conversation view cleared.", nil
	case "/status":
		return renderStatus(state), nil
	case "/cost":
		return renderCost(state), nil
	default:
		return "", fmt.Errorf("no local handler for %s", name)
	}
}

func firstToken(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func (e *Executor) renderHelp() string {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, c := range e.registry.List() {
		if c.Description != "" {
			fmt.Fprintf(&b, "  %s - %s\n", c.Name, c.Description)
		} else {
			fmt.Fprintf(&b, "  %s\n", c.Name)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderStatus(s session.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Model: %s\n", orDash(s.Model))
	fmt.Fprintf(&b, "Cwd: %s\n", orDash(s.Cwd))
	fmt.Fprintf(&b, "Status: %s\n", orDash(s.Status))
	fmt.Fprintf(&b, "Permission mode: %s\n", orDash(s.PermissionMode))
	fmt.Fprintf(&b, "Turns: %d", s.NumTurns)
	if s.Git.Branch != "" {
		fmt.Fprintf(&b, "\nGit branch: %s", s.Git.Branch)
	}
	return b.String()
}

func renderCost(s session.State) string {
	return fmt.Sprintf("Total cost: $%.4f\nInput tokens: %d\nOutput tokens: %d",
		s.TotalCostUSD, s.InputTokens, s.OutputTokens)
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
