// Package session holds the session lifecycle machine, the derived session
// state with its pure reducer, and the persistent session registry.
package session

import "fmt"

// Lifecycle is the session lifecycle phase.
type Lifecycle string

const (
	LifecycleStarting        Lifecycle = "starting"
	LifecycleAwaitingBackend Lifecycle = "awaiting_backend"
	LifecycleActive          Lifecycle = "active"
	LifecycleIdle            Lifecycle = "idle"
	LifecycleDegraded        Lifecycle = "degraded"
	LifecycleClosing         Lifecycle = "closing"
	LifecycleClosed          Lifecycle = "closed"
)

// allowedTransitions enumerates the legal lifecycle edges. closed is
// terminal.
var allowedTransitions = map[Lifecycle][]Lifecycle{
	LifecycleStarting:        {LifecycleAwaitingBackend, LifecycleDegraded, LifecycleClosing},
	LifecycleAwaitingBackend: {LifecycleActive, LifecycleDegraded, LifecycleClosing},
	LifecycleActive:          {LifecycleIdle, LifecycleDegraded, LifecycleClosing},
	LifecycleIdle:            {LifecycleActive, LifecycleDegraded, LifecycleClosing},
	LifecycleDegraded:        {LifecycleAwaitingBackend, LifecycleActive, LifecycleClosing},
	LifecycleClosing:         {LifecycleClosed},
	LifecycleClosed:          {},
}

// CanTransition reports whether from → to is a legal edge. Self-transitions
// are treated as no-ops and allowed.
func CanTransition(from, to Lifecycle) bool {
	if from == to {
		return from != LifecycleClosed
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and returns the new phase.
func Transition(from, to Lifecycle) (Lifecycle, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("invalid lifecycle transition %s -> %s", from, to)
	}
	return to, nil
}
