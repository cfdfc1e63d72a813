// Package events provides event types and utilities for the agentmux event
// system. Subjects are dot-separated for NATS compatibility; the per-session
// variants append the session id as the final token.
package events

// Event types for backend connections
const (
	BackendConnected      = "backend.connected"
	BackendDisconnected   = "backend.disconnected"
	BackendMessage        = "backend.message"
	BackendStreamError    = "backend.stream_error"
	BackendSessionID      = "backend.session_id"
	BackendRelaunchNeeded = "backend.relaunch_needed"
)

// Event types for supervised processes
const (
	ProcessSpawned = "process.spawned"
	ProcessExited  = "process.exited"
	ProcessStdout  = "process.stdout"
	ProcessStderr  = "process.stderr"
	ProcessKilled  = "process.killed"
)

// Event types for the crash circuit breaker
const (
	BreakerOpened   = "breaker.opened"
	BreakerHalfOpen = "breaker.half_open"
	BreakerClosed   = "breaker.closed"
)

// Event types for session lifecycle
const (
	SessionCreated      = "session.created"
	SessionStateChanged = "session.state_changed"
	SessionClosed       = "session.closed"
	SessionRemoved      = "session.removed"
	SessionIdleReaped   = "session.idle_reaped"
	SessionRelaunched   = "session.relaunched"
)

// Event types for consumers
const (
	ConsumerJoined     = "consumer.joined"
	ConsumerLeft       = "consumer.left"
	ConsumerAuthFailed = "consumer.auth_failed"
	ConsumerAuthStatus = "consumer.auth_status"
)

// Event types for the capabilities handshake
const (
	CapabilitiesReady   = "capabilities.ready"
	CapabilitiesTimeout = "capabilities.timeout"
)

// Event types for slash commands
const (
	SlashCommandExecuted = "slash_command.executed"
	SlashCommandFailed   = "slash_command.failed"
)

// Event types for permission flow
const (
	PermissionRequested = "permission.requested"
	PermissionResolved  = "permission.resolved"
)

// BuildSessionSubject appends a session id to an event type subject.
func BuildSessionSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildSessionWildcardSubject creates a wildcard subscription for all
// sessions of an event type.
func BuildSessionWildcardSubject(eventType string) string {
	return eventType + ".*"
}

// BuildProcessOutputSubject creates a process output subject for a session.
func BuildProcessOutputSubject(sessionID string) string {
	return ProcessStdout + "." + sessionID
}

// BuildProcessExitSubject creates a process exit subject for a session.
func BuildProcessExitSubject(sessionID string) string {
	return ProcessExited + "." + sessionID
}

// BuildPermissionSubject creates a permission request subject for a session.
func BuildPermissionSubject(sessionID string) string {
	return PermissionRequested + "." + sessionID
}
