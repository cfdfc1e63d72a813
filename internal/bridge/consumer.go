// Package bridge owns the session table and the consumer plane: it
// authenticates consumer sockets, fans canonical messages out to them, binds
// backend sessions through the connector, and intercepts slash-command
// passthrough echoes.
package bridge

import (
	"context"
	"fmt"
)

// Close codes for consumer sockets.
const (
	CloseAuthFailed     = 4001
	CloseSessionRemoved = 4000
)

// Role is the sole access-control key for a consumer.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleObserver    Role = "observer"
)

// Identity is the result of authenticating a consumer socket.
type Identity struct {
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`
	Role   Role   `json:"role"`
}

// AuthContext is what the transport layer knows about a connecting socket.
type AuthContext struct {
	SessionID string
	Headers   map[string]string
	Query     map[string]string
}

// ConsumerSocket is the bridge's view of one consumer connection. Send is
// treated as non-blocking; the transport buffers or drops.
type ConsumerSocket interface {
	Send(data []byte) error
	Close(code int, reason string) error
}

// Authenticator resolves an identity for a connecting consumer.
type Authenticator interface {
	Authenticate(ctx context.Context, auth AuthContext) (Identity, error)
}

// AnonymousAuthenticator is the dev-mode authenticator: every socket becomes
// an anonymous participant.
type AnonymousAuthenticator struct{}

func (AnonymousAuthenticator) Authenticate(_ context.Context, auth AuthContext) (Identity, error) {
	return Identity{
		UserID: fmt.Sprintf("anon-%s", auth.SessionID),
		Name:   "anonymous",
		Role:   RoleParticipant,
	}, nil
}

// consumer is an authenticated socket installed in a session.
type consumer struct {
	socket   ConsumerSocket
	identity Identity
}
