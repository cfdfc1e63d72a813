// Package message defines the canonical envelope every backend and consumer
// payload is normalized into, plus deterministic serialization for signing.
package message

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of canonical message. The set is closed;
// translators map anything unrecognized to TypeUnknown or drop it.
type Type string

const (
	TypeSessionInit         Type = "session_init"
	TypeStatusChange        Type = "status_change"
	TypeAssistant           Type = "assistant"
	TypeResult              Type = "result"
	TypeStreamEvent         Type = "stream_event"
	TypePermissionRequest   Type = "permission_request"
	TypePermissionResponse  Type = "permission_response"
	TypeControlResponse     Type = "control_response"
	TypeToolProgress        Type = "tool_progress"
	TypeToolUseSummary      Type = "tool_use_summary"
	TypeAuthStatus          Type = "auth_status"
	TypeUserMessage         Type = "user_message"
	TypeInterrupt           Type = "interrupt"
	TypeConfigurationChange Type = "configuration_change"
	TypeSessionLifecycle    Type = "session_lifecycle"
	TypeTeamMessage         Type = "team_message"
	TypeTeamTaskUpdate      Type = "team_task_update"
	TypeTeamStateChange     Type = "team_state_change"
	TypeUnknown             Type = "unknown"
)

// Role identifies the author of a canonical message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

var validTypes = map[Type]bool{
	TypeSessionInit: true, TypeStatusChange: true, TypeAssistant: true,
	TypeResult: true, TypeStreamEvent: true, TypePermissionRequest: true,
	TypePermissionResponse: true, TypeControlResponse: true,
	TypeToolProgress: true, TypeToolUseSummary: true, TypeAuthStatus: true,
	TypeUserMessage: true, TypeInterrupt: true, TypeConfigurationChange: true,
	TypeSessionLifecycle: true, TypeTeamMessage: true, TypeTeamTaskUpdate: true,
	TypeTeamStateChange: true, TypeUnknown: true,
}

var validRoles = map[Role]bool{
	RoleUser: true, RoleAssistant: true, RoleSystem: true, RoleTool: true,
}

// UnifiedMessage is the canonical envelope. It is immutable after
// construction by convention; translators build new envelopes rather than
// mutating received ones.
type UnifiedMessage struct {
	ID        string         `json:"id"`
	Timestamp int64          `json:"timestamp"` // wall-clock milliseconds
	Type      Type           `json:"type"`
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	ParentID  string         `json:"parentId,omitempty"`
}

// Option mutates a message under construction.
type Option func(*UnifiedMessage)

// WithText appends a text content block.
func WithText(text string) Option {
	return func(m *UnifiedMessage) {
		m.Content = append(m.Content, TextBlock(text))
	}
}

// WithContent appends content blocks.
func WithContent(blocks ...ContentBlock) Option {
	return func(m *UnifiedMessage) {
		m.Content = append(m.Content, blocks...)
	}
}

// WithMetadata merges fields into the metadata map.
func WithMetadata(fields map[string]any) Option {
	return func(m *UnifiedMessage) {
		for k, v := range fields {
			m.Metadata[k] = v
		}
	}
}

// WithMetadataField sets a single metadata field.
func WithMetadataField(key string, value any) Option {
	return func(m *UnifiedMessage) {
		m.Metadata[key] = value
	}
}

// WithParentID sets the threading link.
func WithParentID(parentID string) Option {
	return func(m *UnifiedMessage) {
		m.ParentID = parentID
	}
}

// New constructs a canonical message, assigning id and timestamp.
// Content and metadata are always non-nil.
func New(msgType Type, role Role, opts ...Option) *UnifiedMessage {
	m := &UnifiedMessage{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UnixMilli(),
		Type:      msgType,
		Role:      role,
		Content:   []ContentBlock{},
		Metadata:  map[string]any{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Validate rejects unknown type/role and nil content/metadata.
func (m *UnifiedMessage) Validate() error {
	if !validTypes[m.Type] {
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if !validRoles[m.Role] {
		return fmt.Errorf("unknown message role %q", m.Role)
	}
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if m.Content == nil {
		return fmt.Errorf("content must be an array")
	}
	if m.Metadata == nil {
		return fmt.Errorf("metadata must be an object")
	}
	return nil
}

// JoinedText concatenates all text blocks in order.
func (m *UnifiedMessage) JoinedText() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// MetaString returns a string metadata field, or "" when absent or mistyped.
func (m *UnifiedMessage) MetaString(key string) string {
	s, _ := m.Metadata[key].(string)
	return s
}

// MetaBool returns a bool metadata field, false when absent or mistyped.
func (m *UnifiedMessage) MetaBool(key string) bool {
	b, _ := m.Metadata[key].(bool)
	return b
}

// MetaMap returns a map metadata field, nil when absent or mistyped.
func (m *UnifiedMessage) MetaMap(key string) map[string]any {
	v, _ := m.Metadata[key].(map[string]any)
	return v
}

// Canonical serializes the envelope deterministically (RFC 8785 semantics).
func (m *UnifiedMessage) Canonical() ([]byte, error) {
	return Canonicalize(m)
}
