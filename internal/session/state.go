package session

// GitMetadata is repository context reported by the backend.
type GitMetadata struct {
	Branch     string `json:"branch,omitempty"`
	CommitSHA  string `json:"commit_sha,omitempty"`
	RemoteURL  string `json:"remote_url,omitempty"`
	IsWorktree bool   `json:"is_worktree,omitempty"`
}

// Capabilities is the snapshot populated by the capabilities handshake.
type Capabilities struct {
	Commands []CommandInfo  `json:"commands,omitempty"`
	Models   []string       `json:"models,omitempty"`
	Account  map[string]any `json:"account,omitempty"`
}

// CommandInfo describes one slash command reported by a backend.
type CommandInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// State is the session-level derived state produced by the pure reducer
// from inbound canonical messages.
type State struct {
	Model          string      `json:"model,omitempty"`
	Cwd            string      `json:"cwd,omitempty"`
	Tools          []string    `json:"tools,omitempty"`
	PermissionMode string      `json:"permission_mode,omitempty"`
	Git            GitMetadata `json:"git,omitempty"`

	// Accumulators across turns
	TotalCostUSD float64 `json:"total_cost_usd"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	NumTurns     int     `json:"num_turns"`

	// ContextPercent is the reported context window usage, 0-100.
	ContextPercent float64 `json:"context_percent,omitempty"`

	Commands   []CommandInfo `json:"commands,omitempty"`
	MCPServers []string      `json:"mcp_servers,omitempty"`
	Skills     []string      `json:"skills,omitempty"`

	Status       string       `json:"status,omitempty"` // idle, running, compacting...
	Capabilities Capabilities `json:"capabilities,omitempty"`

	SupportsSlashPassthrough bool `json:"supports_slash_passthrough,omitempty"`
}
