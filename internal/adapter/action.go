package adapter

// ActionKind discriminates the outbound translation result.
type ActionKind string

const (
	ActionRequest         ActionKind = "request"
	ActionResponse        ActionKind = "response"
	ActionNotification    ActionKind = "notification"
	ActionPrompt          ActionKind = "prompt"
	ActionPermissionReply ActionKind = "permission_reply"
	ActionAbort           ActionKind = "abort"
	ActionNoop            ActionKind = "noop"
)

// Action is the tagged variant outbound translators produce from a canonical
// message. The Kind field selects which of the remaining fields apply.
type Action struct {
	Kind ActionKind

	// request, notification
	Method string
	Params any

	// response, permission_reply: correlate to a captured native request id
	ID     any
	Result any

	// prompt
	Text string
}

// Noop is the Action for canonical types an adapter ignores.
var Noop = Action{Kind: ActionNoop}
