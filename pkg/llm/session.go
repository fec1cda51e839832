// Package llm defines the contract the core consumes from the LLM SDK.
// The transport (CLI subprocess, HTTP, gRPC) lives outside this module;
// agents depend only on the Streamer interface and the message shapes
// below.
package llm

import "context"

// Permission modes requested for a session.
const (
	PermissionModeEdit     = "acceptEdits"
	PermissionModeReadOnly = "readOnly"
)

// Terminal result subtypes.
const (
	ResultSubtypeSuccess = "success"
	ResultSubtypeError   = "error"
)

// ReadOnlyTools is the tool set granted to review and ideation
// sessions: inspection only, no mutations.
var ReadOnlyTools = []string{"Read", "Grep", "Glob", "Bash(git diff*)", "Bash(git log*)"}

// Request describes one LLM session.
type Request struct {
	Prompt         string
	Dir            string
	AllowedTools   []string
	PermissionMode string
	MaxBudgetUSD   float64
	MaxTurns       int
}

// MessageType discriminates streamed messages.
type MessageType string

// Streamed message types.
const (
	MessageTypeAssistant MessageType = "assistant"
	MessageTypeToolUse   MessageType = "tool_use"
	MessageTypeResult    MessageType = "result"
)

// Message is one streamed event from a session. Exactly one of the
// payload fields is populated, according to Type.
type Message struct {
	Type MessageType

	// Assistant text (MessageTypeAssistant).
	Text string

	// Tool invocation (MessageTypeToolUse).
	ToolName  string
	ToolInput map[string]any

	// Terminal result (MessageTypeResult). Always the last message.
	Result *Result
}

// Result is the terminal message of a session.
type Result struct {
	Subtype      string
	TotalCostUSD float64
	NumTurns     int
	Text         string
	Errors       []string
}

// Streamer runs LLM sessions. Implementations deliver zero or more
// assistant/tool-use messages followed by exactly one result message,
// then close the channel. Cancelling ctx ends the session early; the
// stream still terminates (with whatever result is available) and the
// channel is closed.
type Streamer interface {
	Stream(ctx context.Context, req Request) (<-chan Message, error)
}
