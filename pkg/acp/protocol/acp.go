// Package protocol defines the Agent-Control Bridge's wire dialect: the
// method/notification names and parameter shapes exchanged with the agent
// subprocess over JSON-RPC (spec §4.6). Structurally grounded on
// apps/backend/pkg/acp/jsonrpc/types.go's ACP params/results, with method
// names and field casing brought in line with spec's literal dialect
// (initialize/new_session/prompt/cancel, snake_case session_id) rather than
// the teacher's "session/new"-style method names and camelCase fields.
package protocol

import "encoding/json"

// Method and notification names.
const (
	MethodInitialize       = "initialize"
	MethodNewSession       = "new_session"
	MethodPrompt           = "prompt"
	MethodCancel           = "cancel"
	NotificationSessionUpdate = "session_update"
	MethodRequestPermission   = "request_permission"
)

// InitializeParams is sent once at bridge startup.
type InitializeParams struct {
	ProtocolVersion   int                `json:"protocol_version"`
	ClientCapabilities ClientCapabilities `json:"client_capabilities"`
	ClientInfo        ClientInfo         `json:"client_info"`
}

type ClientCapabilities struct {
	Streaming bool `json:"streaming"`
}

type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the agent's reply; its shape is not otherwise
// inspected beyond confirming the call succeeded.
type InitializeResult struct {
	ProtocolVersion int             `json:"protocol_version"`
	AgentInfo       json.RawMessage `json:"agent_info,omitempty"`
}

// NewSessionParams starts a session rooted at cwd.
type NewSessionParams struct {
	Cwd string `json:"cwd"`
}

// NewSessionResult carries the agent-assigned session id, kept as the
// ACP-level session id for the remainder of the bridge's lifetime.
type NewSessionResult struct {
	SessionID string `json:"session_id"`
}

// ContentBlock is a single piece of prompt content. Only the text variant
// is produced by this bridge; other variants are accepted structurally for
// forward compatibility.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// PromptParams issues a single turn to the agent.
type PromptParams struct {
	SessionID string         `json:"session_id"`
	Content   []ContentBlock `json:"content"`
}

// PromptResult carries the stop reason for the completed turn.
type PromptResult struct {
	StopReason string `json:"stop_reason"`
}

// CancelParams is sent as a notification, not a request.
type CancelParams struct {
	SessionID string `json:"session_id"`
}

// SessionUpdate is the single notification shape the agent uses to stream
// progress; Kind discriminates the variant and Data carries its payload.
type SessionUpdate struct {
	SessionID string          `json:"session_id"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Session update kinds.
const (
	UpdateUserMessageChunk  = "user_message_chunk"
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
	UpdateAvailableCommands = "available_commands_update"
	UpdateMode              = "mode_update"
)

// MessageChunk is the payload for user/assistant/thinking message chunks.
type MessageChunk struct {
	Text string `json:"text"`
}

// ToolCall is the payload for a new tool_call update.
type ToolCall struct {
	ID       string          `json:"id"`
	Title    string          `json:"title,omitempty"`
	Kind     string          `json:"kind,omitempty"`
	Status   string          `json:"status,omitempty"`
	RawInput json.RawMessage `json:"raw_input,omitempty"`
}

// ToolCallUpdate is the payload for a tool_call_update; fields are pointers
// so a partial update only carries what changed.
type ToolCallUpdate struct {
	ID        string  `json:"id"`
	Status    *string `json:"status,omitempty"`
	RawOutput *string `json:"raw_output,omitempty"`
}

// RequestPermissionParams is sent by the agent as a request (requires a
// response) when it needs the operator to approve a tool invocation.
type RequestPermissionParams struct {
	SessionID  string                  `json:"session_id"`
	ToolCallID string                  `json:"tool_call_id"`
	ToolCall   json.RawMessage         `json:"tool_call"`
	Options    []PermissionOption      `json:"options"`
}

// PermissionOption is one of the choices offered to the permission callback.
type PermissionOption struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Kind  string `json:"kind"` // allow_once, allow_always, reject_once, reject_always
}

// Permission option kinds, used to prefer allow-always over allow-once.
const (
	OptionAllowAlways = "allow_always"
	OptionAllowOnce   = "allow_once"
)

// RequestPermissionResult is the bridge's reply to a permission request.
type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// PermissionOutcome is either a selection or a cancellation.
type PermissionOutcome struct {
	Selected  string `json:"selected,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}
