// Package protocol defines the wire-level constants shared between the
// gateway, the ACP backend runtime, and WebSocket control-plane clients.
package protocol

// JSON-RPC method names used on the ACP connection.
const (
	MethodSessionUpdate = "session/update"
	MethodSessionPrompt = "session/prompt"
	MethodSessionNew    = "session/new"
	MethodSessionCancel = "session/cancel"
)

// sessionUpdate tags carried by ACP protocol updates. The tag identifies the
// originating update kind and drives per-tag visibility policy; it is distinct
// from the normalized runtime event type.
const (
	TagText                    = "text"
	TagThought                 = "thought"
	TagAgentMessageChunk       = "agent_message_chunk"
	TagAgentThoughtChunk       = "agent_thought_chunk"
	TagToolCall                = "tool_call"
	TagToolCallUpdate          = "tool_call_update"
	TagUsageUpdate             = "usage_update"
	TagAvailableCommandsUpdate = "available_commands_update"
	TagCurrentModeUpdate       = "current_mode_update"
	TagConfigOptionUpdate      = "config_option_update"
	TagSessionInfoUpdate       = "session_info_update"
	TagPlan                    = "plan"
	TagClientOperation         = "client_operation"
	TagUpdate                  = "update"
	TagDone                    = "done"
	TagError                   = "error"
)

// Tool call status values reported by the backend runtime.
const (
	ToolStatusPending    = "pending"
	ToolStatusInProgress = "in_progress"
	ToolStatusCompleted  = "completed"
	ToolStatusFailed     = "failed"
)
