package models

import "encoding/json"

// Reserved argument keys injected by the dispatcher. Module-supplied or
// LLM-supplied values under these keys are overwritten before dispatch.
const (
	ArgUserID         = "user_id"
	ArgPlatform       = "platform"
	ArgChannelID      = "platform_channel_id"
	ArgThreadID       = "platform_thread_id"
	ArgConversationID = "conversation_id"
)

// ToolCall is the wire request for one tool execution. InvocationID
// correlates the call with its result and with streamed events.
type ToolCall struct {
	InvocationID string         `json:"invocation_id"`
	ToolName     string         `json:"tool_name"`
	Arguments    map[string]any `json:"arguments"`
	UserID       string         `json:"user_id"`
}

// ToolResult is the wire response for one tool execution. Failures are
// values, not transport errors: Success=false with Error set.
type ToolResult struct {
	ToolName string          `json:"tool_name"`
	Success  bool            `json:"success"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// FailedResult builds an unsuccessful ToolResult for the named tool.
func FailedResult(toolName, errMsg string) ToolResult {
	return ToolResult{ToolName: toolName, Success: false, Error: errMsg}
}

// UserContext is the authoritative identity and addressing information
// merged into tool arguments under the reserved keys.
type UserContext struct {
	UserID         string `json:"user_id"`
	Platform       string `json:"platform"`
	ChannelID      string `json:"platform_channel_id"`
	ThreadID       string `json:"platform_thread_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}
