// Package llm routes completion requests to model providers.
//
// Adapters translate a canonical request into each provider's wire format
// (Anthropic Messages, OpenAI chat completions, Google GenerateContent,
// Bedrock Converse) and back. The Router picks the adapter by model-name
// pattern and walks a fallback chain when a provider fails transiently.
package llm

import "encoding/json"

// Role identifies the author of a canonical message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// StopReason reports why the model stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
	StopToolUse   StopReason = "tool_use"
)

// Message is one canonical transcript entry. Tool results use RoleTool with
// ToolCallID set; assistant tool requests carry ToolCalls alongside any text.
type Message struct {
	Role       Role      `json:"role"`
	Content    string    `json:"content,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	IsError    bool      `json:"is_error,omitempty"`
	ToolCalls  []ToolUse `json:"tool_calls,omitempty"`
}

// ToolUse is one tool invocation requested by the model.
type ToolUse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Tool declares one callable tool to the model. InputSchema is a JSON-schema
// object as produced by models.ToolDefinition.ParametersSchema.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// Request is a provider-independent completion request.
type Request struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Response is a provider-independent completion result.
type Response struct {
	Model        string     `json:"model"`
	Provider     string     `json:"provider"`
	Content      string     `json:"content,omitempty"`
	StopReason   StopReason `json:"stop_reason"`
	ToolCalls    []ToolUse  `json:"tool_calls,omitempty"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
}
