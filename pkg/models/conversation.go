package models

import (
	"encoding/json"
	"strings"
	"time"
)

// ConversationRef addresses a conversation by its platform coordinates.
// Thread is optional; an empty thread refers to the channel root.
type ConversationRef struct {
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
	Thread   string `json:"thread,omitempty"`
}

// Key returns the composite lookup key for the ref.
func (r ConversationRef) Key() string {
	return strings.Join([]string{r.Platform, r.Channel, r.Thread}, "/")
}

// Conversation maps platform coordinates to an owned, append-only
// message list. A conversation has at most one active persona.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Platform  string    `json:"platform"`
	Channel   string    `json:"channel"`
	Thread    string    `json:"thread,omitempty"`
	PersonaID string    `json:"persona_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ref returns the platform coordinates of the conversation.
func (c *Conversation) Ref() ConversationRef {
	return ConversationRef{Platform: c.Platform, Channel: c.Channel, Thread: c.Thread}
}

// MessageType discriminates the kinds of transcript entries.
type MessageType string

const (
	MessageUserText      MessageType = "user_text"
	MessageAssistantText MessageType = "assistant_text"
	MessageToolCall      MessageType = "tool_call"
	MessageToolResult    MessageType = "tool_result"
	MessageSystem        MessageType = "system"
)

// Valid reports whether the type is one of the known message kinds.
func (t MessageType) Valid() bool {
	switch t {
	case MessageUserText, MessageAssistantText, MessageToolCall, MessageToolResult, MessageSystem:
		return true
	}
	return false
}

// Message is a single immutable transcript entry. Seq is assigned by the
// store and is strictly monotonic within a conversation. For tool_call
// messages Payload holds the call arguments; for tool_result messages it
// holds the result body. Synthetic marks messages authored by the system
// on the user's behalf (workflow continuations); transcripts hide them
// unless the persona opts in.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Seq            int64           `json:"seq"`
	Type           MessageType     `json:"type"`
	Content        string          `json:"content,omitempty"`
	ToolCallID     string          `json:"tool_call_id,omitempty"`
	ToolName       string          `json:"tool_name,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Synthetic      bool            `json:"synthetic,omitempty"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Attachment is a file or media reference carried by a message.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}
