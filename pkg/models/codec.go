package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ValidationError reports a missing or malformed field on a decoded
// entity. Field is a dot/index path such as "tools[2].name".
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// DecodeManifest parses and validates a module manifest. Unknown fields
// are ignored; missing required fields fail with a field path.
func DecodeManifest(data []byte) (*ModuleManifest, error) {
	var m ModuleManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ValidationError{Field: "manifest", Reason: err.Error()}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeToolCall parses a tool call, requiring tool_name.
func DecodeToolCall(data []byte) (*ToolCall, error) {
	var c ToolCall
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, &ValidationError{Field: "tool_call", Reason: err.Error()}
	}
	if c.ToolName == "" {
		return nil, &ValidationError{Field: "tool_name", Reason: "required"}
	}
	if c.Arguments == nil {
		c.Arguments = map[string]any{}
	}
	return &c, nil
}

// DecodeToolResult parses a tool result, requiring an error string on
// failures so a failed result is never silently empty.
func DecodeToolResult(data []byte) (*ToolResult, error) {
	var r ToolResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &ValidationError{Field: "tool_result", Reason: err.Error()}
	}
	if !r.Success && r.Error == "" {
		r.Error = "module reported failure without detail"
	}
	return &r, nil
}

// DecodeNotification parses a bus payload, requiring platform, content
// and a known kind.
func DecodeNotification(data []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, &ValidationError{Field: "notification", Reason: err.Error()}
	}
	if n.Platform == "" {
		return nil, &ValidationError{Field: "platform", Reason: "required"}
	}
	if n.Content == "" {
		return nil, &ValidationError{Field: "content", Reason: "required"}
	}
	switch n.Kind {
	case KindJobSuccess, KindJobFailure, KindTaskStatus:
	default:
		return nil, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", n.Kind)}
	}
	if n.Type == "" {
		n.Type = "notification"
	}
	return &n, nil
}

// DecodeJob parses a durable job record, requiring id, user and a known
// job type, and normalizing the completion mode to notify.
func DecodeJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, &ValidationError{Field: "job", Reason: err.Error()}
	}
	if j.ID == "" {
		return nil, &ValidationError{Field: "id", Reason: "required"}
	}
	if j.UserID == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "required"}
	}
	if !j.Type.Valid() {
		return nil, &ValidationError{Field: "job_type", Reason: fmt.Sprintf("unknown type %q", j.Type)}
	}
	if j.OnComplete == "" {
		j.OnComplete = CompleteNotify
	}
	return &j, nil
}
