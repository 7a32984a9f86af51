package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func TestAnthropicAdapter_TextCompletion(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "Hello there."},
			},
			StopReason: sdk.StopReasonEndTurn,
			Usage:      sdk.Usage{InputTokens: 12, OutputTokens: 5},
		},
	}
	adapter := NewAnthropicAdapter("key", "", WithMessagesClient(stub))

	resp, err := adapter.Complete(context.Background(), &Request{
		Model:     "claude-sonnet-4-5",
		System:    "You are terse.",
		Messages:  []Message{{Role: RoleUser, Content: "hi"}},
		MaxTokens: 256,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Hello there." {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.StopReason != StopEndTurn {
		t.Errorf("stop reason = %q, want end_turn", resp.StopReason)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 5 {
		t.Errorf("usage = %d/%d, want 12/5", resp.InputTokens, resp.OutputTokens)
	}

	if got := string(stub.lastParams.Model); got != "claude-sonnet-4-5" {
		t.Errorf("model sent = %q", got)
	}
	if stub.lastParams.MaxTokens != 256 {
		t.Errorf("max tokens sent = %d, want 256", stub.lastParams.MaxTokens)
	}
	if len(stub.lastParams.System) != 1 || stub.lastParams.System[0].Text != "You are terse." {
		t.Errorf("system sent = %+v", stub.lastParams.System)
	}
	if len(stub.lastParams.Messages) != 1 {
		t.Fatalf("messages sent = %d, want 1", len(stub.lastParams.Messages))
	}
}

func TestAnthropicAdapter_ToolUseResponse(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "Checking."},
				{Type: "tool_use", ID: "toolu_01", Name: "weather.current", Input: json.RawMessage(`{"city":"Oslo"}`)},
			},
			StopReason: sdk.StopReasonToolUse,
			Usage:      sdk.Usage{InputTokens: 40, OutputTokens: 18},
		},
	}
	adapter := NewAnthropicAdapter("key", "", WithMessagesClient(stub))

	resp, err := adapter.Complete(context.Background(), &Request{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: RoleUser, Content: "weather in oslo?"}},
		Tools: []Tool{{
			Name:        "weather.current",
			Description: "Current weather",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"city": map[string]any{"type": "string"}},
				"required":   []any{"city"},
			},
		}},
		MaxTokens: 256,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StopReason != StopToolUse {
		t.Errorf("stop reason = %q, want tool_use", resp.StopReason)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "toolu_01" || tc.Name != "weather.current" {
		t.Errorf("tool call = %+v", tc)
	}
	var args map[string]string
	if err := json.Unmarshal(tc.Arguments, &args); err != nil || args["city"] != "Oslo" {
		t.Errorf("arguments = %s", tc.Arguments)
	}
	if len(stub.lastParams.Tools) != 1 {
		t.Fatalf("tools sent = %d, want 1", len(stub.lastParams.Tools))
	}
}

func TestAnthropicAdapter_ToolResultRoundTrip(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "It is 4C."}},
			StopReason: sdk.StopReasonEndTurn,
		},
	}
	adapter := NewAnthropicAdapter("key", "", WithMessagesClient(stub))

	_, err := adapter.Complete(context.Background(), &Request{
		Model: "claude-sonnet-4-5",
		Messages: []Message{
			{Role: RoleUser, Content: "weather in oslo?"},
			{Role: RoleAssistant, ToolCalls: []ToolUse{
				{ID: "toolu_01", Name: "weather.current", Arguments: []byte(`{"city":"Oslo"}`)},
			}},
			{Role: RoleTool, ToolCallID: "toolu_01", Content: `{"temp_c":4}`},
		},
		MaxTokens: 256,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// user, assistant tool_use, user tool_result
	if len(stub.lastParams.Messages) != 3 {
		t.Fatalf("messages sent = %d, want 3", len(stub.lastParams.Messages))
	}
}

func TestAnthropicAdapter_ErrorWrapping(t *testing.T) {
	stub := &stubMessagesClient{err: errors.New("overloaded_error: Overloaded")}
	adapter := NewAnthropicAdapter("key", "", WithMessagesClient(stub))

	_, err := adapter.Complete(context.Background(), &Request{
		Model:     "claude-sonnet-4-5",
		Messages:  []Message{{Role: RoleUser, Content: "hi"}},
		MaxTokens: 16,
	})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want ProviderError", err)
	}
	if pe.Provider != "anthropic" || pe.Reason != ReasonServerError {
		t.Errorf("provider error = %+v", pe)
	}
	if !IsTransient(err) {
		t.Error("overloaded should be transient")
	}
}

func httpResponseWithHeader(key, value string) *http.Response {
	h := http.Header{}
	h.Set(key, value)
	return &http.Response{Header: h}
}

func TestRetryAfterFromResponse(t *testing.T) {
	if got := retryAfterFromResponse(nil); got != 0 {
		t.Errorf("nil response = %v, want 0", got)
	}
	if got := retryAfterFromResponse(httpResponseWithHeader("Retry-After", "3")); got != 3*time.Second {
		t.Errorf("seconds header = %v, want 3s", got)
	}
	if got := retryAfterFromResponse(httpResponseWithHeader("Retry-After", "garbage")); got != 0 {
		t.Errorf("garbage header = %v, want 0", got)
	}
}
