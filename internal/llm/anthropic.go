package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// MessagesClient is the narrow slice of the Anthropic SDK used by the
// adapter. The concrete implementation is client.Messages; tests supply
// a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicAdapter completes requests against the Anthropic Messages API.
type AnthropicAdapter struct {
	client   MessagesClient
	patterns []string
}

// AnthropicOption configures an AnthropicAdapter.
type AnthropicOption func(*AnthropicAdapter)

// WithMessagesClient overrides the SDK client, primarily for tests.
func WithMessagesClient(c MessagesClient) AnthropicOption {
	return func(a *AnthropicAdapter) { a.client = c }
}

// WithAnthropicPatterns overrides the model glob patterns the adapter claims.
func WithAnthropicPatterns(patterns []string) AnthropicOption {
	return func(a *AnthropicAdapter) { a.patterns = patterns }
}

// NewAnthropicAdapter builds an adapter from an API key. baseURL is
// optional and overrides the default API endpoint.
func NewAnthropicAdapter(apiKey, baseURL string, opts ...AnthropicOption) *AnthropicAdapter {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	client := sdk.NewClient(reqOpts...)
	a := &AnthropicAdapter{
		client:   &client.Messages,
		patterns: []string{"claude-*"},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

func (a *AnthropicAdapter) Patterns() []string { return a.patterns }

// Complete sends a non-streaming messages request and translates the
// response into the canonical form.
func (a *AnthropicAdapter) Complete(ctx context.Context, req *Request) (*Response, error) {
	params, err := a.encodeRequest(req)
	if err != nil {
		return nil, NewProviderError(ReasonInvalidRequest, a.Name(), req.Model, err).
			WithMessage("encode request")
	}
	msg, err := a.client.New(ctx, params)
	if err != nil {
		return nil, a.wrapError(req.Model, err)
	}
	return a.decodeResponse(req.Model, msg)
}

func (a *AnthropicAdapter) encodeRequest(req *Request) (sdk.MessageNewParams, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case RoleTool:
			params.Messages = append(params.Messages,
				sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError)))
		case RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &input); err != nil {
						return sdk.MessageNewParams{}, fmt.Errorf("tool call %s arguments: %w", tc.ID, err)
					}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(blocks...))
		case RoleSystem:
			// System turns ride the dedicated field; a stray one in the
			// transcript is folded into the user stream.
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		default:
			return sdk.MessageNewParams{}, fmt.Errorf("unsupported role %q", m.Role)
		}
	}
	for _, t := range req.Tools {
		schema := sdk.ToolInputSchemaParam{ExtraFields: map[string]any{}}
		for k, v := range t.InputSchema {
			if k == "type" {
				continue
			}
			schema.ExtraFields[k] = v
		}
		union := sdk.ToolUnionParamOfTool(schema, t.Name)
		if union.OfTool != nil && t.Description != "" {
			union.OfTool.Description = sdk.String(t.Description)
		}
		params.Tools = append(params.Tools, union)
	}
	return params, nil
}

func (a *AnthropicAdapter) decodeResponse(model string, msg *sdk.Message) (*Response, error) {
	if msg == nil {
		return nil, NewProviderError(ReasonServerError, a.Name(), model, errors.New("empty response"))
	}
	resp := &Response{
		Model:        model,
		Provider:     a.Name(),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolUse{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: json.RawMessage(block.Input),
			})
		}
	}
	switch string(msg.StopReason) {
	case "max_tokens":
		resp.StopReason = StopMaxTokens
	case "tool_use":
		resp.StopReason = StopToolUse
	default:
		resp.StopReason = StopEndTurn
	}
	return resp, nil
}

// wrapError converts SDK failures into ProviderErrors, pulling the HTTP
// status and Retry-After header out when the SDK exposes them.
func (a *AnthropicAdapter) wrapError(model string, err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		reason := classifyStatusCode(apierr.StatusCode)
		pe := NewProviderError(reason, a.Name(), model, err).WithStatus(apierr.StatusCode)
		if retry := retryAfterFromResponse(apierr.Response); retry > 0 {
			pe = pe.WithRetryAfter(retry)
		}
		return pe
	}
	return NewProviderError(ClassifyError(err), a.Name(), model, err)
}

func retryAfterFromResponse(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
