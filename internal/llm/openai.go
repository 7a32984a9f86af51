package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// ChatClient is the slice of the OpenAI SDK the adapter calls. The
// concrete implementation is *openai.Client.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIAdapter completes requests against the OpenAI chat completions API.
type OpenAIAdapter struct {
	client   ChatClient
	patterns []string
}

// OpenAIOption configures an OpenAIAdapter.
type OpenAIOption func(*OpenAIAdapter)

// WithChatClient overrides the SDK client, primarily for tests.
func WithChatClient(c ChatClient) OpenAIOption {
	return func(a *OpenAIAdapter) { a.client = c }
}

// WithOpenAIPatterns overrides the model glob patterns the adapter claims.
func WithOpenAIPatterns(patterns []string) OpenAIOption {
	return func(a *OpenAIAdapter) { a.patterns = patterns }
}

// NewOpenAIAdapter builds an adapter from an API key. baseURL is optional
// and supports OpenAI-compatible endpoints.
func NewOpenAIAdapter(apiKey, baseURL string, opts ...OpenAIOption) *OpenAIAdapter {
	var client *openai.Client
	if baseURL != "" {
		cfg := openai.DefaultConfig(apiKey)
		cfg.BaseURL = baseURL
		client = openai.NewClientWithConfig(cfg)
	} else {
		client = openai.NewClient(apiKey)
	}
	a := &OpenAIAdapter{
		client:   client,
		patterns: []string{"gpt-*", "o1-*", "o3-*"},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *OpenAIAdapter) Name() string { return "openai" }

func (a *OpenAIAdapter) Patterns() []string { return a.patterns }

// Complete sends a chat completion request and translates the response
// into the canonical form.
func (a *OpenAIAdapter) Complete(ctx context.Context, req *Request) (*Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: a.encodeMessages(req),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = a.encodeTools(req.Tools)
	}

	resp, err := a.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, a.wrapError(req.Model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, NewProviderError(ReasonServerError, a.Name(), req.Model, errors.New("response has no choices"))
	}
	return a.decodeResponse(req.Model, resp), nil
}

// encodeMessages converts the canonical transcript. The system prompt
// rides as the first message; every tool result becomes its own
// role-tool message linked by ToolCallID.
func (a *OpenAIAdapter) encodeMessages(req *Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser, RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    string(m.Role),
				Content: m.Content,
			})
		case RoleAssistant:
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.Content,
			}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, msg)
		case RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		}
	}
	return out
}

func (a *OpenAIAdapter) encodeTools(tools []Tool) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}

func (a *OpenAIAdapter) decodeResponse(model string, resp openai.ChatCompletionResponse) *Response {
	choice := resp.Choices[0]
	out := &Response{
		Model:        model,
		Provider:     a.Name(),
		Content:      choice.Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolUse{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: []byte(tc.Function.Arguments),
		})
	}
	switch choice.FinishReason {
	case openai.FinishReasonLength:
		out.StopReason = StopMaxTokens
	case openai.FinishReasonToolCalls:
		out.StopReason = StopToolUse
	default:
		out.StopReason = StopEndTurn
	}
	return out
}

func (a *OpenAIAdapter) wrapError(model string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		reason := classifyStatusCode(apiErr.HTTPStatusCode)
		return NewProviderError(reason, a.Name(), model, err).
			WithStatus(apiErr.HTTPStatusCode).
			WithMessage(apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		reason := classifyStatusCode(reqErr.HTTPStatusCode)
		return NewProviderError(reason, a.Name(), model, err).WithStatus(reqErr.HTTPStatusCode)
	}
	return NewProviderError(ClassifyError(err), a.Name(), model, fmt.Errorf("chat completion: %w", err))
}
