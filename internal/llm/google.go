package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GenerateClient is the slice of the Gemini SDK the adapter calls. The
// concrete implementation is client.Models.
type GenerateClient interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GoogleAdapter completes requests against the Gemini API.
type GoogleAdapter struct {
	client   GenerateClient
	patterns []string
	now      func() time.Time
}

// GoogleOption configures a GoogleAdapter.
type GoogleOption func(*GoogleAdapter)

// WithGenerateClient overrides the SDK client, primarily for tests.
func WithGenerateClient(c GenerateClient) GoogleOption {
	return func(a *GoogleAdapter) { a.client = c }
}

// WithGooglePatterns overrides the model glob patterns the adapter claims.
func WithGooglePatterns(patterns []string) GoogleOption {
	return func(a *GoogleAdapter) { a.patterns = patterns }
}

// NewGoogleAdapter builds an adapter from an API key.
func NewGoogleAdapter(ctx context.Context, apiKey string, opts ...GoogleOption) (*GoogleAdapter, error) {
	a := &GoogleAdapter{
		patterns: []string{"gemini-*"},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.client == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("google client: %w", err)
		}
		a.client = client.Models
	}
	return a, nil
}

func (a *GoogleAdapter) Name() string { return "google" }

func (a *GoogleAdapter) Patterns() []string { return a.patterns }

// Complete sends a generate-content request and translates the response
// into the canonical form.
func (a *GoogleAdapter) Complete(ctx context.Context, req *Request) (*Response, error) {
	contents, err := a.encodeMessages(req.Messages)
	if err != nil {
		return nil, NewProviderError(ReasonInvalidRequest, a.Name(), req.Model, err)
	}
	config := a.buildConfig(req)

	resp, err := a.client.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, a.wrapError(req.Model, err)
	}
	return a.decodeResponse(req.Model, resp)
}

// encodeMessages converts the canonical transcript. Assistant turns map
// to the model role; tool results ride as function responses on the user
// side, keyed by tool name since Gemini has no call IDs.
func (a *GoogleAdapter) encodeMessages(messages []Message) ([]*genai.Content, error) {
	var out []*genai.Content
	for _, m := range messages {
		content := &genai.Content{}
		switch m.Role {
		case RoleAssistant:
			content.Role = genai.RoleModel
		case RoleUser, RoleTool, RoleSystem:
			content.Role = genai.RoleUser
		default:
			return nil, fmt.Errorf("unsupported role %q", m.Role)
		}

		if m.Role == RoleTool {
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"result": m.Content, "error": m.IsError}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     a.toolNameFor(m),
					Response: response,
				},
			})
		} else if m.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
		}

		for _, tc := range m.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Arguments, &args); err != nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}

		if len(content.Parts) > 0 {
			out = append(out, content)
		}
	}
	return out, nil
}

func (a *GoogleAdapter) toolNameFor(m Message) string {
	if m.ToolName != "" {
		return m.ToolName
	}
	// IDs we mint look like call_<name>_<nanos>.
	parts := strings.Split(m.ToolCallID, "_")
	if len(parts) >= 3 {
		return strings.Join(parts[1:len(parts)-1], "_")
	}
	return m.ToolCallID
}

func (a *GoogleAdapter) buildConfig(req *Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if len(req.Tools) > 0 {
		declarations := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			declarations = append(declarations, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toGeminiSchema(t.InputSchema),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: declarations}}
	}
	return config
}

func (a *GoogleAdapter) decodeResponse(model string, resp *genai.GenerateContentResponse) (*Response, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, NewProviderError(ReasonServerError, a.Name(), model, errors.New("response has no candidates"))
	}
	candidate := resp.Candidates[0]
	out := &Response{Model: model, Provider: a.Name()}
	for _, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			out.Content += part.Text
		}
		if part.FunctionCall != nil {
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				args = []byte("{}")
			}
			out.ToolCalls = append(out.ToolCalls, ToolUse{
				ID:        fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, a.now().UnixNano()),
				Name:      part.FunctionCall.Name,
				Arguments: args,
			})
		}
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	switch {
	case len(out.ToolCalls) > 0:
		out.StopReason = StopToolUse
	case candidate.FinishReason == genai.FinishReasonMaxTokens:
		out.StopReason = StopMaxTokens
	default:
		out.StopReason = StopEndTurn
	}
	return out, nil
}

func (a *GoogleAdapter) wrapError(model string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		reason := classifyStatusCode(apiErr.Code)
		return NewProviderError(reason, a.Name(), model, err).WithStatus(apiErr.Code)
	}
	return NewProviderError(ClassifyError(err), a.Name(), model, err)
}

// toGeminiSchema converts a JSON Schema map into the SDK's typed schema.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}
