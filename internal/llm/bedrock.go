package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// ConverseClient is the slice of the Bedrock runtime SDK the adapter
// calls. The concrete implementation is *bedrockruntime.Client.
type ConverseClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockAdapter completes requests against AWS Bedrock via the Converse API.
type BedrockAdapter struct {
	client   ConverseClient
	patterns []string
}

// BedrockOption configures a BedrockAdapter.
type BedrockOption func(*BedrockAdapter)

// WithConverseClient overrides the SDK client, primarily for tests.
func WithConverseClient(c ConverseClient) BedrockOption {
	return func(a *BedrockAdapter) { a.client = c }
}

// WithBedrockPatterns overrides the model glob patterns the adapter claims.
func WithBedrockPatterns(patterns []string) BedrockOption {
	return func(a *BedrockAdapter) { a.patterns = patterns }
}

// NewBedrockAdapter builds an adapter using the default AWS credential
// chain for the given region.
func NewBedrockAdapter(ctx context.Context, region string, opts ...BedrockOption) (*BedrockAdapter, error) {
	if region == "" {
		region = "us-east-1"
	}
	a := &BedrockAdapter{
		patterns: []string{"anthropic.*", "amazon.*", "meta.*", "mistral.*"},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("bedrock aws config: %w", err)
		}
		a.client = bedrockruntime.NewFromConfig(awsCfg)
	}
	return a, nil
}

func (a *BedrockAdapter) Name() string { return "bedrock" }

func (a *BedrockAdapter) Patterns() []string { return a.patterns }

// Complete sends a Converse request and translates the response into the
// canonical form.
func (a *BedrockAdapter) Complete(ctx context.Context, req *Request) (*Response, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(req.Model),
		Messages: a.encodeMessages(req.Messages),
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.System},
		}
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		cfg := &brtypes.InferenceConfiguration{}
		if req.MaxTokens > 0 {
			cfg.MaxTokens = aws.Int32(int32(req.MaxTokens))
		}
		if req.Temperature > 0 {
			cfg.Temperature = aws.Float32(float32(req.Temperature))
		}
		input.InferenceConfig = cfg
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = a.encodeTools(req.Tools)
	}

	output, err := a.client.Converse(ctx, input)
	if err != nil {
		return nil, a.wrapError(req.Model, err)
	}
	return a.decodeResponse(req.Model, output)
}

func (a *BedrockAdapter) encodeMessages(messages []Message) []brtypes.Message {
	out := make([]brtypes.Message, 0, len(messages))
	for _, m := range messages {
		var content []brtypes.ContentBlock
		switch m.Role {
		case RoleTool:
			status := brtypes.ToolResultStatusSuccess
			if m.IsError {
				status = brtypes.ToolResultStatusError
			}
			content = append(content, &brtypes.ContentBlockMemberToolResult{
				Value: brtypes.ToolResultBlock{
					ToolUseId: aws.String(m.ToolCallID),
					Content: []brtypes.ToolResultContentBlock{
						&brtypes.ToolResultContentBlockMemberText{Value: m.Content},
					},
					Status: status,
				},
			})
		default:
			if m.Content != "" {
				content = append(content, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
		}
		for _, tc := range m.ToolCalls {
			var inputDoc any
			if err := json.Unmarshal(tc.Arguments, &inputDoc); err != nil {
				inputDoc = map[string]any{}
			}
			content = append(content, &brtypes.ContentBlockMemberToolUse{
				Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(inputDoc),
				},
			})
		}
		if len(content) == 0 {
			continue
		}
		role := brtypes.ConversationRoleUser
		if m.Role == RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		out = append(out, brtypes.Message{Role: role, Content: content})
	}
	return out
}

func (a *BedrockAdapter) encodeTools(tools []Tool) *brtypes.ToolConfiguration {
	out := make([]brtypes.Tool, len(tools))
	for i, t := range tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		}
	}
	return &brtypes.ToolConfiguration{Tools: out}
}

func (a *BedrockAdapter) decodeResponse(model string, output *bedrockruntime.ConverseOutput) (*Response, error) {
	if output == nil {
		return nil, NewProviderError(ReasonServerError, a.Name(), model, errors.New("empty response"))
	}
	resp := &Response{Model: model, Provider: a.Name()}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				resp.Content += v.Value
			case *brtypes.ContentBlockMemberToolUse:
				resp.ToolCalls = append(resp.ToolCalls, ToolUse{
					ID:        aws.ToString(v.Value.ToolUseId),
					Name:      aws.ToString(v.Value.Name),
					Arguments: decodeDocument(v.Value.Input),
				})
			}
		}
	}
	if usage := output.Usage; usage != nil {
		resp.InputTokens = int(aws.ToInt32(usage.InputTokens))
		resp.OutputTokens = int(aws.ToInt32(usage.OutputTokens))
	}
	switch string(output.StopReason) {
	case "max_tokens":
		resp.StopReason = StopMaxTokens
	case "tool_use":
		resp.StopReason = StopToolUse
	default:
		resp.StopReason = StopEndTurn
	}
	return resp, nil
}

func (a *BedrockAdapter) wrapError(model string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return NewProviderError(ReasonRateLimit, a.Name(), model, err).WithStatus(429)
		case "AccessDeniedException", "UnrecognizedClientException":
			return NewProviderError(ReasonAuth, a.Name(), model, err)
		case "ValidationException":
			return NewProviderError(ReasonInvalidRequest, a.Name(), model, err)
		case "ResourceNotFoundException", "ModelNotReadyException":
			return NewProviderError(ReasonModelUnavailable, a.Name(), model, err)
		case "ServiceUnavailableException", "InternalServerException", "ModelErrorException":
			return NewProviderError(ReasonServerError, a.Name(), model, err)
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		return NewProviderError(classifyStatusCode(status), a.Name(), model, err).WithStatus(status)
	}
	return NewProviderError(ClassifyError(err), a.Name(), model, err)
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return json.RawMessage("{}")
	}
	return json.RawMessage(data)
}
