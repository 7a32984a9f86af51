package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/loomworks/loom/internal/config"
)

// BuildAdapters constructs one adapter per configured provider. Provider
// names are matched case-insensitively; an unknown name is an error so a
// typo in loom.yaml fails at startup rather than at request time.
func BuildAdapters(ctx context.Context, cfg config.LLMConfig) ([]Adapter, error) {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	adapters := make([]Adapter, 0, len(names))
	for _, name := range names {
		pc := cfg.Providers[name]
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "anthropic":
			if pc.APIKey == "" {
				return nil, errors.New("anthropic api key is required")
			}
			var opts []AnthropicOption
			if len(pc.Models) > 0 {
				opts = append(opts, WithAnthropicPatterns(pc.Models))
			}
			adapters = append(adapters, NewAnthropicAdapter(pc.APIKey, pc.BaseURL, opts...))
		case "openai":
			if pc.APIKey == "" {
				return nil, errors.New("openai api key is required")
			}
			var opts []OpenAIOption
			if len(pc.Models) > 0 {
				opts = append(opts, WithOpenAIPatterns(pc.Models))
			}
			adapters = append(adapters, NewOpenAIAdapter(pc.APIKey, pc.BaseURL, opts...))
		case "google", "gemini":
			if pc.APIKey == "" {
				return nil, errors.New("google api key is required")
			}
			var opts []GoogleOption
			if len(pc.Models) > 0 {
				opts = append(opts, WithGooglePatterns(pc.Models))
			}
			adapter, err := NewGoogleAdapter(ctx, pc.APIKey, opts...)
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, adapter)
		case "bedrock":
			var opts []BedrockOption
			if len(pc.Models) > 0 {
				opts = append(opts, WithBedrockPatterns(pc.Models))
			}
			adapter, err := NewBedrockAdapter(ctx, pc.Region, opts...)
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, adapter)
		default:
			return nil, fmt.Errorf("unsupported provider %q", name)
		}
	}
	return adapters, nil
}
