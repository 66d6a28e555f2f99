package clients

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
)

// Provider names accepted by New.
const (
	ProviderGoogle    = "google"
	ProviderAnthropic = "anthropic"
)

// GoogleAI returns a Gemini model.
func GoogleAI(ctx context.Context, apiKey, model string) (*googleai.GoogleAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GOOGLE_API_KEY is not set")
	}
	// See https://ai.google.dev/gemini-api/docs/models/gemini for possible models
	llm, err := googleai.New(ctx, googleai.WithAPIKey(apiKey), googleai.WithDefaultModel(model))
	if err != nil {
		return nil, fmt.Errorf("failed to init Google AI model %s: %w", model, err)
	}
	return llm, nil
}

// AnthropicAI returns a Claude model.
func AnthropicAI(apiKey, model string) (*anthropic.LLM, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}
	llm, err := anthropic.New(anthropic.WithToken(apiKey), anthropic.WithModel(model))
	if err != nil {
		return nil, fmt.Errorf("failed to init Anthropic model %s: %w", model, err)
	}
	return llm, nil
}

// New returns the named provider's model.
func New(ctx context.Context, provider, apiKey, model string) (llms.Model, error) {
	switch provider {
	case ProviderGoogle, "":
		llm, err := GoogleAI(ctx, apiKey, model)
		if err != nil {
			return nil, err
		}
		return llm, nil
	case ProviderAnthropic:
		llm, err := AnthropicAI(apiKey, model)
		if err != nil {
			return nil, err
		}
		return llm, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}
}
