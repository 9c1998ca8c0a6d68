package ai

import (
	"context"

	"agentrouter/internal/adapters/config"
	"agentrouter/pkg/errors"
	"agentrouter/pkg/logger"
)

// BuildRegistry initializes a Registry with every provider that has an API key configured.
// Providers with a rate limit in AI_RATE_LIMITS are wrapped in a RateLimitedInvoker.
func BuildRegistry(ctx context.Context, cfg config.AIConfig) (*Registry, error) {
	registry := NewRegistry()
	log := logger.Get().With("component", "ai_registry")

	register := func(provider ProviderName, invoker Invoker) error {
		if rpm := cfg.GetRateLimit(provider.String()); rpm > 0 {
			invoker = NewRateLimitedInvoker(invoker, provider, rpm, 0)
		}
		log.Infow("Registered AI provider", "provider", provider, "rate_limit_rpm", cfg.GetRateLimit(provider.String()))
		return registry.Register(provider, invoker)
	}

	// Register Claude through the OpenAI-compatible endpoint
	if cfg.ClaudeKey != "" {
		inv, err := NewOpenAIInvoker(ProviderNameAnthropic, cfg.ClaudeKey, cfg.ClaudeBaseURL, cfg.RequestTimeout)
		if err != nil {
			return nil, err
		}
		if err := register(ProviderNameAnthropic, inv); err != nil {
			return nil, err
		}
	}

	// Register OpenAI provider
	if cfg.OpenAIKey != "" {
		inv, err := NewOpenAIInvoker(ProviderNameOpenAI, cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.RequestTimeout)
		if err != nil {
			return nil, err
		}
		if err := register(ProviderNameOpenAI, inv); err != nil {
			return nil, err
		}
	}

	// Register DeepSeek provider
	if cfg.DeepSeekKey != "" {
		inv, err := NewOpenAIInvoker(ProviderNameDeepSeek, cfg.DeepSeekKey, cfg.DeepSeekURL, cfg.RequestTimeout)
		if err != nil {
			return nil, err
		}
		if err := register(ProviderNameDeepSeek, inv); err != nil {
			return nil, err
		}
	}

	// Register Gemini provider
	if cfg.GeminiKey != "" {
		inv, err := NewGeminiInvoker(ctx, cfg.GeminiKey, cfg.RequestTimeout)
		if err != nil {
			return nil, err
		}
		if err := register(ProviderNameGoogle, inv); err != nil {
			return nil, err
		}
	}

	if len(registry.Providers()) == 0 {
		return nil, errors.Wrap(errors.ErrUnavailable, "no AI provider API keys configured")
	}

	return registry, nil
}
