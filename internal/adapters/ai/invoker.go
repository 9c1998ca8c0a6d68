package ai

import (
	"context"
	"time"
	"unicode/utf8"
)

// ProviderName identifies a provider. Values match the provider field of roster catalog entries.
type ProviderName string

const (
	ProviderNameAnthropic ProviderName = "anthropic"
	ProviderNameOpenAI    ProviderName = "openai"
	ProviderNameGoogle    ProviderName = "google"
	ProviderNameDeepSeek  ProviderName = "deepseek"
)

func (p ProviderName) String() string {
	return string(p)
}

// Invoker calls one model of one provider
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (*Completion, error)
}

// InvokeRequest is a single completion request
type InvokeRequest struct {
	Model           string
	Provider        string
	Prompt          string
	MaxOutputTokens int
	// Timeout bounds the call when the context carries no earlier deadline
	Timeout time.Duration
}

// Completion is a provider response with token usage
type Completion struct {
	Text      string
	TokensIn  int
	TokensOut int
	Model     string
	Provider  string
}

// EstimateTokens approximates the token count of text at four characters per token
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// InvokerFunc adapts a function to Invoker
type InvokerFunc func(ctx context.Context, req InvokeRequest) (*Completion, error)

// Invoke calls f
func (f InvokerFunc) Invoke(ctx context.Context, req InvokeRequest) (*Completion, error) {
	return f(ctx, req)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
