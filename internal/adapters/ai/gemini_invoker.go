package ai

import (
	"context"
	"strings"
	"time"

	"google.golang.org/genai"

	"agentrouter/pkg/errors"
	"agentrouter/pkg/logger"
)

// GeminiInvoker calls Google Gemini models through the genai SDK
type GeminiInvoker struct {
	client  *genai.Client
	timeout time.Duration
	log     *logger.Logger
}

// NewGeminiInvoker creates a Gemini API invoker
func NewGeminiInvoker(ctx context.Context, apiKey string, timeout time.Duration) (*GeminiInvoker, error) {
	if apiKey == "" {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "gemini API key is required")
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create genai client")
	}

	return &GeminiInvoker{
		client:  client,
		timeout: timeout,
		log:     logger.Get().With("component", "gemini_invoker"),
	}, nil
}

// Invoke generates content for the prompt
func (g *GeminiInvoker) Invoke(ctx context.Context, req InvokeRequest) (*Completion, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = g.timeout
	}
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	var cfg *genai.GenerateContentConfig
	if req.MaxOutputTokens > 0 {
		cfg = &genai.GenerateContentConfig{MaxOutputTokens: int32(req.MaxOutputTokens)}
	}

	resp, err := g.client.Models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return nil, Classify(ProviderNameGoogle.String(), req.Model, err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return nil, &ProviderError{
			Provider: ProviderNameGoogle.String(),
			Model:    req.Model,
			Kind:     KindEmpty,
			Err:      errors.Wrap(errors.ErrInternal, "no content returned"),
		}
	}

	out := &Completion{Text: text, Model: req.Model, Provider: ProviderNameGoogle.String()}
	if resp.UsageMetadata != nil {
		out.TokensIn = int(resp.UsageMetadata.PromptTokenCount)
		out.TokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	g.log.Debugw("Content generated", "model", req.Model, "tokens_in", out.TokensIn, "tokens_out", out.TokensOut)
	return out, nil
}
