package ai

import (
	"context"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"agentrouter/pkg/errors"
	"agentrouter/pkg/logger"
)

// OpenAIInvoker calls any OpenAI-compatible chat completions endpoint.
// It serves openai itself plus deepseek and anthropic through their compatible APIs.
type OpenAIInvoker struct {
	client   openai.Client // NewClient returns Client (not *Client)
	provider ProviderName
	timeout  time.Duration
	// useMaxTokens sends max_tokens instead of max_completion_tokens for endpoints that predate it
	useMaxTokens bool
	log          *logger.Logger
}

// NewOpenAIInvoker creates an invoker. An empty baseURL uses the SDK default.
func NewOpenAIInvoker(provider ProviderName, apiKey, baseURL string, timeout time.Duration) (*OpenAIInvoker, error) {
	if apiKey == "" {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "%s API key is required", provider)
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retries belong to the dispatcher's attempt plan
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &OpenAIInvoker{
		client:       openai.NewClient(opts...),
		provider:     provider,
		timeout:      timeout,
		useMaxTokens: provider != ProviderNameOpenAI,
		log:          logger.Get().With("component", "openai_invoker", "provider", provider),
	}, nil
}

// Invoke sends the prompt as a single user message
func (p *OpenAIInvoker) Invoke(ctx context.Context, req InvokeRequest) (*Completion, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = p.timeout
	}
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Prompt),
		},
	}
	if req.MaxOutputTokens > 0 {
		if p.useMaxTokens {
			params.MaxTokens = openai.Int(int64(req.MaxOutputTokens))
		} else {
			params.MaxCompletionTokens = openai.Int(int64(req.MaxOutputTokens))
		}
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, Classify(p.provider.String(), req.Model, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, &ProviderError{
			Provider: p.provider.String(),
			Model:    req.Model,
			Kind:     KindEmpty,
			Err:      errors.Wrap(errors.ErrInternal, "no completion returned"),
		}
	}

	p.log.Debugw("Completion received",
		"model", req.Model,
		"tokens_in", resp.Usage.PromptTokens,
		"tokens_out", resp.Usage.CompletionTokens,
	)

	return &Completion{
		Text:      resp.Choices[0].Message.Content,
		TokensIn:  int(resp.Usage.PromptTokens),
		TokensOut: int(resp.Usage.CompletionTokens),
		Model:     req.Model,
		Provider:  p.provider.String(),
	}, nil
}
