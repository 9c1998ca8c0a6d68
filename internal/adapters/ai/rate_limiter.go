package ai

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"agentrouter/pkg/errors"
)

// RateLimitedInvoker delays calls so a provider's request rate stays under its quota
type RateLimitedInvoker struct {
	inner    Invoker
	limiter  *rate.Limiter
	provider ProviderName
}

// NewRateLimitedInvoker wraps inner with a token bucket.
// reqPerMinute: maximum requests per minute; burst defaults to 10% of it.
func NewRateLimitedInvoker(inner Invoker, provider ProviderName, reqPerMinute float64, burst int) *RateLimitedInvoker {
	if burst <= 0 {
		burst = int(reqPerMinute / 10)
		if burst < 1 {
			burst = 1
		}
	}
	return &RateLimitedInvoker{
		inner:    inner,
		limiter:  rate.NewLimiter(rate.Limit(reqPerMinute/60.0), burst),
		provider: provider,
	}
}

// Invoke waits for a token and calls the wrapped invoker.
// A wait that cannot finish before the context deadline is a transient rate limit failure.
func (r *RateLimitedInvoker) Invoke(ctx context.Context, req InvokeRequest) (*Completion, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, &RateLimitError{Provider: r.provider, Limit: r.Limit(), Err: errors.Wrap(errors.ErrRateLimitExceeded, err.Error())}
	}
	return r.inner.Invoke(ctx, req)
}

// Limit returns the configured rate in requests per minute
func (r *RateLimitedInvoker) Limit() float64 {
	return float64(r.limiter.Limit()) * 60.0
}

// RateLimitError wraps rate limit related errors with provider context.
type RateLimitError struct {
	Provider ProviderName
	Limit    float64
	Err      error
}

// Error implements error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit error for provider %s (limit: %.0f req/min): %v", e.Provider, e.Limit, e.Err)
}

// Unwrap returns the underlying error.
func (e *RateLimitError) Unwrap() error {
	return e.Err
}
