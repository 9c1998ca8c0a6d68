package ai

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrouter/internal/adapters/config"
	"agentrouter/pkg/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      string
		transient bool
	}{
		{name: "deadline", err: context.DeadlineExceeded, kind: KindTimeout, transient: true},
		{name: "rate limited", err: errors.Wrap(errors.ErrRateLimitExceeded, "slow down"), kind: KindRateLimit, transient: true},
		{name: "unknown", err: errors.New("boom"), kind: KindUnknown, transient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify("openai", "m1", tt.err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.Equal(t, tt.transient, IsTransient(err))
			assert.Equal(t, !tt.transient, errors.Is(err, errors.ErrProvider))
			assert.ErrorIs(t, err, tt.err, "cause stays reachable")
		})
	}
}

func TestClassify_CancelledPassesThrough(t *testing.T) {
	err := Classify("openai", "m1", context.Canceled)
	assert.Equal(t, context.Canceled, err)
	assert.Equal(t, KindCancelled, KindOf(err))
	assert.False(t, IsTransient(err))
}

func TestNewProviderError_StatusCodes(t *testing.T) {
	tests := []struct {
		status    int
		kind      string
		transient bool
	}{
		{http.StatusTooManyRequests, KindRateLimit, true},
		{http.StatusBadGateway, KindServer, true},
		{http.StatusGatewayTimeout, KindTimeout, true},
		{http.StatusUnauthorized, KindAuth, false},
		{http.StatusBadRequest, KindClient, false},
	}
	for _, tt := range tests {
		err := NewProviderError("deepseek", "m2", tt.status, errors.New("status"))
		assert.Equal(t, tt.kind, err.Kind, "status %d", tt.status)
		assert.Equal(t, tt.transient, IsTransient(err), "status %d", tt.status)
	}
}

func TestRegistry_RoutesByProvider(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(ProviderNameOpenAI, InvokerFunc(func(_ context.Context, req InvokeRequest) (*Completion, error) {
		return &Completion{Text: "hi " + req.Model, Provider: req.Provider}, nil
	})))
	require.Error(t, reg.Register(ProviderNameOpenAI, InvokerFunc(nil)))

	out, err := reg.Invoke(context.Background(), InvokeRequest{Model: "m1", Provider: "openai"})
	require.NoError(t, err)
	assert.Equal(t, "hi m1", out.Text)

	_, err = reg.Invoke(context.Background(), InvokeRequest{Model: "m1", Provider: "google"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProvider))
	assert.False(t, IsTransient(err))
	assert.Equal(t, []string{"openai"}, reg.Providers())
}

func TestRateLimitedInvoker(t *testing.T) {
	calls := 0
	inner := InvokerFunc(func(context.Context, InvokeRequest) (*Completion, error) {
		calls++
		return &Completion{Text: "ok"}, nil
	})
	// 6 req/min with a burst of one: the second call would wait ten seconds
	limited := NewRateLimitedInvoker(inner, ProviderNameOpenAI, 6, 1)
	assert.InDelta(t, 6.0, limited.Limit(), 1e-9)

	_, err := limited.Invoke(context.Background(), InvokeRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = limited.Invoke(ctx, InvokeRequest{Model: "m1", Provider: "openai"})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	classified := Classify("openai", "m1", err)
	assert.True(t, IsTransient(classified))
	assert.Equal(t, KindRateLimit, KindOf(classified))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcdefgh"))
	assert.Equal(t, 1, EstimateTokens("日本"))
}

func TestBuildRegistry_NoKeys(t *testing.T) {
	_, err := BuildRegistry(context.Background(), config.AIConfig{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnavailable))
}

func TestBuildRegistry_OpenAICompatible(t *testing.T) {
	reg, err := BuildRegistry(context.Background(), config.AIConfig{
		OpenAIKey:   "sk-test",
		DeepSeekKey: "ds-test",
		RateLimits:  "openai:60",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"deepseek", "openai"}, reg.Providers())

	inv, err := reg.Get("openai")
	require.NoError(t, err)
	_, limited := inv.(*RateLimitedInvoker)
	assert.True(t, limited)
}
