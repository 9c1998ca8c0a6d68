package ai

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/openai/openai-go/v3"
	"google.golang.org/genai"

	"agentrouter/pkg/errors"
)

// Error kinds recorded on routing attempts
const (
	KindTimeout   = "timeout"
	KindRateLimit = "rate_limit"
	KindServer    = "server"
	KindNetwork   = "network"
	KindClient    = "client"
	KindAuth      = "auth"
	KindCancelled = "cancelled"
	KindCircuit   = "circuit_open"
	KindBudget    = "budget"
	KindEmpty     = "empty_response"
	KindUnknown   = "unknown"
)

// ProviderError is a classified provider failure. It matches ErrTransientProvider or
// ErrProvider under errors.Is as well as the underlying cause.
type ProviderError struct {
	Provider   string
	Model      string
	Kind       string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s/%s: %s (%d): %v", e.Provider, e.Model, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s: %v", e.Provider, e.Model, e.Kind, e.Err)
}

// Unwrap exposes both the sentinel and the cause
func (e *ProviderError) Unwrap() []error {
	sentinel := errors.ErrProvider
	if e.Transient {
		sentinel = errors.ErrTransientProvider
	}
	return []error{sentinel, e.Err}
}

// NewProviderError builds a classified error from an HTTP status code
func NewProviderError(provider, model string, status int, err error) *ProviderError {
	kind, transient := classifyStatus(status)
	return &ProviderError{Provider: provider, Model: model, Kind: kind, StatusCode: status, Transient: transient, Err: err}
}

// Classify maps a raw invocation error onto a ProviderError.
// Context cancellation is returned unchanged so callers can tell it apart.
func Classify(provider, model string, err error) error {
	if err == nil {
		return nil
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	build := func(kind string, status int, transient bool) error {
		return &ProviderError{Provider: provider, Model: model, Kind: kind, StatusCode: status, Transient: transient, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errors.ErrTimeout) {
		return build(KindTimeout, 0, true)
	}
	if errors.Is(err, errors.ErrRateLimitExceeded) {
		return build(KindRateLimit, http.StatusTooManyRequests, true)
	}

	var oaiErr *openai.Error
	if errors.As(err, &oaiErr) {
		kind, transient := classifyStatus(oaiErr.StatusCode)
		return build(kind, oaiErr.StatusCode, transient)
	}

	var gErr genai.APIError
	if errors.As(err, &gErr) {
		kind, transient := classifyStatus(gErr.Code)
		return build(kind, gErr.Code, transient)
	}
	var gErrPtr *genai.APIError
	if errors.As(err, &gErrPtr) {
		kind, transient := classifyStatus(gErrPtr.Code)
		return build(kind, gErrPtr.Code, transient)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return build(KindTimeout, 0, true)
		}
		return build(KindNetwork, 0, true)
	}

	return build(KindUnknown, 0, false)
}

func classifyStatus(status int) (kind string, transient bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimit, true
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout, true
	case status >= 500:
		return KindServer, true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth, false
	case status >= 400:
		return KindClient, false
	default:
		return KindUnknown, false
	}
}

// IsTransient reports whether err is worth retrying on the same backend
func IsTransient(err error) bool {
	return errors.Is(err, errors.ErrTransientProvider)
}

// KindOf returns the error kind label for logs, metrics and attempt records
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *ProviderError
	switch {
	case errors.As(err, &pe):
		return pe.Kind
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, errors.ErrCircuitBreakerTripped):
		return KindCircuit
	case errors.Is(err, errors.ErrBudgetExceeded):
		return KindBudget
	default:
		return KindUnknown
	}
}
