package ai

import (
	"context"
	"sort"
	"sync"

	"agentrouter/pkg/errors"
)

// Registry routes invocations to the invoker registered for the request's provider
type Registry struct {
	invokers map[string]Invoker
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		invokers: make(map[string]Invoker),
	}
}

// Register adds an invoker for a provider.
func (r *Registry) Register(provider ProviderName, invoker Invoker) error {
	if invoker == nil {
		return errors.Wrapf(errors.ErrInvalidInput, "invoker for %s is nil", provider)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.invokers[provider.String()]; exists {
		return errors.Wrapf(errors.ErrAlreadyExists, "provider %s already registered", provider)
	}

	r.invokers[provider.String()] = invoker
	return nil
}

// Get returns the invoker by provider name.
func (r *Registry) Get(provider string) (Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	invoker, ok := r.invokers[provider]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "provider %s not registered", provider)
	}

	return invoker, nil
}

// Providers returns registered provider names in lexical order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.invokers))
	for name := range r.invokers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke dispatches to the provider's invoker. An unregistered provider is a
// non-transient provider error so the dispatcher moves on to the next candidate.
func (r *Registry) Invoke(ctx context.Context, req InvokeRequest) (*Completion, error) {
	invoker, err := r.Get(req.Provider)
	if err != nil {
		return nil, &ProviderError{Provider: req.Provider, Model: req.Model, Kind: KindClient, Err: err}
	}
	return invoker.Invoke(ctx, req)
}
