package testsupport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agentrouter/internal/adapters/ai"
)

// Step is one scripted reply for a model. A zero Step answers with Text "ok".
type Step struct {
	Text      string
	TokensIn  int
	TokensOut int
	Err       error
	// Delay is slept before replying; the call returns ctx.Err() if the context ends first
	Delay time.Duration
	// Block waits for the context to end
	Block bool
}

// ScriptedInvoker replays per-model scripts. Once a script runs out its last step repeats.
// Models without a script answer "ok".
type ScriptedInvoker struct {
	mu      sync.Mutex
	scripts map[string][]Step
	pos     map[string]int
	calls   []ai.InvokeRequest
	reply   func(req ai.InvokeRequest) (Step, bool)
}

// NewScriptedInvoker creates an invoker without scripts
func NewScriptedInvoker() *ScriptedInvoker {
	return &ScriptedInvoker{
		scripts: make(map[string][]Step),
		pos:     make(map[string]int),
	}
}

// Script sets the replies for a model
func (s *ScriptedInvoker) Script(modelID string, steps ...Step) *ScriptedInvoker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[modelID] = steps
	s.pos[modelID] = 0
	return s
}

// ReplyWith installs a hook consulted before scripts. Returning false falls through.
func (s *ScriptedInvoker) ReplyWith(fn func(req ai.InvokeRequest) (Step, bool)) *ScriptedInvoker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = fn
	return s
}

// Invoke implements ai.Invoker
func (s *ScriptedInvoker) Invoke(ctx context.Context, req ai.InvokeRequest) (*ai.Completion, error) {
	step := s.next(req)

	switch {
	case step.Block:
		<-ctx.Done()
		return nil, ctx.Err()
	case step.Delay > 0:
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if step.Err != nil {
		return nil, step.Err
	}

	text := step.Text
	if text == "" {
		text = "ok"
	}
	in := step.TokensIn
	if in == 0 {
		in = ai.EstimateTokens(req.Prompt)
	}
	out := step.TokensOut
	if out == 0 {
		out = ai.EstimateTokens(text)
	}
	return &ai.Completion{
		Text:      text,
		TokensIn:  in,
		TokensOut: out,
		Model:     req.Model,
		Provider:  req.Provider,
	}, nil
}

func (s *ScriptedInvoker) next(req ai.InvokeRequest) Step {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, req)
	if s.reply != nil {
		if step, ok := s.reply(req); ok {
			return step
		}
	}

	script := s.scripts[req.Model]
	if len(script) == 0 {
		return Step{}
	}
	i := s.pos[req.Model]
	if i >= len(script) {
		return script[len(script)-1]
	}
	s.pos[req.Model] = i + 1
	return script[i]
}

// Calls returns every request seen, in order
func (s *ScriptedInvoker) Calls() []ai.InvokeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ai.InvokeRequest, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsFor counts requests made to one model
func (s *ScriptedInvoker) CallsFor(modelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Model == modelID {
			n++
		}
	}
	return n
}

// Errorf builds a provider error with an HTTP status, classified the way real backends are
func Errorf(provider, model string, status int, format string, args ...interface{}) error {
	return ai.NewProviderError(provider, model, status, fmt.Errorf(format, args...))
}
