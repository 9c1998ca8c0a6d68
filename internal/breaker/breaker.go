package breaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"agentrouter/internal/domain/model_profile"
	"agentrouter/internal/metrics"
	"agentrouter/pkg/errors"
	"agentrouter/pkg/logger"
)

// Default breaker settings
const (
	defaultThreshold uint32        = 5
	defaultWindow    time.Duration = 60 * time.Second
	defaultCooldown  time.Duration = 30 * time.Second
)

// Config configures every breaker in a Set
type Config struct {
	// Threshold is the number of consecutive failures that opens a breaker
	Threshold uint32
	// Window is the cyclic period of the closed state for clearing failure counts
	Window time.Duration
	// Cooldown is how long a breaker stays open before letting one probe through
	Cooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threshold == 0 {
		c.Threshold = defaultThreshold
	}
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}
	return c
}

// State mirrors the gobreaker states under stable names
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half-open"
	StateOpen     State = "open"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// ignoredError marks failures that must not count against a backend
type ignoredError struct {
	err error
}

func (e *ignoredError) Error() string { return e.err.Error() }
func (e *ignoredError) Unwrap() error { return e.err }

// Ignore wraps err so the breaker counts it neither as a failure nor as a success.
// Used for caller cancellation, which says nothing about backend health.
func Ignore(err error) error {
	if err == nil {
		return nil
	}
	return &ignoredError{err: err}
}

func isIgnored(err error) bool {
	var ig *ignoredError
	return errors.As(err, &ig)
}

// Set holds one circuit breaker per backend. Breakers are created lazily on first use;
// a backend without a breaker is closed.
type Set[T any] struct {
	cfg      Config
	breakers sync.Map // model_profile.Backend -> *gobreaker.CircuitBreaker[T]
	log      *logger.Logger
}

// NewSet creates an empty breaker set
func NewSet[T any](cfg Config, log *logger.Logger) *Set[T] {
	if log == nil {
		log = logger.Get()
	}
	return &Set[T]{
		cfg: cfg.withDefaults(),
		log: log.With("component", "circuit_breaker"),
	}
}

func (s *Set[T]) breakerFor(b model_profile.Backend) *gobreaker.CircuitBreaker[T] {
	if cb, ok := s.breakers.Load(b); ok {
		return cb.(*gobreaker.CircuitBreaker[T])
	}

	threshold := s.cfg.Threshold
	backend := b.String()
	cb := gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        backend,
		MaxRequests: 1, // one probe in half-open
		Interval:    s.cfg.Window,
		Timeout:     s.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warnw("Circuit breaker state change",
				"backend", name,
				"from", from.String(),
				"to", to.String(),
			)
			metrics.RecordBreakerTransition(name, fromGobreaker(from).String(), fromGobreaker(to).String())
		},
		// Ignored errors neither succeed nor fail: a cancelled half-open probe leaves the
		// breaker half-open and a cancellation does not reset ConsecutiveFailures
		IsExcluded: isIgnored,
	})

	actual, _ := s.breakers.LoadOrStore(b, cb)
	return actual.(*gobreaker.CircuitBreaker[T])
}

// Execute runs fn through the backend's breaker. When the breaker rejects the call
// the error wraps ErrCircuitBreakerTripped and fn is not invoked.
func (s *Set[T]) Execute(ctx context.Context, b model_profile.Backend, fn func(ctx context.Context) (T, error)) (T, error) {
	res, err := s.breakerFor(b).Execute(func() (T, error) {
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			var zero T
			return zero, errors.Wrapf(errors.ErrCircuitBreakerTripped, "backend %s: %v", b, err)
		}
		return res, err
	}
	return res, nil
}

// State returns the backend's current state. An open breaker whose cooldown elapsed
// reports half-open.
func (s *Set[T]) State(b model_profile.Backend) State {
	cb, ok := s.breakers.Load(b)
	if !ok {
		return StateClosed
	}
	return fromGobreaker(cb.(*gobreaker.CircuitBreaker[T]).State())
}

// IsOpen reports whether calls to the backend are currently rejected outright
func (s *Set[T]) IsOpen(b model_profile.Backend) bool {
	return s.State(b) == StateOpen
}

// Snapshot lists the state of every backend that has a breaker
func (s *Set[T]) Snapshot() []BackendState {
	var out []BackendState
	s.breakers.Range(func(key, value any) bool {
		cb := value.(*gobreaker.CircuitBreaker[T])
		out = append(out, BackendState{
			Backend:             key.(model_profile.Backend),
			State:               fromGobreaker(cb.State()),
			ConsecutiveFailures: cb.Counts().ConsecutiveFailures,
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Backend.String() < out[j].Backend.String() })
	return out
}

// OpenCount returns how many breakers are open
func (s *Set[T]) OpenCount() int {
	n := 0
	for _, st := range s.Snapshot() {
		if st.State == StateOpen {
			n++
		}
	}
	return n
}

// BackendState is a point-in-time breaker view for health and metrics
type BackendState struct {
	Backend             model_profile.Backend `json:"backend"`
	State               State                 `json:"state"`
	ConsecutiveFailures uint32                `json:"consecutive_failures"`
}

func (s State) String() string {
	return string(s)
}
