package dispatch

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"agentrouter/internal/adapters/ai"
	"agentrouter/internal/breaker"
	"agentrouter/internal/budget"
	"agentrouter/internal/domain/model_profile"
	"agentrouter/internal/domain/role"
	"agentrouter/internal/domain/routing"
	"agentrouter/internal/metrics"
	"agentrouter/internal/tracing"
	"agentrouter/pkg/errors"
	"agentrouter/pkg/logger"
)

// Stop reasons recorded in the decision rationale
const (
	StopSucceeded     = "succeeded"
	StopExhausted     = "candidates_exhausted"
	StopBudget        = "budget_exceeded"
	StopCancelled     = "cancelled"
	StopConfiguration = "configuration_error"
	StopMaxAttempts   = "max_attempts"
)

// Config tunes the attempt loop
type Config struct {
	AttemptTimeout time.Duration
	// RetriesPerCandidate repeats a candidate after a transient error before failing over.
	// Zero moves straight to the next candidate.
	RetriesPerCandidate int
	MaxAttempts         int
	MaxOutputTokens     int
	// LowConfidencePenalty scales the confidence of decisions made on borrowed or stale profiles
	LowConfidencePenalty float64
}

// DefaultConfig returns the defaults used for zero values
func DefaultConfig() Config {
	return Config{
		AttemptTimeout:       30 * time.Second,
		RetriesPerCandidate:  0,
		MaxAttempts:          6,
		MaxOutputTokens:      1024,
		LowConfidencePenalty: 0.8,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = def.AttemptTimeout
	}
	if c.RetriesPerCandidate < 0 {
		c.RetriesPerCandidate = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = def.MaxOutputTokens
	}
	if c.LowConfidencePenalty <= 0 || c.LowConfidencePenalty > 1 {
		c.LowConfidencePenalty = def.LowConfidencePenalty
	}
	return c
}

// Selector ranks candidates for a role
type Selector interface {
	Select(ctx context.Context, roleName, taskType string, complexity role.Complexity) ([]routing.Candidate, error)
	SelectRole(ctx context.Context, r *role.AgentRole, taskType string, complexity role.Complexity) ([]routing.Candidate, error)
}

// ProfileObserver folds attempt outcomes into model profiles
type ProfileObserver interface {
	ObserveBatch(obs []model_profile.Observation) []model_profile.Profile
}

// Recorder persists decisions and updated profiles
type Recorder interface {
	AppendRoutingDecision(ctx context.Context, d *routing.Decision) error
	UpsertModelProfile(ctx context.Context, key model_profile.Key, profile *model_profile.Profile) error
}

// Request is one unit of work for a role
type Request struct {
	SessionID string
	Role      string
	// Roles pins the role definitions a session started with. Nil uses the selector's registry.
	Roles           *role.Snapshot
	TaskType        string
	Complexity      role.Complexity
	Prompt          string
	MaxOutputTokens int
	// Budget opens the session's ledger account when it does not exist yet. Zero is unlimited.
	Budget decimal.Decimal
}

// Result is a successful completion
type Result struct {
	Text       string
	Model      string
	Provider   string
	TokensIn   int
	TokensOut  int
	Cost       decimal.Decimal
	DecisionID string
}

// Dispatcher executes ranked candidates with retries, circuit breaking and budget checks
type Dispatcher struct {
	cfg      Config
	selector Selector
	invoker  ai.Invoker
	breakers *breaker.Set[*ai.Completion]
	profiles ProfileObserver
	ledger   budget.Ledger
	recorder Recorder
	log      *logger.Logger
	now      func() time.Time
}

// NewDispatcher creates a dispatcher
func NewDispatcher(
	cfg Config,
	selector Selector,
	invoker ai.Invoker,
	breakers *breaker.Set[*ai.Completion],
	profiles ProfileObserver,
	ledger budget.Ledger,
	recorder Recorder,
	log *logger.Logger,
) *Dispatcher {
	if log == nil {
		log = logger.Get()
	}
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		selector: selector,
		invoker:  invoker,
		breakers: breakers,
		profiles: profiles,
		ledger:   ledger,
		recorder: recorder,
		log:      log.With("component", "dispatcher"),
		now:      time.Now,
	}
}

type planStep struct {
	candidate int
	try       int
}

// plan lists every attempt the loop may make, in order, capped at MaxAttempts
func (d *Dispatcher) plan(candidates []routing.Candidate) []planStep {
	steps := make([]planStep, 0, len(candidates)*(1+d.cfg.RetriesPerCandidate))
	for i := range candidates {
		for try := 0; try <= d.cfg.RetriesPerCandidate; try++ {
			if len(steps) == d.cfg.MaxAttempts {
				return steps
			}
			steps = append(steps, planStep{candidate: i, try: try})
		}
	}
	return steps
}

// Dispatch runs one request to completion or exhaustion. Exactly one routing decision is
// recorded per call, whatever the outcome, and returned alongside the result or error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, *routing.Decision, error) {
	start := d.now()
	ctx, span := tracing.StartSpan(ctx, "dispatch",
		tracing.String("session_id", req.SessionID),
		tracing.String("role", req.Role),
		tracing.String("task_type", req.TaskType),
		tracing.String("complexity", string(req.Complexity)),
	)

	dec := &routing.Decision{
		ID:         routing.NewDecisionID(),
		SessionID:  req.SessionID,
		Role:       req.Role,
		TaskType:   req.TaskType,
		Complexity: string(req.Complexity),
		CreatedAt:  start.UTC(),
	}
	log := d.log.WithTags("session_id", req.SessionID, "role", req.Role).With("decision_id", dec.ID)

	res, err := d.run(ctx, req, dec, log)

	dec.ExecutionTimeMs = d.now().Sub(start).Milliseconds()
	metrics.RecordDispatch(req.Role, string(dec.Outcome), d.now().Sub(start))
	if d.recorder != nil {
		// Appends use a detached context so a cancelled caller still leaves its decision behind
		if rerr := d.recorder.AppendRoutingDecision(context.WithoutCancel(ctx), dec); rerr != nil {
			log.Warnw("Failed to record routing decision", "error", rerr)
		}
	}

	span.SetAttributes(
		tracing.String("outcome", string(dec.Outcome)),
		tracing.String("selected_model", dec.SelectedModel),
		tracing.Int("attempts", len(dec.Rationale.Attempts)),
	)
	tracing.End(span, err)

	if err != nil {
		return nil, dec, err
	}
	res.DecisionID = dec.ID
	return res, dec, nil
}

func (d *Dispatcher) run(ctx context.Context, req Request, dec *routing.Decision, log *logger.Logger) (*Result, error) {
	dec.Outcome = routing.OutcomeExhausted

	candidates, err := d.selectCandidates(ctx, req)
	if err != nil {
		dec.Rationale.StopReason = StopConfiguration
		return nil, err
	}
	dec.Candidates = candidates

	if d.ledger != nil {
		if err := d.ledger.Open(ctx, req.SessionID, req.Budget); err != nil {
			dec.Rationale.StopReason = StopBudget
			return nil, errors.Wrap(err, "open budget account")
		}
	}

	maxOut := req.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = d.cfg.MaxOutputTokens
	}
	promptTokens := ai.EstimateTokens(req.Prompt)

	var (
		observations []model_profile.Observation
		attempts     []routing.Attempt
		abandoned    = make(map[int]bool)
		firstTried   = -1
		selected     = -1
		completion   *ai.Completion
		lastErr      error
		budgetHit    bool
		cancelled    bool
		spent        = decimal.Zero
	)

	steps := d.plan(candidates)
	truncated := len(steps) < len(candidates)*(1+d.cfg.RetriesPerCandidate)

	for _, step := range steps {
		if abandoned[step.candidate] {
			continue
		}
		if ctx.Err() != nil {
			cancelled = true
			lastErr = ctx.Err()
			break
		}

		cand := candidates[step.candidate]
		backend := model_profile.Backend{ModelID: cand.ModelID, Provider: cand.Provider}
		estimate := cand.CostPerToken.Mul(decimal.NewFromInt(int64(promptTokens + maxOut)))
		if firstTried < 0 {
			firstTried = step.candidate
			dec.CostEstimate = estimate
		}

		attempt := routing.Attempt{ModelID: cand.ModelID, Provider: cand.Provider, Reserved: estimate}

		var reservation budget.Reservation
		if d.ledger != nil {
			reservation, err = d.ledger.Reserve(ctx, req.SessionID, estimate)
			if err != nil {
				attempt.Error = err.Error()
				attempt.ErrorKind = ai.KindOf(err)
				attempt.Reserved = decimal.Zero
				attempts = append(attempts, attempt)
				lastErr = err
				if errors.Is(err, errors.ErrBudgetExceeded) {
					budgetHit = true
					metrics.BudgetRefusals.WithLabelValues(req.Role).Inc()
					log.Infow("Session budget exhausted, no call made",
						"model", cand.ModelID,
						"estimate", estimate.StringFixed(6),
					)
				}
				break
			}
		}

		comp, latency, callErr := d.attempt(ctx, req, cand, backend, maxOut)
		attempt.Latency = latency

		charge := estimate
		switch {
		case callErr == nil:
			charge = cand.CostPerToken.Mul(decimal.NewFromInt(int64(comp.TokensIn + comp.TokensOut)))
			if comp.TokensIn+comp.TokensOut == 0 {
				charge = estimate
			}
		case errors.Is(callErr, errors.ErrCircuitBreakerTripped), ctx.Err() != nil:
			// No call reached the provider, or the caller walked away
			charge = decimal.Zero
		}
		if d.ledger != nil {
			if serr := d.ledger.Settle(context.WithoutCancel(ctx), reservation, charge); serr != nil {
				log.Warnw("Failed to settle budget reservation", "error", serr)
			}
		}
		spent = spent.Add(charge)

		parentCancelled := callErr != nil && ctx.Err() != nil
		if callErr == nil || (!parentCancelled && !errors.Is(callErr, errors.ErrCircuitBreakerTripped)) {
			observations = append(observations, model_profile.Observation{
				Key:     model_profile.Key{ModelID: cand.ModelID, Provider: cand.Provider, TaskType: req.TaskType},
				Latency: latency,
				Success: callErr == nil,
				At:      d.now(),
			})
		}

		if callErr == nil {
			attempts = append(attempts, attempt)
			metrics.RecordAttempt(req.Role, cand.Provider, cand.ModelID, "success")
			metrics.RecordUsage(req.Role, cand.Provider, cand.ModelID, charge.InexactFloat64(), comp.TokensIn, comp.TokensOut)
			selected = step.candidate
			completion = comp
			break
		}

		attempt.Error = callErr.Error()
		attempt.ErrorKind = ai.KindOf(callErr)
		attempts = append(attempts, attempt)
		lastErr = callErr
		metrics.RecordAttempt(req.Role, cand.Provider, cand.ModelID, attempt.ErrorKind)
		log.Warnw("Attempt failed",
			"model", cand.ModelID,
			"provider", cand.Provider,
			"try", step.try,
			"kind", attempt.ErrorKind,
			"latency", latency,
			"error", callErr,
		)
		log.Breadcrumb(ctx, "routing", "attempt failed", map[string]interface{}{
			"model": cand.ModelID,
			"kind":  string(attempt.ErrorKind),
			"try":   step.try,
		})

		if parentCancelled {
			cancelled = true
			break
		}
		if !ai.IsTransient(callErr) {
			abandoned[step.candidate] = true
		}
	}

	d.observe(ctx, observations, log)

	dec.Rationale.Attempts = attempts
	dec.ActualCost = spent

	if selected < 0 {
		switch {
		case budgetHit:
			dec.Rationale.StopReason = StopBudget
		case cancelled:
			dec.Rationale.StopReason = StopCancelled
		case truncated:
			dec.Rationale.StopReason = StopMaxAttempts
		default:
			dec.Rationale.StopReason = StopExhausted
		}
		dec.Rationale.Dominant = routing.FactorNone
		return nil, &CandidatesExhaustedError{
			Role:       req.Role,
			DecisionID: dec.ID,
			Attempts:   attempts,
			Budget:     budgetHit,
			Last:       lastErr,
		}
	}

	cand := candidates[selected]
	dec.SelectedModel = cand.ModelID
	dec.SelectedProvider = cand.Provider
	dec.CostEstimate = cand.CostPerToken.Mul(decimal.NewFromInt(int64(promptTokens + maxOut)))
	dec.TokensIn = completion.TokensIn
	dec.TokensOut = completion.TokensOut
	dec.Rationale.Dominant = cand.Dominant
	dec.Rationale.StopReason = StopSucceeded
	dec.ConfidenceScore = d.confidence(cand)

	switch {
	case len(attempts) == 1:
		dec.Outcome = routing.OutcomeSuccess
	case selected == firstTried:
		dec.Outcome = routing.OutcomeRetried
	default:
		dec.Outcome = routing.OutcomeFailedOver
	}

	log.Infow("Dispatch succeeded",
		"model", cand.ModelID,
		"provider", cand.Provider,
		"outcome", dec.Outcome,
		"attempts", len(attempts),
		"cost", "$"+humanize.FormatFloat("#,###.######", spent.InexactFloat64()),
	)

	return &Result{
		Text:      completion.Text,
		Model:     cand.ModelID,
		Provider:  cand.Provider,
		TokensIn:  completion.TokensIn,
		TokensOut: completion.TokensOut,
		Cost:      dec.ActualCost,
	}, nil
}

func (d *Dispatcher) selectCandidates(ctx context.Context, req Request) ([]routing.Candidate, error) {
	if req.Roles == nil {
		return d.selector.Select(ctx, req.Role, req.TaskType, req.Complexity)
	}
	r, ok := req.Roles.Get(req.Role)
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownRole, "%q", req.Role)
	}
	return d.selector.SelectRole(ctx, r, req.TaskType, req.Complexity)
}

// attempt makes one call through the backend's breaker under the per-attempt timeout
func (d *Dispatcher) attempt(ctx context.Context, req Request, cand routing.Candidate, backend model_profile.Backend, maxOut int) (*ai.Completion, time.Duration, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	attemptCtx, span := tracing.StartSpan(attemptCtx, "dispatch.attempt",
		tracing.String("model", cand.ModelID),
		tracing.String("provider", cand.Provider),
	)

	started := d.now()
	comp, err := d.breakers.Execute(attemptCtx, backend, func(callCtx context.Context) (*ai.Completion, error) {
		out, err := d.invoker.Invoke(callCtx, ai.InvokeRequest{
			Model:           cand.ModelID,
			Provider:        cand.Provider,
			Prompt:          req.Prompt,
			MaxOutputTokens: maxOut,
		})
		if err != nil {
			if ctx.Err() != nil {
				// The caller gave up; backend health is unknown
				return nil, breaker.Ignore(err)
			}
			return nil, ai.Classify(cand.Provider, cand.ModelID, err)
		}
		return out, nil
	})
	latency := d.now().Sub(started)
	tracing.End(span, err)
	return comp, latency, err
}

func (d *Dispatcher) observe(ctx context.Context, obs []model_profile.Observation, log *logger.Logger) {
	if d.profiles == nil || len(obs) == 0 {
		return
	}
	updated := d.profiles.ObserveBatch(obs)
	if d.recorder == nil {
		return
	}
	for i := range updated {
		p := updated[i]
		if err := d.recorder.UpsertModelProfile(context.WithoutCancel(ctx), p.Key, &p); err != nil {
			log.Warnw("Failed to persist model profile", "key", p.Key.String(), "error", err)
		}
	}
}

func (d *Dispatcher) confidence(c routing.Candidate) float64 {
	conf := c.Score * c.SuccessRate
	if c.LowConfidence || c.Stale {
		conf *= d.cfg.LowConfidencePenalty
	}
	if conf < 0 {
		return 0
	}
	if conf > 1 {
		return 1
	}
	return conf
}
