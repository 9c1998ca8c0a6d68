package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"agentrouter/internal/adapters/config"
	"agentrouter/internal/budget"
	"agentrouter/internal/dispatch"
	"agentrouter/internal/domain/collaboration"
	"agentrouter/internal/domain/role"
	"agentrouter/internal/domain/routing"
	"agentrouter/pkg/errors"
	"agentrouter/pkg/logger"
	"agentrouter/pkg/templates"
)

// Dispatcher runs one role call
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, *routing.Decision, error)
}

// EventSink receives every session event
type EventSink interface {
	AppendCollaborationEvent(ctx context.Context, sessionID string, e *collaboration.Event) error
}

// Renderer renders prompt templates by id
type Renderer interface {
	Render(id string, data any) (string, error)
}

// Notifier is told about sessions that reached a terminal status
type Notifier interface {
	NotifySession(ctx context.Context, s *collaboration.Session) error
}

// RoleSource is the swappable role registry
type RoleSource interface {
	Snapshot() *role.Snapshot
	Swap(roles []*role.AgentRole) error
}

// Config holds session defaults
type Config struct {
	MaxIterations      int
	ConsensusThreshold float64
	StageTimeout       time.Duration
	// SessionTimeout bounds a session's wall clock. Zero disables it.
	SessionTimeout time.Duration
	// DefaultBudget applies when a request carries none. Zero is unlimited.
	DefaultBudget decimal.Decimal
	Complexity    role.Complexity
	// Retention keeps finished sessions queryable before the janitor drops them
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxIterations < 0 {
		c.MaxIterations = 0
	}
	if c.ConsensusThreshold <= 0 || c.ConsensusThreshold > 1 {
		c.ConsensusThreshold = 0.75
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 90 * time.Second
	}
	if !c.Complexity.Valid() {
		c.Complexity = role.ComplexityMedium
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	return c
}

// Deps are the orchestrator's collaborators. Dispatcher and Roles are required.
type Deps struct {
	Dispatcher Dispatcher
	Roles      RoleSource
	Rosters    map[collaboration.Strategy][]collaboration.RosterEntry
	Scorer     Scorer
	Prompts    Renderer
	Events     EventSink
	Ledger     budget.Ledger
	Notifier   Notifier
	Logger     *logger.Logger
}

// StartRequest describes a new session. Nil overrides fall back to the configured defaults.
type StartRequest struct {
	Symbols  []string
	Strategy collaboration.Strategy
	// Roster replaces the configured roster for the strategy when set
	Roster             []collaboration.RosterEntry
	Budget             *decimal.Decimal
	MaxIterations      *int
	ConsensusThreshold *float64
	Complexity         role.Complexity
}

// Orchestrator drives collaboration sessions through analysis, debate and decision
type Orchestrator struct {
	cfg        Config
	dispatcher Dispatcher
	roles      RoleSource
	rosters    map[collaboration.Strategy][]collaboration.RosterEntry
	scorer     Scorer
	prompts    Renderer
	events     EventSink
	ledger     budget.Ledger
	notifier   Notifier
	log        *logger.Logger
	broker     *broker

	mu       sync.RWMutex
	sessions map[string]*run

	// Dispatches run on baseCtx so cancelling a session lets in-flight calls finish
	baseCtx  context.Context
	stopAll  context.CancelFunc
	wg       sync.WaitGroup
	rosterMu sync.RWMutex
	now      func() time.Time
}

// New creates an orchestrator
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Dispatcher == nil || deps.Roles == nil {
		return nil, errors.Wrap(errors.ErrConfiguration, "orchestrator needs a dispatcher and a role registry")
	}
	if deps.Scorer == nil {
		deps.Scorer = ScorerFunc(Plurality)
	}
	if deps.Prompts == nil {
		deps.Prompts = templates.Get()
	}
	if deps.Logger == nil {
		deps.Logger = logger.Get()
	}

	snap := deps.Roles.Snapshot()
	for strategy, entries := range deps.Rosters {
		if !strategy.Valid() {
			return nil, errors.NewValidationError("rosters", "unknown strategy", strategy)
		}
		if err := config.ValidateRosterEntries(snap, entries); err != nil {
			return nil, errors.Wrapf(err, "roster %s", strategy)
		}
	}

	baseCtx, stopAll := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		dispatcher: deps.Dispatcher,
		roles:      deps.Roles,
		rosters:    deps.Rosters,
		scorer:     deps.Scorer,
		prompts:    deps.Prompts,
		events:     deps.Events,
		ledger:     deps.Ledger,
		notifier:   deps.Notifier,
		log:        deps.Logger.With("component", "orchestrator"),
		broker:     newBroker(),
		sessions:   make(map[string]*run),
		baseCtx:    baseCtx,
		stopAll:    stopAll,
		now:        time.Now,
	}, nil
}

// StartSession validates the request, creates the session and runs it in the background
func (o *Orchestrator) StartSession(ctx context.Context, req StartRequest) (string, error) {
	r, err := o.newRun(ctx, req)
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	o.sessions[r.session.ID] = r
	o.mu.Unlock()

	r.log.Infow("Session started",
		"symbols", r.session.Symbols,
		"roles", len(r.session.Roster),
		"budget", r.session.Budget.String(),
	)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(r)
	}()
	return r.session.ID, nil
}

func (o *Orchestrator) newRun(ctx context.Context, req StartRequest) (*run, error) {
	var errs errors.MultiError

	if len(req.Symbols) == 0 {
		errs.Add(errors.NewValidationError("symbols", "at least one symbol is required", req.Symbols))
	}
	if !req.Strategy.Valid() {
		errs.Add(errors.NewValidationError("strategy", "must be sequential, parallel, debate or consensus", req.Strategy))
	}

	maxIter := o.cfg.MaxIterations
	if req.MaxIterations != nil {
		maxIter = *req.MaxIterations
		if maxIter < 0 {
			errs.Add(errors.NewValidationError("max_iterations", "must not be negative", maxIter))
		}
	}
	threshold := o.cfg.ConsensusThreshold
	if req.ConsensusThreshold != nil {
		threshold = *req.ConsensusThreshold
		if threshold < 0 || threshold > 1 {
			errs.Add(errors.NewValidationError("consensus_threshold", "must be within [0,1]", threshold))
		}
	}
	limit := o.cfg.DefaultBudget
	if req.Budget != nil {
		limit = *req.Budget
		if limit.IsNegative() {
			errs.Add(errors.NewValidationError("budget", "must not be negative", limit.String()))
		}
	}
	complexity := o.cfg.Complexity
	if req.Complexity != "" {
		if !req.Complexity.Valid() {
			errs.Add(errors.NewValidationError("complexity", "must be low, medium or high", req.Complexity))
		}
		complexity = req.Complexity
	}
	if errs.HasErrors() {
		return nil, errors.Wrap(&errs, "invalid session request")
	}

	snap := o.roles.Snapshot()
	roster := req.Roster
	if len(roster) == 0 {
		o.rosterMu.RLock()
		roster = o.rosters[req.Strategy]
		o.rosterMu.RUnlock()
	}
	if len(roster) == 0 {
		return nil, errors.Wrapf(errors.ErrConfiguration, "no roster configured for strategy %s", req.Strategy)
	}
	if err := config.ValidateRosterEntries(snap, roster); err != nil {
		return nil, err
	}
	roster = append([]collaboration.RosterEntry(nil), roster...)

	now := o.now().UTC()
	s := &collaboration.Session{
		ID:                 uuid.NewString(),
		Symbols:            append([]string(nil), req.Symbols...),
		Strategy:           req.Strategy,
		Status:             collaboration.StatusActive,
		Stage:              collaboration.StageAnalysis,
		Participants:       make(map[string]float64, len(roster)),
		Roster:             roster,
		MaxIterations:      maxIter,
		ConsensusThreshold: threshold,
		Budget:             limit,
		Spent:              decimal.Zero,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	for _, e := range roster {
		s.Participants[e.Role] = e.Weight
	}

	if o.ledger != nil {
		if err := o.ledger.Open(ctx, s.ID, limit); err != nil {
			return nil, errors.Wrap(err, "open session budget")
		}
	}

	return newRun(s, snap, complexity, o.log.ForSession(s.ID, string(s.Strategy))), nil
}

// GetSessionStatus returns a snapshot of the session
func (o *Orchestrator) GetSessionStatus(id string) (*collaboration.Session, error) {
	r, err := o.get(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.Clone(), nil
}

// CancelSession moves an active session to cancelled. Dispatches already in flight finish
// and are recorded as late results.
func (o *Orchestrator) CancelSession(id string) error {
	r, err := o.get(id)
	if err != nil {
		return err
	}
	return o.terminate(r, collaboration.ActionCancelled, "cancelled by caller")
}

// Wait blocks until the session is terminal and its pipeline has exited
func (o *Orchestrator) Wait(ctx context.Context, id string) (*collaboration.Session, error) {
	r, err := o.get(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
		return o.GetSessionStatus(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe streams the session's events until it closes. Call the returned func to stop early.
func (o *Orchestrator) Subscribe(id string) (<-chan collaboration.Event, func(), error) {
	r, err := o.get(id)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := o.broker.subscribe(id)
	select {
	case <-r.done:
		// Closed before we subscribed; nothing more will be published
		cancel()
	default:
	}
	return ch, cancel, nil
}

// ReloadRoles swaps the role registry after checking every configured roster still resolves.
// Running sessions keep the roles they started with.
func (o *Orchestrator) ReloadRoles(roles []*role.AgentRole) error {
	snap, err := role.NewSnapshot(roles)
	if err != nil {
		return err
	}
	o.rosterMu.RLock()
	for strategy, entries := range o.rosters {
		if err := config.ValidateRosterEntries(snap, entries); err != nil {
			o.rosterMu.RUnlock()
			return errors.Wrapf(err, "roster %s after reload", strategy)
		}
	}
	o.rosterMu.RUnlock()
	return o.roles.Swap(roles)
}

// Roles returns the current role definitions sorted by name
func (o *Orchestrator) Roles() []*role.AgentRole {
	snap := o.roles.Snapshot()
	names := snap.Names()
	sort.Strings(names)
	out := make([]*role.AgentRole, 0, len(names))
	for _, n := range names {
		if r, ok := snap.Get(n); ok {
			out = append(out, r)
		}
	}
	return out
}

// RoleCount reports the number of loaded roles
func (o *Orchestrator) RoleCount() int {
	return o.roles.Snapshot().Len()
}

// ActiveSessions counts sessions still running
func (o *Orchestrator) ActiveSessions() int {
	o.mu.RLock()
	runs := make([]*run, 0, len(o.sessions))
	for _, r := range o.sessions {
		runs = append(runs, r)
	}
	o.mu.RUnlock()

	n := 0
	for _, r := range runs {
		r.mu.Lock()
		if !r.session.Status.Terminal() {
			n++
		}
		r.mu.Unlock()
	}
	return n
}

// Sweep drops finished sessions older than the retention window and closes their budget accounts
func (o *Orchestrator) Sweep(ctx context.Context) int {
	cutoff := o.now().Add(-o.cfg.Retention)

	o.mu.Lock()
	var expired []string
	for id, r := range o.sessions {
		select {
		case <-r.done:
		default:
			continue
		}
		r.mu.Lock()
		if r.session.CompletedAt != nil && r.session.CompletedAt.Before(cutoff) {
			expired = append(expired, id)
		}
		r.mu.Unlock()
	}
	for _, id := range expired {
		delete(o.sessions, id)
	}
	o.mu.Unlock()

	for _, id := range expired {
		if o.ledger != nil {
			if err := o.ledger.Close(ctx, id); err != nil {
				o.log.Warnw("Failed to close budget account", "session_id", id, "error", err)
			}
		}
	}
	if len(expired) > 0 {
		o.log.Debugw("Swept finished sessions", "count", len(expired))
	}
	return len(expired)
}

// RunJanitor sweeps on every tick until ctx ends
func (o *Orchestrator) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Sweep(ctx)
		}
	}
}

// Shutdown cancels every in-flight dispatch and waits for session pipelines to exit
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.RLock()
	runs := make([]*run, 0, len(o.sessions))
	for _, r := range o.sessions {
		runs = append(runs, r)
	}
	o.mu.RUnlock()

	for _, r := range runs {
		_ = o.terminate(r, collaboration.ActionCancelled, "service shutting down")
	}
	o.stopAll()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "orchestrator shutdown")
	}
}

func (o *Orchestrator) get(id string) (*run, error) {
	o.mu.RLock()
	r, ok := o.sessions[id]
	o.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "session %s", id)
	}
	return r, nil
}
