package router

import (
	"context"
	"math"
	"sort"

	"agentrouter/internal/domain/model_profile"
	"agentrouter/internal/domain/role"
	"agentrouter/internal/domain/routing"
	"agentrouter/pkg/errors"
	"agentrouter/pkg/logger"
)

const (
	// Floors applied before inverting latency and cost
	minLatencyMs    = 1.0
	minCostPerToken = 1e-12

	// Ranges narrower than this normalize to 1
	degenerateRange = 1e-12
)

// Candidate sources, in pool order
const (
	SourceTier      = "tier"
	SourcePreferred = "preferred"
	SourceFallback  = "fallback"
)

// RoleSource resolves role definitions by name
type RoleSource interface {
	Get(name string) (*role.AgentRole, error)
}

// ProfileSource supplies model profiles
type ProfileSource interface {
	Lookup(k model_profile.Key) (model_profile.Profile, model_profile.Estimate, bool)
	ProviderOf(modelID string) (string, bool)
}

// CircuitState reports backends whose breaker is open
type CircuitState interface {
	IsOpen(b model_profile.Backend) bool
}

// Selector ranks the models a role may use for a task
type Selector struct {
	roles    RoleSource
	profiles ProfileSource
	circuits CircuitState
	log      *logger.Logger
}

// NewSelector creates a selector
func NewSelector(roles RoleSource, profiles ProfileSource, circuits CircuitState, log *logger.Logger) *Selector {
	if log == nil {
		log = logger.Get()
	}
	return &Selector{
		roles:    roles,
		profiles: profiles,
		circuits: circuits,
		log:      log.With("component", "selector"),
	}
}

// Select returns the ranked candidate list for a role by name
func (s *Selector) Select(ctx context.Context, roleName, taskType string, complexity role.Complexity) ([]routing.Candidate, error) {
	r, err := s.roles.Get(roleName)
	if err != nil {
		return nil, err
	}
	return s.SelectRole(ctx, r, taskType, complexity)
}

type poolEntry struct {
	ref    role.ModelRef
	source string
}

type scored struct {
	candidate routing.Candidate
	latency   float64
	cost      float64
}

// SelectRole ranks candidates for an already resolved role.
//
// Pool order is tier model, preferred, fallback with duplicates removed. Models without
// any profile are dropped. Open-circuit models are not scored and go to the tail in pool order.
// Scored candidates are sorted by score descending; equal scores keep pool order.
func (s *Selector) SelectRole(_ context.Context, r *role.AgentRole, taskType string, complexity role.Complexity) ([]routing.Candidate, error) {
	if !complexity.Valid() {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "unknown complexity %q", complexity)
	}

	pool := s.pool(r, complexity)

	var (
		live []scored
		open []routing.Candidate
	)
	for _, p := range pool {
		key := model_profile.Key{ModelID: p.ref.ModelID, Provider: p.ref.Provider, TaskType: taskType}
		profile, est, ok := s.profiles.Lookup(key)
		if !ok {
			s.log.Warnw("Dropping unreachable model, no profile",
				"role", r.Name,
				"model", p.ref.ModelID,
				"provider", p.ref.Provider,
			)
			continue
		}

		c := routing.Candidate{
			ModelID:       p.ref.ModelID,
			Provider:      p.ref.Provider,
			Source:        p.source,
			ProfileTask:   profile.TaskType,
			LowConfidence: est.LowConfidence,
			Stale:         est.Stale,
			SuccessRate:   profile.SuccessRate,
			CostPerToken:  profile.CostPerToken,
		}

		if s.circuits != nil && s.circuits.IsOpen(key.Backend()) {
			c.CircuitOpen = true
			c.Dominant = routing.FactorNone
			open = append(open, c)
			continue
		}

		cost, _ := profile.CostPerToken.Float64()
		live = append(live, scored{
			candidate: c,
			latency:   math.Max(profile.AvgResponseTimeMs, minLatencyMs),
			cost:      math.Max(cost, minCostPerToken),
		})
		live[len(live)-1].candidate.Accuracy = clamp01(profile.PerformanceScore)
	}

	if len(live) == 0 && len(open) == 0 {
		return nil, errors.Wrapf(errors.ErrNoEligibleCandidates, "role %s, task %s", r.Name, taskType)
	}

	score(live, r.Weights)

	out := make([]routing.Candidate, 0, len(live)+len(open))
	for _, sc := range live {
		out = append(out, sc.candidate)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	out = append(out, open...)
	for i := range out {
		out[i].Position = i
	}
	return out, nil
}

func (s *Selector) pool(r *role.AgentRole, complexity role.Complexity) []poolEntry {
	var pool []poolEntry
	seen := make(map[role.ModelRef]bool)
	add := func(ref role.ModelRef, source string) {
		if ref.ModelID == "" || ref.Provider == "" || seen[ref] {
			return
		}
		seen[ref] = true
		pool = append(pool, poolEntry{ref: ref, source: source})
	}

	if model, ok := r.TierModel(complexity); ok {
		provider, found := r.ProviderFor(model)
		if !found {
			provider, found = s.profiles.ProviderOf(model)
		}
		if found {
			add(role.ModelRef{ModelID: model, Provider: provider}, SourceTier)
		} else {
			s.log.Warnw("Tier model has no known provider", "role", r.Name, "model", model, "complexity", complexity)
		}
	}
	for _, ref := range r.Preferred {
		add(ref, SourcePreferred)
	}
	for _, ref := range r.Fallback {
		add(ref, SourceFallback)
	}
	return pool
}

// score fills the per-factor contributions, the total and the dominant factor
func score(pool []scored, w role.Weights) {
	if len(pool) == 0 {
		return
	}

	speeds := make([]float64, len(pool))
	costs := make([]float64, len(pool))
	for i, p := range pool {
		speeds[i] = 1 / p.latency
		costs[i] = 1 / p.cost
	}
	speeds = normalize(speeds)
	costs = normalize(costs)

	for i := range pool {
		c := &pool[i].candidate
		c.Speed = w.Speed * speeds[i]
		c.Cost = w.Cost * costs[i]
		c.Accuracy = w.Accuracy * c.Accuracy
		c.Score = c.Speed + c.Cost + c.Accuracy
		c.Dominant = dominant(c.Speed, c.Cost, c.Accuracy)
	}
}

// normalize maps values onto [0,1] by min/max. A degenerate range maps everything to 1.
func normalize(values []float64) []float64 {
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	out := make([]float64, len(values))
	span := hi - lo
	for i, v := range values {
		if span < degenerateRange {
			out[i] = 1
			continue
		}
		out[i] = (v - lo) / span
	}
	return out
}

func dominant(speed, cost, accuracy float64) routing.Factor {
	f, best := routing.FactorSpeed, speed
	if cost > best {
		f, best = routing.FactorCost, cost
	}
	if accuracy > best {
		f = routing.FactorAccuracy
	}
	return f
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
