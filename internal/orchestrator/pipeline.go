package orchestrator

import (
	"fmt"
	"time"

	"agentrouter/internal/domain/collaboration"
	"agentrouter/internal/domain/role"
	"agentrouter/internal/metrics"
	"agentrouter/internal/tracing"
	"agentrouter/pkg/errors"
)

// plan is the roster split by stage, in roster order
type plan struct {
	analysts []collaboration.RosterEntry
	debaters []collaboration.RosterEntry
	decider  *collaboration.RosterEntry
	roles    map[string]*role.AgentRole
	order    map[string]int
	weights  map[string]float64
	symbols  []string
	strategy collaboration.Strategy
	maxIter  int
	target   float64
}

func (o *Orchestrator) execute(r *run) {
	r.mu.Lock()
	created := r.eventLocked(collaboration.EventSessionCreated, nil)
	started := r.recordLocked(collaboration.Interaction{
		Action: collaboration.ActionSessionStarted,
		Detail: string(r.session.Strategy),
	})
	r.mu.Unlock()
	o.emit(created, started)

	if o.cfg.SessionTimeout > 0 {
		timer := time.AfterFunc(o.cfg.SessionTimeout, func() {
			_ = o.terminate(r, collaboration.ActionFailed, errors.ErrSessionTimeout.Error())
		})
		o.pipeline(r)
		timer.Stop()
	} else {
		o.pipeline(r)
	}

	o.finish(r)
	close(r.done)
	o.broker.closeSession(r.session.ID)
}

func (o *Orchestrator) newPlan(r *run) (*plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := &plan{
		roles:    make(map[string]*role.AgentRole, len(r.session.Roster)),
		order:    make(map[string]int, len(r.session.Roster)),
		weights:  make(map[string]float64, len(r.session.Participants)),
		symbols:  append([]string(nil), r.session.Symbols...),
		strategy: r.session.Strategy,
		maxIter:  r.session.MaxIterations,
		target:   r.session.ConsensusThreshold,
	}
	for k, v := range r.session.Participants {
		p.weights[k] = v
	}
	for i, e := range r.session.Roster {
		ar, ok := r.roles.Get(e.Role)
		if !ok {
			return nil, errors.Wrapf(errors.ErrUnknownRole, "%q", e.Role)
		}
		p.roles[e.Role] = ar
		p.order[e.Role] = i
		if ar.Type == role.TypeDecisionMaker {
			entry := e
			p.decider = &entry
			continue
		}
		p.analysts = append(p.analysts, e)
		if e.Debater {
			p.debaters = append(p.debaters, e)
		}
	}
	if p.decider == nil {
		return nil, errors.Wrap(errors.ErrConfiguration, "roster has no decision maker")
	}
	return p, nil
}

func (o *Orchestrator) pipeline(r *run) {
	_, span := tracing.StartSpan(o.baseCtx, "session",
		tracing.String("session_id", r.session.ID),
		tracing.String("strategy", string(r.session.Strategy)),
	)
	defer span.End()

	p, err := o.newPlan(r)
	if err != nil {
		o.fail(r, "", err.Error())
		return
	}

	latest, agreement, ok := o.analysis(r, p)
	if !ok {
		return
	}

	// Consensus reached in analysis skips the debate stage entirely
	if p.strategy.HasDebate() && p.maxIter > 0 && len(p.debaters) > 0 && agreement < p.target {
		if !o.advance(r, collaboration.StageDebate) {
			return
		}
		latest, agreement, ok = o.debate(r, p, latest, agreement)
		if !ok {
			return
		}
	}

	if !o.advance(r, collaboration.StageDecision) {
		return
	}
	o.decide(r, p, latest, agreement)
}

func (o *Orchestrator) analysis(r *run, p *plan) ([]collaboration.Contribution, float64, bool) {
	started := o.now()
	defer func() { metrics.RecordStage(string(collaboration.StageAnalysis), string(p.strategy), o.now().Sub(started)) }()
	_, span := tracing.StartSpan(o.baseCtx, "session.analysis", tracing.Int("roles", len(p.analysts)))
	defer span.End()

	deadline := started.Add(o.cfg.StageTimeout)
	var (
		contribs []collaboration.Contribution
		missing  = make(map[string]string)
	)

	if p.strategy == collaboration.StrategySequential {
		for i, e := range p.analysts {
			if r.stopped() {
				return nil, 0, false
			}
			if !o.now().Before(deadline) {
				rest := make([]call, 0, len(p.analysts)-i)
				for j, left := range p.analysts[i:] {
					rest = append(rest, call{entry: left, role: p.roles[left.Role], order: i + j})
				}
				_, miss := o.settle(r, collaboration.StageAnalysis, 0, stageOutcome{timedOut: rest})
				mergeMissing(missing, miss)
				break
			}
			prompt, err := o.renderPrompt(promptAnalysis, p.roles[e.Role], p.symbols, 0, 0, contribs, p.weights)
			if err != nil {
				o.fail(r, e.Role, err.Error())
				return nil, 0, false
			}
			out := o.fanOut(r, collaboration.StageAnalysis, 0, []call{{
				entry: e, role: p.roles[e.Role], prompt: prompt, complexity: r.complexity, order: i,
			}}, deadline)
			if out.stopped {
				return nil, 0, false
			}
			cs, miss := o.settle(r, collaboration.StageAnalysis, 0, out)
			contribs = append(contribs, cs...)
			mergeMissing(missing, miss)
		}
	} else {
		calls := make([]call, 0, len(p.analysts))
		for i, e := range p.analysts {
			prompt, err := o.renderPrompt(promptAnalysis, p.roles[e.Role], p.symbols, 0, 0, nil, p.weights)
			if err != nil {
				o.fail(r, e.Role, err.Error())
				return nil, 0, false
			}
			calls = append(calls, call{entry: e, role: p.roles[e.Role], prompt: prompt, complexity: r.complexity, order: i})
		}
		out := o.fanOut(r, collaboration.StageAnalysis, 0, calls, deadline)
		if out.stopped {
			return nil, 0, false
		}
		contribs, missing = o.settle(r, collaboration.StageAnalysis, 0, out)
	}

	if name, reason, found := mandatoryMissing(p.analysts, missing); found {
		o.fail(r, name, fmt.Sprintf("mandatory role %s did not participate: %s", name, reason))
		return nil, 0, false
	}
	if len(contribs) == 0 {
		o.fail(r, "", "no role succeeded in analysis")
		return nil, 0, false
	}

	agreement := o.recordAgreement(r, p, collaboration.StageAnalysis, 0, contribs)
	return contribs, agreement, true
}

func (o *Orchestrator) debate(r *run, p *plan, latest []collaboration.Contribution, agreement float64) ([]collaboration.Contribution, float64, bool) {
	started := o.now()
	defer func() { metrics.RecordStage(string(collaboration.StageDebate), string(p.strategy), o.now().Sub(started)) }()
	_, span := tracing.StartSpan(o.baseCtx, "session.debate", tracing.Int("debaters", len(p.debaters)))
	defer span.End()

	for round := 1; round <= p.maxIter; round++ {
		if r.stopped() {
			return nil, 0, false
		}

		calls := make([]call, 0, len(p.debaters))
		for i, e := range p.debaters {
			prompt, err := o.renderPrompt(promptDebate, p.roles[e.Role], p.symbols, round, agreement, latest, p.weights)
			if err != nil {
				o.fail(r, e.Role, err.Error())
				return nil, 0, false
			}
			calls = append(calls, call{entry: e, role: p.roles[e.Role], prompt: prompt, complexity: r.complexity, order: i})
		}

		out := o.fanOut(r, collaboration.StageDebate, round, calls, o.now().Add(o.cfg.StageTimeout))
		if out.stopped {
			return nil, 0, false
		}
		contribs, missing := o.settle(r, collaboration.StageDebate, round, out)

		r.mu.Lock()
		r.session.DebateRoundsUsed = round
		r.mu.Unlock()

		if name, reason, found := mandatoryMissing(p.debaters, missing); found {
			o.fail(r, name, fmt.Sprintf("mandatory role %s did not participate in debate round %d: %s", name, round, reason))
			return nil, 0, false
		}
		if len(contribs) == 0 {
			o.fail(r, "", fmt.Sprintf("no debater succeeded in round %d", round))
			return nil, 0, false
		}

		agreement = o.recordAgreement(r, p, collaboration.StageDebate, round, contribs)
		latest = mergeLatest(latest, contribs, p.order)
		span.SetAttributes(tracing.Int("rounds", round), tracing.Float("agreement", agreement))

		if agreement >= p.target {
			break
		}
	}
	return latest, agreement, true
}

func (o *Orchestrator) decide(r *run, p *plan, latest []collaboration.Contribution, agreement float64) {
	started := o.now()
	defer func() { metrics.RecordStage(string(collaboration.StageDecision), string(p.strategy), o.now().Sub(started)) }()
	_, span := tracing.StartSpan(o.baseCtx, "session.decision", tracing.String("role", p.decider.Role))
	defer span.End()

	decider := p.roles[p.decider.Role]
	prompt, err := o.renderPrompt(promptDecision, decider, p.symbols, 0, agreement, latest, p.weights)
	if err != nil {
		o.fail(r, decider.Name, err.Error())
		return
	}

	out := o.fanOut(r, collaboration.StageDecision, 0, []call{{
		entry: *p.decider, role: decider, prompt: prompt, complexity: role.ComplexityHigh,
	}}, started.Add(o.cfg.StageTimeout))
	if out.stopped {
		return
	}
	contribs, missing := o.settle(r, collaboration.StageDecision, 0, out)
	if len(contribs) == 0 {
		o.fail(r, decider.Name, fmt.Sprintf("decision maker %s did not participate: %s", decider.Name, missing[decider.Name]))
		return
	}

	c := contribs[0]
	outcome := collaboration.Outcome{
		Role:       c.Role,
		Direction:  c.Direction,
		Confidence: c.Confidence,
		Summary:    c.Summary,
		DecisionID: c.DecisionID,
	}

	r.mu.Lock()
	now := o.now().UTC()
	if err := r.session.Complete(agreement, outcome, now); err != nil {
		r.mu.Unlock()
		return
	}
	ev := r.recordLocked(collaboration.Interaction{
		Role:      c.Role,
		Action:    collaboration.ActionCompleted,
		OutputRef: c.DecisionID,
		Detail:    fmt.Sprintf("%s %.2f, consensus %.3f", c.Direction, c.Confidence, agreement),
		Timestamp: now,
	})
	r.mu.Unlock()
	o.emit(ev)
}

// advance moves to the next stage. It reports false when the session is already terminal.
func (o *Orchestrator) advance(r *run, to collaboration.Stage) bool {
	r.mu.Lock()
	from := r.session.Stage
	now := o.now().UTC()
	if err := r.session.Advance(to, now); err != nil {
		r.mu.Unlock()
		return false
	}
	ev := r.recordLocked(collaboration.Interaction{
		Stage:     to,
		Action:    collaboration.ActionStageAdvanced,
		Detail:    fmt.Sprintf("%s -> %s", from, to),
		Timestamp: now,
	})
	r.mu.Unlock()
	o.emit(ev)
	r.log.Breadcrumb(o.baseCtx, "session", "stage advanced", map[string]interface{}{"from": string(from), "to": string(to)})
	return true
}

func (o *Orchestrator) recordAgreement(r *run, p *plan, stage collaboration.Stage, round int, contribs []collaboration.Contribution) float64 {
	score := o.scorer.Score(contribs, p.weights)
	leading, _ := Leading(contribs, p.weights)

	r.mu.Lock()
	ev := r.recordLocked(collaboration.Interaction{
		Stage:  stage,
		Round:  round,
		Action: collaboration.ActionAgreement,
		Detail: fmt.Sprintf("%.3f leaning %s over %d roles", score, leading, len(contribs)),
	})
	r.mu.Unlock()
	o.emit(ev)
	return score
}

func mergeMissing(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}

// mergeLatest keeps each role's newest contribution, in roster order
func mergeLatest(prev, next []collaboration.Contribution, order map[string]int) []collaboration.Contribution {
	byRole := make(map[string]collaboration.Contribution, len(prev)+len(next))
	for _, c := range prev {
		byRole[c.Role] = c
	}
	for _, c := range next {
		byRole[c.Role] = c
	}
	out := make([]collaboration.Contribution, 0, len(byRole))
	for _, c := range byRole {
		out = append(out, c)
	}
	sortByOrder(out, order)
	return out
}
