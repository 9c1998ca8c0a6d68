package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"agentrouter/internal/dispatch"
	"agentrouter/internal/domain/collaboration"
	"agentrouter/internal/domain/role"
	"agentrouter/internal/domain/routing"
	"agentrouter/pkg/errors"
)

// Non-participation reasons
const (
	ReasonBudgetExceeded      = "budget_exceeded"
	ReasonCandidatesExhausted = "candidates_exhausted"
	ReasonStageTimeout        = "stage_timeout"
	ReasonConfiguration       = "configuration_error"
	ReasonCancelled           = "cancelled"
)

// call is one role dispatch inside a stage
type call struct {
	entry      collaboration.RosterEntry
	role       *role.AgentRole
	prompt     string
	complexity role.Complexity
	order      int
}

type callResult struct {
	call call
	res  *dispatch.Result
	dec  *routing.Decision
	err  error
}

// stageOutcome is what a barrier produced
type stageOutcome struct {
	settled  []callResult
	timedOut []call
	stopped  bool
}

// barrier marks the point after which results are late
type barrier struct {
	closed bool
}

func nonParticipationReason(err error) string {
	switch {
	case errors.Is(err, errors.ErrStageTimeout):
		return ReasonStageTimeout
	case errors.Is(err, errors.ErrBudgetExceeded):
		return ReasonBudgetExceeded
	case errors.Is(err, errors.ErrConfiguration):
		return ReasonConfiguration
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	default:
		return ReasonCandidatesExhausted
	}
}

func inputRef(stage collaboration.Stage, round int, roleName string) string {
	return fmt.Sprintf("prompt:%s:%d:%s", stage, round, roleName)
}

// fanOut dispatches calls concurrently and waits for all of them, the deadline, or a stop.
// Calls still running when the barrier closes are recorded as late results when they return.
func (o *Orchestrator) fanOut(r *run, stage collaboration.Stage, round int, calls []call, deadline time.Time) stageOutcome {
	results := make(chan callResult, len(calls))
	b := &barrier{}

	r.mu.Lock()
	events := make([]collaboration.Event, 0, len(calls))
	for _, c := range calls {
		r.pending[c.entry.Role]++
		events = append(events, r.recordLocked(collaboration.Interaction{
			Stage:    stage,
			Round:    round,
			Role:     c.entry.Role,
			Action:   collaboration.ActionDispatched,
			InputRef: inputRef(stage, round, c.entry.Role),
			Detail:   string(c.complexity),
		}))
	}
	sessionID := r.session.ID
	budget := r.session.Budget
	r.mu.Unlock()
	o.emit(events...)

	for _, c := range calls {
		go func(c call) {
			res, dec, err := o.dispatcher.Dispatch(o.baseCtx, dispatch.Request{
				SessionID:  sessionID,
				Role:       c.entry.Role,
				Roles:      r.roles,
				TaskType:   c.entry.Role,
				Complexity: c.complexity,
				Prompt:     c.prompt,
				Budget:     budget,
			})
			out := callResult{call: c, res: res, dec: dec, err: err}

			r.mu.Lock()
			r.pending[c.entry.Role]--
			if dec != nil {
				r.session.Spent = r.session.Spent.Add(dec.ActualCost)
			}
			if b.closed {
				ev := o.lateLocked(r, stage, round, out)
				r.mu.Unlock()
				o.emit(ev)
				return
			}
			// Buffered for every call, so this never blocks while holding the lock
			results <- out
			r.mu.Unlock()
		}(c)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	var out stageOutcome
wait:
	for len(out.settled) < len(calls) {
		select {
		case res := <-results:
			out.settled = append(out.settled, res)
		case <-timer.C:
			break wait
		case <-r.stop:
			out.stopped = true
			break wait
		}
	}

	r.mu.Lock()
	b.closed = true
	// Results queued before the barrier closed still count unless the session stopped
	var late []collaboration.Event
drain:
	for {
		select {
		case res := <-results:
			if out.stopped {
				late = append(late, o.lateLocked(r, stage, round, res))
				continue
			}
			out.settled = append(out.settled, res)
		default:
			break drain
		}
	}
	if out.stopped {
		for _, res := range out.settled {
			late = append(late, o.lateLocked(r, stage, round, res))
		}
		out.settled = nil
	}
	r.mu.Unlock()
	o.emit(late...)

	if out.stopped {
		return out
	}
	done := make(map[string]bool, len(out.settled))
	for _, s := range out.settled {
		done[s.call.entry.Role] = true
	}
	for _, c := range calls {
		if !done[c.entry.Role] {
			out.timedOut = append(out.timedOut, c)
		}
	}
	sort.SliceStable(out.settled, func(i, j int) bool { return out.settled[i].call.order < out.settled[j].call.order })
	return out
}

func (o *Orchestrator) lateLocked(r *run, stage collaboration.Stage, round int, res callResult) collaboration.Event {
	i := collaboration.Interaction{
		Stage:  stage,
		Round:  round,
		Role:   res.call.entry.Role,
		Action: collaboration.ActionLateResult,
	}
	if res.dec != nil {
		i.OutputRef = res.dec.ID
	}
	if res.err != nil {
		i.Detail = nonParticipationReason(res.err)
	} else {
		i.Detail = "completed after stage closed on " + res.res.Model
	}
	return r.recordLocked(i)
}

// settle records a stage's results. It returns the contributions made and the roster
// entries that did not participate, keyed by reason.
func (o *Orchestrator) settle(r *run, stage collaboration.Stage, round int, out stageOutcome) ([]collaboration.Contribution, map[string]string) {
	contribs := make([]collaboration.Contribution, 0, len(out.settled))
	missing := make(map[string]string)

	r.mu.Lock()
	events := make([]collaboration.Event, 0, len(out.settled)+len(out.timedOut))
	if r.session.Status.Terminal() {
		// Terminated between the barrier and here
		for _, s := range out.settled {
			missing[s.call.entry.Role] = ReasonCancelled
			events = append(events, o.lateLocked(r, stage, round, s))
		}
		r.mu.Unlock()
		o.emit(events...)
		return contribs, missing
	}
	for _, s := range out.settled {
		if s.err != nil {
			reason := nonParticipationReason(s.err)
			missing[s.call.entry.Role] = reason
			i := collaboration.Interaction{
				Stage:  stage,
				Round:  round,
				Role:   s.call.entry.Role,
				Action: collaboration.ActionNonParticipating,
				Detail: reason + ": " + s.err.Error(),
			}
			if s.dec != nil {
				i.OutputRef = s.dec.ID
			}
			events = append(events, r.recordLocked(i))
			continue
		}

		direction, confidence, summary := parseOutput(s.res.Text)
		c := collaboration.Contribution{
			Stage:      stage,
			Round:      round,
			Role:       s.call.entry.Role,
			Direction:  direction,
			Confidence: confidence,
			Summary:    summary,
			DecisionID: s.res.DecisionID,
			Model:      s.res.Model,
			Provider:   s.res.Provider,
		}
		r.session.Contributions = append(r.session.Contributions, c)
		contribs = append(contribs, c)
		events = append(events, r.recordLocked(collaboration.Interaction{
			Stage:     stage,
			Round:     round,
			Role:      s.call.entry.Role,
			Action:    collaboration.ActionResult,
			InputRef:  inputRef(stage, round, s.call.entry.Role),
			OutputRef: s.res.DecisionID,
			Detail:    fmt.Sprintf("%s %.2f via %s/%s", direction, confidence, s.res.Provider, s.res.Model),
		}))
	}
	for _, c := range out.timedOut {
		err := errors.Wrapf(errors.ErrStageTimeout, "%s did not settle", c.entry.Role)
		reason := nonParticipationReason(err)
		missing[c.entry.Role] = reason
		events = append(events, r.recordLocked(collaboration.Interaction{
			Stage:  stage,
			Round:  round,
			Role:   c.entry.Role,
			Action: collaboration.ActionNonParticipating,
			Detail: reason + ": " + err.Error(),
		}))
	}
	r.mu.Unlock()
	o.emit(events...)
	return contribs, missing
}

// mandatoryMissing returns the first mandatory entry that did not participate, in roster order
func mandatoryMissing(entries []collaboration.RosterEntry, missing map[string]string) (string, string, bool) {
	for _, e := range entries {
		if reason, ok := missing[e.Role]; ok && e.Mandatory {
			return e.Role, reason, true
		}
	}
	return "", "", false
}
