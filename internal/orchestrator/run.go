package orchestrator

import (
	"context"
	"sort"
	"strings"
	"sync"

	"agentrouter/internal/domain/collaboration"
	"agentrouter/internal/domain/role"
	"agentrouter/internal/metrics"
	"agentrouter/pkg/logger"
)

// run is the live state of one session. mu guards session, seq and pending.
type run struct {
	mu         sync.Mutex
	session    *collaboration.Session
	roles      *role.Snapshot
	complexity role.Complexity
	seq        int
	pending    map[string]int
	log        *logger.Logger

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newRun(s *collaboration.Session, roles *role.Snapshot, complexity role.Complexity, log *logger.Logger) *run {
	return &run{
		session:    s,
		roles:      roles,
		complexity: complexity,
		pending:    make(map[string]int),
		log:        log,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (r *run) halt() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *run) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// eventLocked builds the next event in the session's sequence
func (r *run) eventLocked(kind collaboration.EventKind, i *collaboration.Interaction) collaboration.Event {
	r.seq++
	e := collaboration.Event{
		SessionID:   r.session.ID,
		Sequence:    r.seq,
		Kind:        kind,
		Stage:       r.session.Stage,
		Status:      r.session.Status,
		Interaction: i,
		Timestamp:   r.session.UpdatedAt,
	}
	if kind == collaboration.EventSessionCreated || kind == collaboration.EventSessionClosed {
		e.Session = r.session.Clone()
	}
	return e
}

// recordLocked appends an interaction and returns its event
func (r *run) recordLocked(i collaboration.Interaction) collaboration.Event {
	rec := r.session.Record(i)
	kind := collaboration.EventInteraction
	if i.Action == collaboration.ActionStageAdvanced {
		kind = collaboration.EventStageChanged
	}
	return r.eventLocked(kind, &rec)
}

func (r *run) pendingRolesLocked() []string {
	out := make([]string, 0, len(r.pending))
	for name, n := range r.pending {
		if n > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// emit forwards events to the audit sink and live subscribers outside the session lock
func (o *Orchestrator) emit(events ...collaboration.Event) {
	for i := range events {
		e := events[i]
		if o.events != nil {
			if err := o.events.AppendCollaborationEvent(context.WithoutCancel(o.baseCtx), e.SessionID, &e); err != nil {
				o.log.Warnw("Failed to append session event", "session_id", e.SessionID, "sequence", e.Sequence, "error", err)
			}
		}
		if dropped := o.broker.publish(e); dropped > 0 {
			o.log.Debugw("Slow subscribers dropped event", "session_id", e.SessionID, "sequence", e.Sequence, "dropped", dropped)
		}
	}
}

// terminate cancels or fails a running session from outside the pipeline
func (o *Orchestrator) terminate(r *run, action collaboration.Action, reason string) error {
	r.mu.Lock()
	now := o.now().UTC()
	stage := r.session.Stage
	var err error
	detail := reason
	if action == collaboration.ActionCancelled {
		err = r.session.Cancel(now)
	} else {
		if pending := r.pendingRolesLocked(); len(pending) > 0 {
			detail = reason + "; pending roles: " + strings.Join(pending, ", ")
		}
		err = r.session.Fail(detail, now)
	}
	if err != nil {
		r.mu.Unlock()
		return err
	}
	ev := r.recordLocked(collaboration.Interaction{
		Stage:     stage,
		Action:    action,
		Detail:    detail,
		Timestamp: now,
	})
	r.mu.Unlock()

	r.halt()
	o.emit(ev)
	r.log.Infow("Session terminated", "action", action, "detail", detail)
	return nil
}

// fail moves the session to failed from inside the pipeline. It is a no-op on terminal sessions.
func (o *Orchestrator) fail(r *run, role string, reason string) {
	r.mu.Lock()
	now := o.now().UTC()
	stage := r.session.Stage
	if err := r.session.Fail(reason, now); err != nil {
		r.mu.Unlock()
		return
	}
	ev := r.recordLocked(collaboration.Interaction{
		Stage:     stage,
		Role:      role,
		Action:    collaboration.ActionFailed,
		Detail:    reason,
		Timestamp: now,
	})
	r.mu.Unlock()

	r.halt()
	o.emit(ev)
	r.log.Breadcrumb(context.Background(), "session", "failed", map[string]interface{}{"role": role, "reason": reason})
	r.log.Warnw("Session failed", "role", role, "reason", reason)
}

// finish closes a session whose pipeline exited: settles spend, closes streams and notifies
func (o *Orchestrator) finish(r *run) {
	r.mu.Lock()
	if !r.session.Status.Terminal() {
		// Pipeline exited without reaching a verdict
		now := o.now().UTC()
		_ = r.session.Fail("pipeline stopped", now)
	}
	if o.ledger != nil {
		if usage, err := o.ledger.Usage(context.WithoutCancel(o.baseCtx), r.session.ID); err == nil {
			r.session.Spent = usage.Spent
		}
	}
	closed := r.eventLocked(collaboration.EventSessionClosed, nil)
	snapshot := r.session.Clone()
	r.mu.Unlock()

	o.emit(closed)
	metrics.RecordSession(string(snapshot.Strategy), string(snapshot.Status), snapshot.DebateRoundsUsed)

	if o.notifier != nil && snapshot.Status != collaboration.StatusCancelled {
		if err := o.notifier.NotifySession(context.WithoutCancel(o.baseCtx), snapshot); err != nil {
			r.log.Warnw("Failed to send session notification", "error", err)
		}
	}

	r.log.Infow("Session closed",
		"status", snapshot.Status,
		"stage", snapshot.Stage,
		"debate_rounds", snapshot.DebateRoundsUsed,
		"spent", snapshot.Spent.String(),
	)
}
