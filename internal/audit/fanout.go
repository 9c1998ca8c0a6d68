package audit

import (
	"context"
	"time"

	"agentrouter/internal/domain/collaboration"
	"agentrouter/internal/domain/model_profile"
	"agentrouter/internal/domain/routing"
	"agentrouter/internal/metrics"
	"agentrouter/pkg/logger"
)

const defaultSinkTimeout = 5 * time.Second

// Fanout writes every record to all sinks. A failing sink is logged and counted,
// and the caller never sees the error.
type Fanout struct {
	sinks   []Sink
	timeout time.Duration
	log     *logger.Logger
}

// NewFanout creates a fan-out over sinks. Nil sinks are skipped.
func NewFanout(timeout time.Duration, log *logger.Logger, sinks ...Sink) *Fanout {
	if timeout <= 0 {
		timeout = defaultSinkTimeout
	}
	if log == nil {
		log = logger.Get()
	}
	live := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return &Fanout{sinks: live, timeout: timeout, log: log.With("component", "audit")}
}

// Sinks returns the names of the configured sinks
func (f *Fanout) Sinks() []string {
	names := make([]string, len(f.sinks))
	for i, s := range f.sinks {
		names[i] = s.Name()
	}
	return names
}

func (f *Fanout) Name() string { return "fanout" }

func (f *Fanout) AppendRoutingDecision(ctx context.Context, d *routing.Decision) error {
	f.each(ctx, "append_decision", func(ctx context.Context, s Sink) error {
		return s.AppendRoutingDecision(ctx, d)
	})
	return nil
}

func (f *Fanout) AppendCollaborationEvent(ctx context.Context, sessionID string, e *collaboration.Event) error {
	f.each(ctx, "append_event", func(ctx context.Context, s Sink) error {
		return s.AppendCollaborationEvent(ctx, sessionID, e)
	})
	return nil
}

func (f *Fanout) UpsertModelProfile(ctx context.Context, key model_profile.Key, p *model_profile.Profile) error {
	f.each(ctx, "upsert_profile", func(ctx context.Context, s Sink) error {
		return s.UpsertModelProfile(ctx, key, p)
	})
	return nil
}

func (f *Fanout) each(ctx context.Context, op string, fn func(ctx context.Context, s Sink) error) {
	for _, s := range f.sinks {
		sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		err := fn(sinkCtx, s)
		cancel()
		if err != nil {
			metrics.AuditSinkErrors.WithLabelValues(s.Name(), op).Inc()
			f.log.Warnw("Audit sink write failed",
				"sink", s.Name(),
				"operation", op,
				"error", err,
			)
		}
	}
}
