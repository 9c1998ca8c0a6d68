package sentry

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"

	"agentrouter/pkg/errors"
)

// Tracker implements error tracking via Sentry
type Tracker struct {
	hub          *sentry.Hub
	flushTimeout time.Duration
}

// New creates a new Sentry tracker
func New(dsn string, environment string) (*Tracker, error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		ServerName:  "agentrouter",
	})
	if err != nil {
		return nil, err
	}

	return &Tracker{
		hub:          sentry.CurrentHub(),
		flushTimeout: 2 * time.Second,
	}, nil
}

// CaptureError sends an error to Sentry. Events carrying a provider or role tag are
// grouped per backend and role instead of by stack trace, so one failing model does
// not absorb every other routing error.
func (t *Tracker) CaptureError(ctx context.Context, err error, tags errors.Tags) error {
	hub := t.hub.Clone()

	hub.ConfigureScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		if fp := fingerprint(tags); fp != nil {
			scope.SetFingerprint(fp)
		}
		if id := tags["session_id"]; id != "" {
			scope.SetContext("session", sentry.Context{"id": id, "strategy": tags["strategy"]})
		}
	})

	hub.CaptureException(err)
	return nil
}

func fingerprint(tags errors.Tags) []string {
	provider, role := tags["provider"], tags["role"]
	if provider == "" && role == "" {
		return nil
	}
	return []string{"{{ default }}", provider, role}
}

// CaptureMessage sends a message to Sentry
func (t *Tracker) CaptureMessage(ctx context.Context, message string, level errors.Level, tags errors.Tags) error {
	hub := t.hub.Clone()
	sentryLevel := t.convertLevel(level)

	hub.ConfigureScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		scope.SetLevel(sentryLevel)
	})

	hub.CaptureMessage(message)
	return nil
}

// AddBreadcrumb records a step leading up to an error
func (t *Tracker) AddBreadcrumb(ctx context.Context, message string, category string, level errors.Level, data map[string]interface{}) {
	t.hub.AddBreadcrumb(&sentry.Breadcrumb{
		Message:   message,
		Category:  category,
		Level:     t.convertLevel(level),
		Data:      data,
		Timestamp: time.Now(),
	}, &sentry.BreadcrumbHint{})
}

// Flush waits for all pending events to be sent or for ctx to expire
func (t *Tracker) Flush(ctx context.Context) error {
	timeout := t.flushTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if !sentry.Flush(timeout) {
		return errors.Wrapf(errors.ErrTimeout, "sentry flush exceeded %v", timeout)
	}
	return nil
}

func (t *Tracker) convertLevel(level errors.Level) sentry.Level {
	switch level {
	case errors.LevelDebug:
		return sentry.LevelDebug
	case errors.LevelInfo:
		return sentry.LevelInfo
	case errors.LevelWarning:
		return sentry.LevelWarning
	case errors.LevelError:
		return sentry.LevelError
	case errors.LevelFatal:
		return sentry.LevelFatal
	default:
		return sentry.LevelInfo
	}
}
