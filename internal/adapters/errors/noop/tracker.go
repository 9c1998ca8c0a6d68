package noop

import (
	"context"

	"agentrouter/pkg/errors"
)

// Tracker drops every event. Bootstrap installs it when SENTRY_DSN is empty.
type Tracker struct{}

func New() *Tracker {
	return &Tracker{}
}

func (Tracker) CaptureError(context.Context, error, errors.Tags) error { return nil }

func (Tracker) CaptureMessage(context.Context, string, errors.Level, errors.Tags) error { return nil }

func (Tracker) AddBreadcrumb(context.Context, string, string, errors.Level, map[string]interface{}) {}

func (Tracker) Flush(context.Context) error { return nil }

var _ errors.Tracker = (*Tracker)(nil)
