package errors

import (
	"context"
)

// Tracker reports errors to an external service such as Sentry
type Tracker interface {
	CaptureError(ctx context.Context, err error, tags Tags) error
	CaptureMessage(ctx context.Context, message string, level Level, tags Tags) error

	// AddBreadcrumb records a step (routing attempt, stage change) shown with the next captured error
	AddBreadcrumb(ctx context.Context, message string, category string, level Level, data map[string]interface{})

	Flush(ctx context.Context) error
}

// Tags are indexed attributes of a tracked event: session_id, strategy, role, provider
type Tags map[string]string

// With returns a copy of t extended with key/value pairs. A trailing key without a value is ignored.
func (t Tags) With(kv ...string) Tags {
	out := make(Tags, len(t)+len(kv)/2)
	for k, v := range t {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}

// Merge returns a copy of t overlaid by other
func (t Tags) Merge(other Tags) Tags {
	out := t.With()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Level is the severity of a captured message
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelFatal   Level = "fatal"
)

func (l Level) String() string {
	return string(l)
}
