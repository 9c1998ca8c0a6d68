package logger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"agentrouter/pkg/errors"
)

type captured struct {
	err  error
	tags errors.Tags
}

type fakeTracker struct {
	mu          sync.Mutex
	errors      []captured
	breadcrumbs []map[string]interface{}
}

func (f *fakeTracker) CaptureError(_ context.Context, err error, tags errors.Tags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, captured{err: err, tags: tags})
	return nil
}

func (f *fakeTracker) CaptureMessage(context.Context, string, errors.Level, errors.Tags) error {
	return nil
}

func (f *fakeTracker) AddBreadcrumb(_ context.Context, _ string, _ string, _ errors.Level, data map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breadcrumbs = append(f.breadcrumbs, data)
}

func (f *fakeTracker) Flush(context.Context) error { return nil }

func withGlobal(t *testing.T) {
	t.Helper()
	prev := globalLogger
	globalLogger = wrap(zap.NewNop())
	t.Cleanup(func() { globalLogger = prev })
}

func TestSetErrorTracker_ReachesExistingChildren(t *testing.T) {
	withGlobal(t)
	child := Component("dispatcher")

	tracker := &fakeTracker{}
	SetErrorTracker(tracker)

	child.Errorf("route %s failed", "analyst")
	require.Len(t, tracker.errors, 1)
	assert.EqualError(t, tracker.errors[0].err, "route analyst failed")
	assert.Equal(t, "logger", tracker.errors[0].tags["component"])
}

func TestForSession_TagsErrorsAndBreadcrumbs(t *testing.T) {
	withGlobal(t)
	tracker := &fakeTracker{}
	SetErrorTracker(tracker)

	log := Get().ForSession("s-1", "debate")
	log.Breadcrumb(context.Background(), "session", "stage advanced", map[string]interface{}{"to": "debate"})

	boom := errors.New("provider down")
	log.Errorw("Dispatch failed", "error", boom)

	require.Len(t, tracker.errors, 1)
	assert.ErrorIs(t, tracker.errors[0].err, boom)
	assert.Equal(t, "s-1", tracker.errors[0].tags["session_id"])
	assert.Equal(t, "debate", tracker.errors[0].tags["strategy"])

	require.Len(t, tracker.breadcrumbs, 1)
	assert.Equal(t, "debate", tracker.breadcrumbs[0]["to"])
	assert.Equal(t, "s-1", tracker.breadcrumbs[0]["session_id"])

	// Sibling loggers do not inherit the session
	Get().Error("unscoped")
	require.Len(t, tracker.errors, 2)
	assert.NotContains(t, tracker.errors[1].tags, "session_id")
}

func TestLogger_NoTrackerIsSilent(t *testing.T) {
	log := Nop()
	assert.NotPanics(t, func() {
		log.Error("nothing to report to")
		log.Breadcrumb(context.Background(), "routing", "attempt failed", nil)
	})
}
