package logger

import (
	"context"
	"fmt"
	"maps"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"agentrouter/pkg/errors"
)

var globalLogger *Logger

// trackerRef is shared by a logger and all of its children, so SetErrorTracker
// reaches loggers that components captured before the tracker existed
type trackerRef struct {
	atomic.Pointer[errors.Tracker]
}

func (r *trackerRef) get() errors.Tracker {
	if p := r.Load(); p != nil {
		return *p
	}
	return nil
}

// Logger wraps zap.SugaredLogger. Errors are also sent to the error tracker,
// tagged with the session the logger was scoped to.
type Logger struct {
	*zap.SugaredLogger
	tracker *trackerRef
	tags    errors.Tags
}

// Init initializes the global logger. Production uses JSON output, everything else colored console.
func Init(level string, env string) error {
	var config zap.Config

	if env == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := config.Build(
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return err
	}

	globalLogger = wrap(logger)
	return nil
}

func wrap(z *zap.Logger) *Logger {
	return &Logger{SugaredLogger: z.Sugar(), tracker: &trackerRef{}}
}

// SetErrorTracker routes Error-level logs of the global logger and its children to tracker
func SetErrorTracker(tracker errors.Tracker) {
	l := Get()
	if tracker == nil {
		l.tracker.Store(nil)
		return
	}
	l.tracker.Store(&tracker)
}

// Get returns the global logger
func Get() *Logger {
	if globalLogger == nil {
		logger, _ := zap.NewDevelopment()
		globalLogger = wrap(logger)
	}
	return globalLogger
}

// Component returns a child logger tagged with the component name
func Component(name string) *Logger {
	return Get().With("component", name)
}

// Nop returns a logger that discards everything, for tests and benchmarks
func Nop() *Logger {
	return wrap(zap.NewNop())
}

func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{
		SugaredLogger: l.SugaredLogger.With(args...),
		tracker:       l.tracker,
		tags:          l.tags,
	}
}

// ForSession scopes the logger to a collaboration session. The session id and
// strategy become log fields and tags on anything sent to the error tracker.
func (l *Logger) ForSession(sessionID string, strategy string) *Logger {
	return l.WithTags("session_id", sessionID, "strategy", strategy)
}

// WithTags adds key/value pairs both as log fields and as error tracker tags
func (l *Logger) WithTags(kv ...string) *Logger {
	fields := make([]interface{}, len(kv))
	for i, v := range kv {
		fields[i] = v
	}
	return &Logger{
		SugaredLogger: l.SugaredLogger.With(fields...),
		tracker:       l.tracker,
		tags:          l.tags.With(kv...),
	}
}

// Error logs and reports to the error tracker
func (l *Logger) Error(args ...interface{}) {
	l.SugaredLogger.Error(args...)
	l.capture(errors.Wrapf(errors.ErrInternal, "%s", fmt.Sprint(args...)))
}

// Errorf logs and reports to the error tracker
func (l *Logger) Errorf(template string, args ...interface{}) {
	l.SugaredLogger.Errorf(template, args...)
	l.capture(fmt.Errorf(template, args...))
}

// Errorw logs with fields and reports msg to the error tracker. An "error"
// field, when present, is reported instead of msg.
func (l *Logger) Errorw(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Errorw(msg, keysAndValues...)

	err := errors.Wrapf(errors.ErrInternal, "%s", msg)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if k, _ := keysAndValues[i].(string); k == "error" {
			if e, ok := keysAndValues[i+1].(error); ok {
				err = errors.Wrap(e, msg)
			}
		}
	}
	l.capture(err)
}

// Breadcrumb records a step on the error tracker so a later error shows what led to it.
// Nothing is logged.
func (l *Logger) Breadcrumb(ctx context.Context, category string, message string, data map[string]interface{}) {
	tracker := l.tracker.get()
	if tracker == nil {
		return
	}
	if len(l.tags) > 0 {
		enriched := make(map[string]interface{}, len(data)+len(l.tags))
		for k, v := range l.tags {
			enriched[k] = v
		}
		maps.Copy(enriched, data)
		data = enriched
	}
	tracker.AddBreadcrumb(ctx, message, category, errors.LevelInfo, data)
}

func (l *Logger) capture(err error) {
	tracker := l.tracker.get()
	if tracker == nil {
		return
	}
	_ = tracker.CaptureError(context.Background(), err, errors.Tags{"component": "logger"}.Merge(l.tags))
}

// Convenience functions that use the global logger
func Debug(args ...interface{})                   { Get().Debug(args...) }
func Debugf(template string, args ...interface{}) { Get().Debugf(template, args...) }
func Info(args ...interface{})                    { Get().Info(args...) }
func Infof(template string, args ...interface{})  { Get().Infof(template, args...) }
func Warn(args ...interface{})                    { Get().Warn(args...) }
func Warnf(template string, args ...interface{})  { Get().Warnf(template, args...) }
func Error(args ...interface{})                   { Get().Error(args...) }
func Errorf(template string, args ...interface{}) { Get().Errorf(template, args...) }
func Fatal(args ...interface{})                   { Get().Fatal(args...) }
func Fatalf(template string, args ...interface{}) { Get().Fatalf(template, args...) }

// Sync flushes any buffered log entries
func Sync() error {
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}
