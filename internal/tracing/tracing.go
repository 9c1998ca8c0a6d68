package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"agentrouter/internal/adapters/config"
	"agentrouter/pkg/errors"
)

const tracerName = "agentrouter"

// Setup installs the global tracer provider and returns its shutdown function.
// Disabled tracing installs a noop provider.
func Setup(_ context.Context, cfg config.TracingConfig) (func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, errors.Wrap(err, "create stdout exporter")
		}
		exporter = exp
	case "noop", "":
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	default:
		return nil, errors.Wrapf(errors.ErrConfiguration, "unsupported trace exporter %q", cfg.Exporter)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.Sample > 0 && cfg.Sample < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Sample))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartSpan starts a named span on the service tracer
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on the span when non-nil, otherwise marks it OK, then ends it
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// String is a convenience for attribute.String
func String(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// Int is a convenience for attribute.Int
func Int(key string, value int) attribute.KeyValue {
	return attribute.Int(key, value)
}

// Float is a convenience for attribute.Float64
func Float(key string, value float64) attribute.KeyValue {
	return attribute.Float64(key, value)
}
