package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"

	"agentrouter/internal/adapters/config"
	"agentrouter/pkg/errors"
)

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	_, ok := otel.GetTracerProvider().(noop.TracerProvider)
	assert.True(t, ok, "expected noop provider, got %T", otel.GetTracerProvider())
}

func TestSetup_Stdout(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{Enabled: true, Exporter: "stdout", Sample: 0.5})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetup_UnsupportedExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracingConfig{Enabled: true, Exporter: "jaeger"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestStartSpanAndEnd(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test", String("k", "v"), Int("n", 1), Float("f", 0.5))
	require.NotNil(t, ctx)
	End(span, errors.New("failed"))

	_, span = StartSpan(ctx, "child")
	End(span, nil)
}
