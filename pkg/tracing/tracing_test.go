package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestDisabledTracerIsNoop(t *testing.T) {
	p, err := InitTracer(context.Background(), Config{ServiceName: "procctl", Enabled: false})
	require.NoError(t, err)

	_, span := p.StartSpan(context.Background(), "command")
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestHeaderPropagationRoundTrip(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	p := &Provider{tp: tp, tracer: tp.Tracer("test"), propagator: propagation.TraceContext{}}

	ctx, span := p.StartSpan(context.Background(), "publish")
	defer span.End()

	headers := map[string]interface{}{"x-other": int64(7)}
	p.Inject(ctx, headers)
	require.Contains(t, headers, "traceparent")

	remote := trace.SpanContextFromContext(p.Extract(context.Background(), headers))
	assert.True(t, remote.IsValid())
	assert.Equal(t, span.SpanContext().TraceID(), remote.TraceID())
}

func TestHeaderCarrierIgnoresNonStrings(t *testing.T) {
	c := HeaderCarrier{"a": "x", "b": 3}
	assert.Equal(t, "x", c.Get("a"))
	assert.Equal(t, "", c.Get("b"))
	assert.ElementsMatch(t, []string{"a", "b"}, c.Keys())
}
