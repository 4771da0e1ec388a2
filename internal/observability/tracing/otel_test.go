package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestInitWithoutExporter(t *testing.T) {
	cfg := DefaultConfig("workflow-api")
	require.Empty(t, cfg.OTLPEndpoint)

	p, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	ctx, span := p.Tracer("test").Start(context.Background(), "dispense")
	assert.True(t, span.SpanContext().IsValid())
	assert.True(t, span.SpanContext().IsSampled())

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	assert.NotEmpty(t, carrier.Get("traceparent"))
	span.End()
}

func TestResourceNamesService(t *testing.T) {
	cfg := DefaultConfig("reconcile-worker")
	cfg.Environment = "staging"

	res, err := newResource(context.Background(), cfg)
	require.NoError(t, err)

	got := map[string]string{}
	for _, kv := range res.Attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "reconcile-worker", got["service.name"])
	assert.Equal(t, "staging", got["deployment.environment"])
	assert.Equal(t, "opentelemetry", got["telemetry.sdk.name"])
}

func TestSampler(t *testing.T) {
	assert.Contains(t, Sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, Sampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, Sampler(0.5).Description(), "TraceIDRatioBased")
}

func TestShutdownZeroProvider(t *testing.T) {
	assert.NoError(t, (&Provider{}).Shutdown(context.Background()))
}
