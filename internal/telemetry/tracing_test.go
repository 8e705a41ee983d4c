package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracerProviderDisabled(t *testing.T) {
	shutdown, err := InitTracerProvider(context.Background(), Config{})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	require.NoError(t, shutdown(context.Background()))
	require.NotNil(t, otel.GetTextMapPropagator())
}

func TestInitTracerProviderEnabled(t *testing.T) {
	shutdown, err := InitTracerProvider(context.Background(), Config{Enabled: true, SampleRate: 5})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "probe")
	require.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, shutdown(context.Background()))
}

func TestInitTracerProviderWithExporter(t *testing.T) {
	shutdown, err := InitTracerProvider(context.Background(), Config{
		Enabled:      true,
		ServiceName:  "luneth-test",
		OTLPEndpoint: "127.0.0.1:4318",
		Insecure:     true,
	})
	require.NoError(t, err)
	// Nothing was exported, so shutdown does not need the collector.
	require.NoError(t, shutdown(context.Background()))
}
