package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, "none", cfg.Exporter)
	assert.Equal(t, "rentrt", cfg.ServiceName)
	assert.Equal(t, 0.1, cfg.SampleRate)
	assert.False(t, cfg.ShouldEnable())
}

func TestShouldEnableNeedsSignal(t *testing.T) {
	cfg := NewConfig()
	cfg.Exporter = "stdout"
	assert.False(t, cfg.ShouldEnable())

	cfg.MetricsEnabled = true
	assert.True(t, cfg.ShouldEnable())
}

func TestInitDisabled(t *testing.T) {
	tel, cleanup, err := Init(context.Background(), NewConfig())
	require.NoError(t, err)
	require.NotNil(t, cleanup)
	defer cleanup()

	assert.Nil(t, tel.Metrics())
	assert.NotNil(t, tel.TracerProvider())
	assert.NotNil(t, tel.MeterProvider())
}

func TestInitStdout(t *testing.T) {
	cfg := NewConfig()
	cfg.Exporter = "stdout"
	cfg.MetricsEnabled = true
	cfg.TracesEnabled = true
	cfg.SampleRate = 1

	tel, cleanup, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	defer cleanup()

	require.NotNil(t, tel.Metrics())
	_, span := tel.TracerProvider().Tracer("test").Start(context.Background(), "op")
	assert.True(t, span.IsRecording())
	span.End()
}

func TestInitUnknownExporter(t *testing.T) {
	cfg := NewConfig()
	cfg.Exporter = "carrier-pigeon"
	cfg.MetricsEnabled = true

	_, _, err := Init(context.Background(), cfg)
	assert.ErrorContains(t, err, "unknown exporter")
}

func TestShutdownIsIdempotent(t *testing.T) {
	cfg := NewConfig()
	cfg.Exporter = "stdout"
	cfg.MetricsEnabled = true

	tel, _, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestInitMetricsRecords(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := InitMetrics(mp)
	require.NoError(t, err)

	ctx := context.Background()
	m.RealtimeConnectAttempts.Add(ctx, 2)
	m.RealtimeConnectedEndpoints.Record(ctx, 3)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	got := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			got[md.Name] = true
		}
	}
	assert.True(t, got["realtime.client.connect_attempts"])
	assert.True(t, got["realtime.client.connected_endpoints"])
}
