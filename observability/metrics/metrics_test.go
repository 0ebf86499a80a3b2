package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	totals := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	return totals
}

func TestEngineHooksRecordActivity(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(ctx) })

	hooks, err := EngineHooks(provider.Meter("test"))
	require.NoError(t, err)

	hooks.OnPublish(ctx, "orders", 3)
	hooks.OnPublishFail(ctx, "orders", 2, errors.New("boom"))
	hooks.OnReceive(ctx, "orders-sub", "m1")
	hooks.OnReceive(ctx, "orders-sub", "m2")
	hooks.OnAck(ctx, "orders-sub", "a1")
	hooks.OnNack(ctx, "orders-sub", "a2")
	hooks.OnLeaseExtend(ctx, "orders-sub", 5)
	hooks.OnStreamRetry(ctx, "orders-sub", errors.New("unavailable"), time.Second)

	totals := collect(t, reader)
	assert.Equal(t, int64(3), totals["pubsub.publish.messages"])
	assert.Equal(t, int64(2), totals["pubsub.publish.failures"])
	assert.Equal(t, int64(2), totals["pubsub.pull.messages"])
	assert.Equal(t, int64(1), totals["pubsub.pull.acks"])
	assert.Equal(t, int64(1), totals["pubsub.pull.nacks"])
	assert.Equal(t, int64(5), totals["pubsub.lease.extensions"])
	assert.Equal(t, int64(1), totals["pubsub.pull.stream_retries"])
}

func TestEngineHooksAreComplete(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	hooks, err := EngineHooks(provider.Meter("test"))
	require.NoError(t, err)
	assert.NotNil(t, hooks.OnPublish)
	assert.NotNil(t, hooks.OnPublishFail)
	assert.NotNil(t, hooks.OnReceive)
	assert.NotNil(t, hooks.OnAck)
	assert.NotNil(t, hooks.OnNack)
	assert.NotNil(t, hooks.OnLeaseExtend)
	assert.NotNil(t, hooks.OnStreamRetry)
}

func TestExporterOptions(t *testing.T) {
	e := defaultExporter()
	for _, opt := range []Option{
		WithServiceName("billing"),
		WithServiceNamespace("payments"),
		WithServiceVersion("2.1.0"),
		WithOTLPEndpoint("collector:4318"),
		WithOTLPGRPCEndpoint("collector:4317"),
		WithEnvironment("staging"),
		WithPushInterval(time.Minute),
	} {
		opt(e)
	}
	assert.Equal(t, "billing", e.serviceName)
	assert.Equal(t, "payments", e.serviceNamespace)
	assert.Equal(t, "2.1.0", e.serviceVersion)
	assert.Equal(t, "collector:4318", e.otlpEndpoint)
	assert.Equal(t, "collector:4317", e.otlpGRPCEndpoint)
	assert.Equal(t, "staging", e.environment)
	assert.Equal(t, time.Minute, e.interval)
}

func TestPushIntervalIgnoresNonPositive(t *testing.T) {
	e := defaultExporter()
	WithPushInterval(0)(e)
	assert.Equal(t, 10*time.Second, e.interval)
}
