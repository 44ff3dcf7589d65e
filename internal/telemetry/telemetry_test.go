package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ashita-ai/kanri/internal/telemetry"
)

func TestInitDisabledInstallsNothing(t *testing.T) {
	before := otel.GetMeterProvider()
	shutdown, err := telemetry.Init(context.Background(), telemetry.Config{ServiceName: "kanri"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetMeterProvider())
}

func initWithReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	shutdown, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "kanri-test",
		Version:     "v0.0.0",
		Attributes:  []attribute.KeyValue{attribute.String("kanri.storage", "sqlite")},
		Reader:      reader,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })
	return reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func find(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func TestRunDurationBuckets(t *testing.T) {
	reader := initWithReader(t)
	ctx := context.Background()

	h, err := telemetry.Meter("kanri/lifecycle").Float64Histogram(telemetry.RunDurationMetric, metric.WithUnit("ms"))
	require.NoError(t, err)
	h.Record(ctx, 1500, metric.WithAttributes(attribute.String("status", "success")))
	h.Record(ctx, 450000, metric.WithAttributes(attribute.String("status", "success")))

	rm := collect(t, reader)
	m, ok := find(rm, telemetry.RunDurationMetric)
	require.True(t, ok)
	hist, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	dp := hist.DataPoints[0]
	assert.Equal(t, uint64(2), dp.Count)
	assert.Contains(t, dp.Bounds, 600000.0, "ten minute runs get their own bucket")
	assert.Contains(t, dp.Bounds, 2500.0)

	name, ok := rm.Resource.Set().Value("service.name")
	require.True(t, ok)
	assert.Equal(t, "kanri-test", name.AsString())
	backend, ok := rm.Resource.Set().Value("kanri.storage")
	require.True(t, ok)
	assert.Equal(t, "sqlite", backend.AsString())
	_, ok = rm.Resource.Set().Value("service.instance.id")
	assert.True(t, ok)
}

func TestAdmissionDecisionsDropLimiterKey(t *testing.T) {
	reader := initWithReader(t)

	c, err := telemetry.Meter("kanri/ratelimit").Int64Counter(telemetry.AdmissionMetric)
	require.NoError(t, err)
	for _, key := range []string{"principal:a", "principal:b", "ip:10.0.0.1"} {
		c.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("scope", "api"),
			attribute.String("outcome", "allowed"),
			attribute.String("key", key),
		))
	}

	m, ok := find(collect(t, reader), telemetry.AdmissionMetric)
	require.True(t, ok)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1, "keys collapse into one series")
	assert.Equal(t, int64(3), sum.DataPoints[0].Value)
	_, hasKey := sum.DataPoints[0].Attributes.Value("key")
	assert.False(t, hasKey)
}
