// Package telemetry wires kanri's OpenTelemetry traces and metrics: OTLP/HTTP
// export, W3C propagation, and the histogram layouts for run and request
// durations.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Instruments whose aggregation kanri configures.
const (
	RunDurationMetric  = "kanri.runs.duration"
	HTTPDurationMetric = "http.server.duration"
	AdmissionMetric    = "kanri.ratelimit.decisions"
)

// Runs are LLM calls: sub-second to the ten minute executor ceiling.
var runDurationBounds = []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000, 300000, 600000}

var httpDurationBounds = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

// Config selects where telemetry goes.
type Config struct {
	// Endpoint is the OTLP/HTTP collector. Empty disables export.
	Endpoint    string
	Insecure    bool
	ServiceName string
	Version     string
	// SampleRatio applies to root spans; child spans follow their parent.
	SampleRatio float64
	// Attributes are added to the resource, e.g. the storage backend.
	Attributes []attribute.KeyValue
	// MetricInterval is the export period. Defaults to 15s.
	MetricInterval time.Duration
	// Reader receives metrics in addition to the exporter. With no Endpoint
	// it is the only destination.
	Reader sdkmetric.Reader
}

// Shutdown flushes and stops the providers installed by Init.
type Shutdown func(ctx context.Context) error

// Init installs the global tracer and meter providers described by cfg.
// With neither Endpoint nor Reader set it installs nothing and the global
// no-op providers stay in place. The returned Shutdown must run during
// graceful shutdown.
func Init(ctx context.Context, cfg Config) (Shutdown, error) {
	if cfg.Endpoint == "" && cfg.Reader == nil {
		return func(context.Context) error { return nil }, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var shutdowns []func(context.Context) error
	if cfg.Endpoint != "" {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(tp)
		shutdowns = append(shutdowns, tp.Shutdown)
	}

	// Incoming traceparent headers are extracted by the HTTP middleware and
	// injected again on executor calls.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, v := range views() {
		opts = append(opts, sdkmetric.WithView(v))
	}
	if cfg.Endpoint != "" {
		metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
		}
		exp, err := otlpmetrichttp.New(ctx, metricOpts...)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("telemetry: create metric exporter: %w", err), shutdownAll(ctx, shutdowns))
		}
		interval := cfg.MetricInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))))
	}
	if cfg.Reader != nil {
		opts = append(opts, sdkmetric.WithReader(cfg.Reader))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	shutdowns = append(shutdowns, mp.Shutdown)

	return func(ctx context.Context) error { return shutdownAll(ctx, shutdowns) }, nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.Version),
		semconv.ServiceInstanceIDKey.String(uuid.NewString()),
	}
	attrs = append(attrs, cfg.Attributes...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...), resource.WithHost())
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}
	return res, nil
}

func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	), nil
}

func views() []sdkmetric.View {
	return []sdkmetric.View{
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: RunDurationMetric},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: runDurationBounds}},
		),
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: HTTPDurationMetric},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: httpDurationBounds}},
		),
		// Never let a limiter key (principal or IP) become a label.
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: AdmissionMetric},
			sdkmetric.Stream{AttributeFilter: attribute.NewAllowKeysFilter("scope", "outcome")},
		),
	}
}

func shutdownAll(ctx context.Context, fns []func(context.Context) error) error {
	var errs []error
	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Tracer returns the global tracer for the given instrumentation scope.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
