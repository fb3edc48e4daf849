// Package telemetry initializes OpenTelemetry tracing and metrics exporters
// and owns the instruments shared by the analysis pipeline.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
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

// Shutdown flushes and stops the exporters.
type Shutdown func(ctx context.Context) error

// Config selects the OTLP/HTTP collector. An empty Endpoint disables export.
type Config struct {
	Endpoint    string
	ServiceName string
	Version     string
	Insecure    bool
}

// Init configures the global tracer and meter providers. If cfg.Endpoint is
// empty the global no-op providers stay in place.
func Init(ctx context.Context, cfg Config) (Shutdown, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	)

	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Tracer returns the global tracer for the given instrumentation scope.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Pipeline holds the analysis job instruments.
type Pipeline struct {
	Jobs     metric.Int64Counter
	Duration metric.Float64Histogram
}

// NewPipeline registers the pipeline instruments on the global meter.
// Instrument creation only fails on invalid names, so errors fall back to
// no-op instruments.
func NewPipeline() Pipeline {
	m := Meter("kaiseki/pipeline")
	jobs, _ := m.Int64Counter("kaiseki.pipeline.jobs",
		metric.WithDescription("Analysis jobs by terminal outcome"))
	dur, _ := m.Float64Histogram("kaiseki.pipeline.duration",
		metric.WithDescription("Analysis job duration"),
		metric.WithUnit("s"))
	return Pipeline{Jobs: jobs, Duration: dur}
}

// ExplainCache counts explanation lookups by the tier that served them.
func ExplainCache() metric.Int64Counter {
	c, _ := Meter("kaiseki/explain").Int64Counter("kaiseki.explain.cache",
		metric.WithDescription("Explanation lookups by serving tier (memory, disk, generated)"))
	return c
}

// RegisterQueueDepth exposes the dispatcher backlog as an observable gauge.
func RegisterQueueDepth(depth func() int64) error {
	_, err := Meter("kaiseki/dispatch").Int64ObservableGauge("kaiseki.dispatch.queue_depth",
		metric.WithDescription("Jobs waiting for a worker"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(depth())
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("telemetry: register queue depth: %w", err)
	}
	return nil
}
