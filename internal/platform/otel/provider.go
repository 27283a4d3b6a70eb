// Package otel wires OpenTelemetry tracing for the daemon.
package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Options select where spans go. Tracing is off unless Enabled is set and
// Endpoint is non-empty.
type Options struct {
	Endpoint string `json:"endpoint" env:"PDV_OTEL_ENDPOINT"`
	Enabled  bool   `json:"enabled" env:"PDV_OTEL_ENABLED"`
}

// Setup registers a global tracer provider exporting over OTLP/HTTP. When
// tracing is off it returns a no-op shutdown and leaves the global provider
// alone, so tracers resolve to the no-op implementation.
//
// The returned shutdown flushes pending spans and should be deferred.
func Setup(ctx context.Context, serviceName string, opts Options) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if !opts.Enabled || opts.Endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(opts.Endpoint))
	if err != nil {
		return noop, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}
