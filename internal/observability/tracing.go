// Package observability wires the OpenTelemetry tracer the authority's
// append path, the provider adapter, and task lifecycle spans use. A
// deployment with no collector still runs: with no exporter installed,
// otel.Tracer falls back to its global no-op implementation and spans are
// simply discarded.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config mirrors config.TracingConfig without importing the config package,
// keeping this package usable from cmd/ without a dependency cycle.
type Config struct {
	Endpoint    string
	ServiceName string
	Insecure    bool
}

// Setup installs a global TracerProvider when cfg.Endpoint is set, exporting
// spans over OTLP/HTTP. It returns a shutdown func that flushes and closes
// the exporter; callers should defer it. When cfg.Endpoint is empty, Setup
// is a no-op and the returned shutdown func does nothing.
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "rip"
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observability: build otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns the named tracer off the current global TracerProvider
// (no-op until Setup installs one).
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
