// Package telemetry wires up the OpenTelemetry tracer provider the
// dispatcher's telemetry-seed step (spec §4.4 step 1) records spans
// against. No example repo in the pack uses OpenTelemetry directly;
// this follows the library's own standard exporter-provider-shutdown
// idiom rather than a pack-specific pattern (see DESIGN.md).
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/nextlevelbuilder/gatewaybot/internal/config"
)

// Shutdown flushes and tears down the tracer provider. Callers should
// defer it from main.
type Shutdown func(context.Context) error

// Setup installs a global TracerProvider per cfg. If cfg.Endpoint is
// empty, tracing runs with an always-sample, no-export provider (spans
// are created but never leave the process) so the dispatcher's
// telemetry-seed step always has a valid tracer to call.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (Shutdown, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "gatewaybot"
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if cfg.Endpoint != "" {
		exporter, err := newExporter(ctx, cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	return func(shutdownCtx context.Context) error {
		return tp.Shutdown(shutdownCtx)
	}, nil
}

func newExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == "http" {
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint))
		if err != nil {
			return nil, fmt.Errorf("telemetry: http exporter: %w", err)
		}
		return exp, nil
	}
	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("telemetry: grpc exporter: %w", err)
	}
	return exp, nil
}
