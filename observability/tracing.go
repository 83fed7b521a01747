/*
Package observability wires OpenTelemetry tracing.

InitTracer installs a global tracer provider exporting over OTLP/gRPC.
HTTP server spans come from otelhttp in the api package. With no
endpoint configured tracing stays disabled and the global no-op provider
is left in place.
*/
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

type Config struct {
	Endpoint    string
	ServiceName string
}

// Shutdown flushes pending spans.
type Shutdown func(ctx context.Context) error

func noop(context.Context) error { return nil }

func InitTracer(ctx context.Context, cfg Config, logger *zap.Logger) (Shutdown, error) {
	if cfg.Endpoint == "" {
		return noop, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return noop, fmt.Errorf("create OTLP exporter: %w", err)
	}
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(e error) {
		logger.Warn("otel error", zap.Error(e))
	}))

	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		return noop, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(200*time.Millisecond),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", zap.String("endpoint", cfg.Endpoint))

	return tp.Shutdown, nil
}
