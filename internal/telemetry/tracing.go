// Package telemetry configures OpenTelemetry tracing for the broker.
//
// Tracing is opt-in: without an OTLP endpoint the package hands out spans
// from the global noop provider, which cost nothing. Span attributes use the
// `bouncer.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "bouncer/broker"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. An empty endpoint leaves the noop provider in place. The
// returned shutdown function must be called on exit.
func InitTraceProvider(ctx context.Context, endpoint, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("bouncer"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartRequestSpan creates the parent span for one brokered request.
func StartRequestSpan(ctx context.Context, action, source string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "broker."+action,
		trace.WithAttributes(
			attribute.String("bouncer.action", action),
			attribute.String("bouncer.source", source),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndWithStatus stamps the decision on the span and ends it. Terminal broker
// statuses are data, not errors; only transport failures mark the span red.
func EndWithStatus(span trace.Span, status string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("bouncer.status", status))
	}
	span.End()
}
