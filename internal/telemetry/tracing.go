/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the registry
// server.
//
// Custom span attributes use the `iacreg.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "iacreg.io/registry"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("iacreg-registry"),
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

// --- Span helpers ---

// StartWebhookSpan creates the parent span for an inbound webhook delivery.
func StartWebhookSpan(ctx context.Context, provider, event string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "webhook.ingest",
		trace.WithAttributes(
			attribute.String("iacreg.webhook_provider", provider),
			attribute.String("iacreg.webhook_event", event),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartCascadeSpan creates a child span for policy-driven cascade fan-out
// triggered by a newly approved version.
func StartCascadeSpan(ctx context.Context, artifactID, version string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "cascade.fanout",
		trace.WithAttributes(
			attribute.String("iacreg.artifact_id", artifactID),
			attribute.String("iacreg.version", version),
		),
	)
}

// StartRunSpan creates the parent span for a module run's lifecycle.
func StartRunSpan(ctx context.Context, moduleID string, operation string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "module.run",
		trace.WithAttributes(
			attribute.String("iacreg.module_id", moduleID),
			attribute.String("iacreg.operation", operation),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndRunSpan enriches the run span with its terminal status.
func EndRunSpan(span trace.Span, status string, exitCode int) {
	span.SetAttributes(
		attribute.String("iacreg.run_status", status),
		attribute.Int("iacreg.exit_code", exitCode),
	)
	span.End()
}

// StartDispatchSpan creates a child span for dispatching a run to the
// execution backend.
func StartDispatchSpan(ctx context.Context, runID, target string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "dispatch.send",
		trace.WithAttributes(
			attribute.String("iacreg.run_id", runID),
			attribute.String("iacreg.dispatch_target", target),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartPolicySpan creates a child span for a policy evaluation.
func StartPolicySpan(ctx context.Context, artifactID string, trigger string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "policy.evaluate",
		trace.WithAttributes(
			attribute.String("iacreg.artifact_id", artifactID),
			attribute.String("iacreg.trigger", trigger),
		),
	)
}

// EndPolicySpan enriches the policy span with its outcome.
func EndPolicySpan(span trace.Span, outcome string) {
	span.SetAttributes(attribute.String("iacreg.policy_outcome", outcome))
	span.End()
}
