// Package telemetry bootstraps distributed tracing for the workflow
// server. Traces are keyed to the domain: an execution span per engine
// run, a node span per dispatch, so a slow workflow reads as a
// waterfall of its nodes in the trace UI.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds the tracing bootstrap.
type Telemetry struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// Config for telemetry
type Config struct {
	ServiceName    string
	ServiceVersion string
	JaegerEndpoint string
	TracingEnabled bool
}

// New creates new telemetry instance
func New(cfg Config) (*Telemetry, error) {
	t := &Telemetry{}
	if !cfg.TracingEnabled {
		return t, nil
	}

	exporter, err := jaeger.New(
		jaeger.WithCollectorEndpoint(
			jaeger.WithEndpoint(cfg.JaegerEndpoint),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		)),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(t.provider)
	t.tracer = otel.Tracer(cfg.ServiceName)
	return t, nil
}

// Tracer returns the tracer
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// StartExecutionSpan opens the root span for one workflow execution.
// No-ops (returning the input context) when tracing is disabled.
func (t *Telemetry) StartExecutionSpan(ctx context.Context, executionID, workflowID string, triggerType string) (context.Context, trace.Span) {
	if t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "workflow.execution",
		trace.WithAttributes(
			attribute.String("execution.id", executionID),
			attribute.String("workflow.id", workflowID),
			attribute.String("execution.trigger", triggerType),
		))
}

// StartNodeSpan opens a child span for one node dispatch.
func (t *Telemetry) StartNodeSpan(ctx context.Context, nodeName, nodeType string) (context.Context, trace.Span) {
	if t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "workflow.node",
		trace.WithAttributes(
			attribute.String("node.name", nodeName),
			attribute.String("node.type", nodeType),
		))
}

// Close shuts down telemetry
func (t *Telemetry) Close() error {
	if t.provider != nil {
		return t.provider.Shutdown(context.Background())
	}
	return nil
}
