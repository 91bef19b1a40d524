// Package tracing wires the OpenTelemetry SDK around execution runs,
// model turns, tool calls, and worktree git invocations, keyed by
// execution_id and trace_id.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config controls the HTTP OTLP exporter.
type Config struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
	Headers     map[string]string
}

const defaultServiceName = "goyais-worker"

// Provider wraps a TracerProvider and its shutdown hook. A disabled
// Provider returns a no-op tracer so call sites never branch on whether
// tracing is configured.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// New builds a Provider. When cfg.Enabled is false or Endpoint is empty,
// it returns a no-op provider rather than failing — tracing is an ambient
// concern, never a startup requirement.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return &Provider{tracer: otel.Tracer(serviceNameOr(cfg.ServiceName))}, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("tracing: build otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceNameOr(cfg.ServiceName)),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, tracer: tp.Tracer(serviceNameOr(cfg.ServiceName))}, nil
}

// Noop returns a Provider that records nothing, for callers constructed
// without telemetry.
func Noop() *Provider {
	return &Provider{tracer: otel.Tracer(defaultServiceName)}
}

func serviceNameOr(name string) string {
	if name == "" {
		return defaultServiceName
	}
	return name
}

// Shutdown flushes and stops the exporter. Safe to call on a no-op
// provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(shutdownCtx)
}

// StartExecution opens the root span for one claimed execution.
func (p *Provider) StartExecution(ctx context.Context, executionID, traceID, conversationID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "execution.run", trace.WithAttributes(
		attribute.String("execution_id", executionID),
		attribute.String("trace_id", traceID),
		attribute.String("conversation_id", conversationID),
	))
}

// StartModelTurn opens a span around one model turn.
func (p *Provider) StartModelTurn(ctx context.Context, turn int, vendor, modelID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "model.turn", trace.WithAttributes(
		attribute.Int("turn", turn),
		attribute.String("vendor", vendor),
		attribute.String("model_id", modelID),
	))
}

// StartTool opens a span around one tool call's execution.
func (p *Provider) StartTool(ctx context.Context, name, callID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool_name", name),
		attribute.String("call_id", callID),
	))
}

// StartWorktreeOp opens a span around one worktree git invocation.
func (p *Provider) StartWorktreeOp(ctx context.Context, op, executionID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "worktree."+op, trace.WithAttributes(
		attribute.String("execution_id", executionID),
	))
}
