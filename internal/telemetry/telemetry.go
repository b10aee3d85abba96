// Package telemetry wires OpenTelemetry tracing and Prometheus metrics
// for the daemon. Both are observability only: neither alters
// scheduling or retry semantics, so callers may always pass a no-op
// Provider in tests without changing behavior.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	tracerName  = "taskloopd"
	serviceName = "taskloopd"
)

// Config selects the tracer's exporter. An empty OTLPEndpoint falls back
// to a stdout exporter so the daemon never fails to start for lack of a
// collector.
type Config struct {
	OTLPEndpoint string
	Enabled      bool
}

// Provider wraps a tracer and its shutdown hook.
type Provider struct {
	Tracer   trace.Tracer
	shutdown func(context.Context) error
}

// NewProvider builds a Provider per cfg. When cfg.Enabled is false it
// returns a genuinely no-op tracer.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer:   nooptrace.NewTracerProvider().Tracer(tracerName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	if cfg.OTLPEndpoint != "" {
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: build exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		Tracer:   tp.Tracer(tracerName),
		shutdown: tp.Shutdown,
	}, nil
}

// Shutdown flushes and tears down the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// StartTaskIteration opens the span wrapping one Executor iteration.
func (p *Provider) StartTaskIteration(ctx context.Context, taskID int64, iteration int) (context.Context, trace.Span) {
	return p.Tracer.Start(ctx, "task.iteration",
		trace.WithAttributes(
			attribute.Int64("task.id", taskID),
			attribute.Int("task.iteration", iteration),
		),
	)
}

// StartTaskLifecycle opens the span wrapping one task's full run through
// the Scheduler, from pick to terminal state.
func (p *Provider) StartTaskLifecycle(ctx context.Context, taskID int64) (context.Context, trace.Span) {
	return p.Tracer.Start(ctx, "task.lifecycle", trace.WithAttributes(attribute.Int64("task.id", taskID)))
}
