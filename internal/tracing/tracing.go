// Package tracing configures OpenTelemetry for the flow engine and provides
// the span helpers used around runs and nodes.
package tracing

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/flexinfer/mentatlab/services/flowengine"

// Config holds tracing configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// OTLPEndpoint is the OTLP collector endpoint (e.g., "localhost:4317")
	OTLPEndpoint string

	Enabled bool

	// SampleRate is the sampling rate (0.0 to 1.0)
	SampleRate float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "mentatlab-flowengine",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		Enabled:        false,
		SampleRate:     1.0,
	}
}

// Provider wraps the OpenTelemetry TracerProvider.
type Provider struct {
	provider *sdktrace.TracerProvider
	logger   *slog.Logger
}

// Init initializes the OpenTelemetry tracing provider. When tracing is
// disabled the global no-op provider stays in place.
func Init(ctx context.Context, cfg *Config, logger *slog.Logger) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	if !cfg.Enabled {
		logger.Info("tracing disabled")
		return &Provider{logger: logger}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing initialized",
		slog.String("endpoint", cfg.OTLPEndpoint),
		slog.Float64("sample_rate", cfg.SampleRate),
	)

	return &Provider{provider: tp, logger: logger}, nil
}

// Shutdown flushes and stops the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	p.logger.Info("shutting down tracer provider...")
	return p.provider.Shutdown(ctx)
}

// Tracer returns the engine's tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartRun starts the span covering one workflow run.
func StartRun(ctx context.Context, workflowID, triggerID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "workflow.run",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.String("workflow.trigger_id", triggerID),
		),
	)
}

// StartNode starts a child span for one node execution.
func StartNode(ctx context.Context, nodeID, nodeType string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "workflow.node",
		trace.WithAttributes(
			attribute.String("node.id", nodeID),
			attribute.String("node.type", nodeType),
		),
	)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
