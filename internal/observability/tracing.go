package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig configures distributed tracing. Disabled by default; when
// disabled every span is a no-op.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// TracerProvider wraps the OpenTelemetry tracer used around task execution
// and registry forwards.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider creates a tracer provider from config.
func NewTracerProvider(config TracingConfig) (*TracerProvider, error) {
	if !config.Enabled {
		return &TracerProvider{
			tracer: noop.NewTracerProvider().Tracer("conductor"),
		}, nil
	}

	endpoint := config.OTLPEndpoint
	if endpoint == "" {
		endpoint = "localhost:4318"
	}
	if config.SampleRate <= 0 || config.SampleRate > 1.0 {
		config.SampleRate = 1.0
	}

	exporter, err := otlptracehttp.New(
		context.Background(),
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(semconv.ServiceName("conductor")),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer("conductor"),
	}, nil
}

// Shutdown flushes and stops the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.provider == nil {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}

// StartSpan starts a new span with the given attributes. Safe on a nil
// provider.
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tp == nil || tp.tracer == nil {
		return noop.NewTracerProvider().Tracer("conductor").Start(ctx, name)
	}
	return tp.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Span names.
const (
	SpanTaskExecute     = "conductor.task.execute"
	SpanRegistryForward = "conductor.registry.forward"
)

// Attribute keys.
const (
	AttrTaskID      = "conductor.task_id"
	AttrTaskKind    = "conductor.task_kind"
	AttrSessionID   = "conductor.session_id"
	AttrServiceName = "conductor.service"
	AttrStatus      = "conductor.status"
)
