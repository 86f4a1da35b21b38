package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "tutor"

// Span names for the query pipeline stages.
const (
	SpanProcessQuery = "tutor.query.process"
	SpanRetrieve     = "tutor.query.retrieve"
	SpanFitContext   = "tutor.query.fit_context"
	SpanGenerate     = "tutor.query.generate"
)

// Span attribute keys.
const (
	AttrQueryID       = "tutor.query_id"
	AttrPriority      = "tutor.priority"
	AttrContextTokens = "tutor.context.tokens"
	AttrContextBudget = "tutor.context.budget"
	AttrPassages      = "tutor.context.passages"
)

// TracingConfig selects the span exporter. Exporter is "otlp" (HTTP) or
// "zipkin"; SampleRate outside (0, 1] means sample everything.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled" mapstructure:"enabled"`
	Exporter       string  `yaml:"exporter" mapstructure:"exporter"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	ZipkinEndpoint string  `yaml:"zipkin_endpoint" mapstructure:"zipkin_endpoint"`
	SampleRate     float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
	ServiceName    string  `yaml:"service_name" mapstructure:"service_name"`
	ServiceVersion string  `yaml:"service_version" mapstructure:"service_version"`
}

// TracerProvider starts pipeline spans. The zero-cost variant from
// NoopTracerProvider is used when tracing is off.
type TracerProvider struct {
	sdk    *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NoopTracerProvider returns a provider whose spans are discarded.
func NoopTracerProvider() *TracerProvider {
	return &TracerProvider{tracer: noop.NewTracerProvider().Tracer(instrumentationName)}
}

// NewTracerProvider builds a batching provider for cfg and installs it as
// the global otel provider. A disabled cfg yields NoopTracerProvider.
func NewTracerProvider(cfg TracingConfig) (*TracerProvider, error) {
	if !cfg.Enabled {
		return NoopTracerProvider(), nil
	}
	exporter, err := newSpanExporter(cfg)
	if err != nil {
		return nil, err
	}

	name := cfg.ServiceName
	if name == "" {
		name = instrumentationName
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(name), semconv.ServiceVersion(cfg.ServiceVersion)),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(sdk)
	return &TracerProvider{sdk: sdk, tracer: sdk.Tracer(instrumentationName)}, nil
}

func newSpanExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch cfg.Exporter {
	case "otlp":
		endpoint := cfg.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exp, err = otlptracehttp.New(context.Background(),
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "zipkin":
		endpoint := cfg.ZipkinEndpoint
		if endpoint == "" {
			endpoint = "http://localhost:9411/api/v2/spans"
		}
		exp, err = zipkin.New(endpoint)
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("%s exporter: %w", cfg.Exporter, err)
	}
	return exp, nil
}

// Shutdown flushes buffered spans. It is a no-op for the noop provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.sdk == nil {
		return nil
	}
	return tp.sdk.Shutdown(ctx)
}

// StartSpan opens a span named name. The query id carried by ctx, if any,
// is attached to the span.
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if id := QueryIDFromContext(ctx); id != "" {
		attrs = append(attrs, attribute.String(AttrQueryID, id))
	}
	return tp.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// QueryAttrs describes an incoming query.
func QueryAttrs(queryID, priority string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(AttrPriority, priority)}
	if queryID != "" {
		attrs = append(attrs, attribute.String(AttrQueryID, queryID))
	}
	return attrs
}

// ContextAttrs describes a fitted context block.
func ContextAttrs(tokens, budget, passages int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrContextTokens, tokens),
		attribute.Int(AttrContextBudget, budget),
		attribute.Int(AttrPassages, passages),
	}
}
