package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector records generation-level measurements through the
// OpenTelemetry metric API and exposes them via a Prometheus exporter.
type MetricsCollector struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	generations       metric.Int64Counter
	contextTokens     metric.Int64Counter
	outputTokens      metric.Int64Counter
	generationLatency metric.Float64Histogram
	tokenRate         metric.Float64Histogram
	activeGenerations metric.Int64UpDownCounter
	fallbacks         metric.Int64Counter
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// NewMetricsCollector creates a new metrics collector. Collectors are
// registered on reg; nil means the default Prometheus registry.
func NewMetricsCollector(config MetricsConfig, reg prometheus.Registerer) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	meter := provider.Meter("tutor")

	generations, err := meter.Int64Counter(
		"tutor.generation.requests.total",
		metric.WithDescription("Total number of generation calls by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation counter: %w", err)
	}

	contextTokens, err := meter.Int64Counter(
		"tutor.generation.tokens.context",
		metric.WithDescription("Total context tokens placed into prompts"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create context token counter: %w", err)
	}

	outputTokens, err := meter.Int64Counter(
		"tutor.generation.tokens.output",
		metric.WithDescription("Total tokens streamed back by the model"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create output token counter: %w", err)
	}

	generationLatency, err := meter.Float64Histogram(
		"tutor.generation.latency",
		metric.WithDescription("Generation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create latency histogram: %w", err)
	}

	tokenRate, err := meter.Float64Histogram(
		"tutor.generation.token_rate",
		metric.WithDescription("Observed generation throughput"),
		metric.WithUnit("{token}/s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token rate histogram: %w", err)
	}

	activeGenerations, err := meter.Int64UpDownCounter(
		"tutor.generation.active",
		metric.WithDescription("Number of generations currently streaming"),
		metric.WithUnit("{generation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active generation gauge: %w", err)
	}

	fallbacks, err := meter.Int64Counter(
		"tutor.fallback.total",
		metric.WithDescription("Responses answered with a fallback message"),
		metric.WithUnit("{response}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fallback counter: %w", err)
	}

	return &MetricsCollector{
		provider:          provider,
		meter:             meter,
		generations:       generations,
		contextTokens:     contextTokens,
		outputTokens:      outputTokens,
		generationLatency: generationLatency,
		tokenRate:         tokenRate,
		activeGenerations: activeGenerations,
		fallbacks:         fallbacks,
	}, nil
}

// Shutdown flushes and stops the meter provider.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordGeneration records one finished generation call.
func (m *MetricsCollector) RecordGeneration(ctx context.Context, model, status string, latency time.Duration, contextTokens, outputTokens int) {
	if m == nil || m.generations == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
		attribute.String("status", status),
	}

	m.generations.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.contextTokens.Add(ctx, int64(contextTokens), metric.WithAttributes(attribute.String("model", model)))
	m.outputTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(attribute.String("model", model)))
	m.generationLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
	if seconds := latency.Seconds(); seconds > 0 && outputTokens > 0 {
		m.tokenRate.Record(ctx, float64(outputTokens)/seconds, metric.WithAttributes(attribute.String("model", model)))
	}
}

// GenerationStarted increments the active generation gauge.
func (m *MetricsCollector) GenerationStarted(ctx context.Context) {
	if m == nil || m.activeGenerations == nil {
		return
	}
	m.activeGenerations.Add(ctx, 1)
}

// GenerationFinished decrements the active generation gauge.
func (m *MetricsCollector) GenerationFinished(ctx context.Context) {
	if m == nil || m.activeGenerations == nil {
		return
	}
	m.activeGenerations.Add(ctx, -1)
}

// RecordFallback counts a fallback response by reason.
func (m *MetricsCollector) RecordFallback(ctx context.Context, reason string) {
	if m == nil || m.fallbacks == nil {
		return
	}
	m.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
