package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// MeterProvider global instance
var globalMeterProvider *sdkmetric.MeterProvider

// InitMetrics initializes OpenTelemetry metrics with Prometheus export.
// The exporter feeds the default Prometheus registry; the HTTP server
// exposes it on /metrics.
func InitMetrics(serviceName string) (*sdkmetric.MeterProvider, error) {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	globalMeterProvider = provider
	return provider, nil
}

// GetMeter returns a meter from the current global meter provider.
func GetMeter(name string) metric.Meter {
	// Always resolve through the global provider so tests can inject
	// their own.
	return otel.Meter(name)
}

// ProxyMetrics holds the proxy's OpenTelemetry instruments.
type ProxyMetrics struct {
	requests      metric.Int64Counter
	latency       metric.Float64Histogram
	admissionWait metric.Float64Histogram
	retries       metric.Int64Counter
	downgrades    metric.Int64Counter
	inputTokens   metric.Int64Counter
	outputTokens  metric.Int64Counter
}

// NewProxyMetrics creates the proxy's instruments on the global meter.
func NewProxyMetrics() (*ProxyMetrics, error) {
	meter := GetMeter("claudegate.proxy")

	requests, err := meter.Int64Counter(
		"claudegate.proxy.requests",
		metric.WithDescription("Proxied requests by outcome and model family"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}

	latency, err := meter.Float64Histogram(
		"claudegate.proxy.latency",
		metric.WithDescription("End-to-end request latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create latency histogram: %w", err)
	}

	admissionWait, err := meter.Float64Histogram(
		"claudegate.proxy.admission_wait",
		metric.WithDescription("Time spent waiting for window capacity"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create admission wait histogram: %w", err)
	}

	retries, err := meter.Int64Counter(
		"claudegate.proxy.upstream_retries",
		metric.WithDescription("Upstream call retries"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry counter: %w", err)
	}

	downgrades, err := meter.Int64Counter(
		"claudegate.proxy.model_downgrades",
		metric.WithDescription("Requests whose model was replaced by a fallback"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create downgrade counter: %w", err)
	}

	inputTokens, err := meter.Int64Counter(
		"claudegate.proxy.input_tokens",
		metric.WithDescription("Input tokens by kind (estimated or actual)"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create input token counter: %w", err)
	}

	outputTokens, err := meter.Int64Counter(
		"claudegate.proxy.output_tokens",
		metric.WithDescription("Actual output tokens"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create output token counter: %w", err)
	}

	return &ProxyMetrics{
		requests:      requests,
		latency:       latency,
		admissionWait: admissionWait,
		retries:       retries,
		downgrades:    downgrades,
		inputTokens:   inputTokens,
		outputTokens:  outputTokens,
	}, nil
}

// RecordRequest counts one finished request and its latency.
func (m *ProxyMetrics) RecordRequest(ctx context.Context, outcome, family string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("family", family),
	)
	m.requests.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}

// RecordAdmissionWait records time spent blocked in admission.
func (m *ProxyMetrics) RecordAdmissionWait(ctx context.Context, family string, waited time.Duration) {
	m.admissionWait.Record(ctx, float64(waited.Milliseconds()),
		metric.WithAttributes(attribute.String("family", family)))
}

// RecordRetry counts one upstream retry.
func (m *ProxyMetrics) RecordRetry(ctx context.Context) {
	m.retries.Add(ctx, 1)
}

// RecordDowngrade counts one forbidden-model replacement.
func (m *ProxyMetrics) RecordDowngrade(ctx context.Context, from, to string) {
	m.downgrades.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordTokens records estimated and reconciled token usage.
func (m *ProxyMetrics) RecordTokens(ctx context.Context, family string, estimated, actualInput, actualOutput int) {
	familyAttr := attribute.String("family", family)
	m.inputTokens.Add(ctx, int64(estimated), metric.WithAttributes(
		familyAttr, attribute.String("kind", "estimated")))
	m.inputTokens.Add(ctx, int64(actualInput), metric.WithAttributes(
		familyAttr, attribute.String("kind", "actual")))
	m.outputTokens.Add(ctx, int64(actualOutput), metric.WithAttributes(familyAttr))
}
