package bulkhead

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics:
// bulkhead_calls_total (Counter) - Total number of calls observed by the bulkhead
// * name (string) - The name of the bulkhead
// * outcome (string) - "permitted", "rejected" or "finished"
//
// bulkhead_concurrency_limit (Gauge) - Current maximum number of concurrent calls
// * name (string) - The name of the bulkhead

const (
	instrumentationName    = "github.com/hugolhafner/guardkit/bulkhead"
	instrumentationVersion = "v0.1.0" // x-release-please
)

const unitCall = "{call}"

var _ Metrics = (*OTelMetrics)(nil)

type OTelMetrics struct {
	callsTotal       metric.Int64Counter
	concurrencyLimit metric.Int64Gauge
}

type OTelConfig struct {
	MeterProvider metric.MeterProvider
	MetricPrefix  string
}

type OTelOption func(*OTelConfig)

func WithMeterProvider(meterProvider metric.MeterProvider) OTelOption {
	return func(cfg *OTelConfig) {
		cfg.MeterProvider = meterProvider
	}
}

func WithMetricPrefix(prefix string) OTelOption {
	return func(cfg *OTelConfig) {
		cfg.MetricPrefix = prefix
	}
}

func NewOTelMetrics(opts ...OTelOption) (*OTelMetrics, error) {
	cfg := &OTelConfig{
		MeterProvider: otel.GetMeterProvider(),
		MetricPrefix:  "bulkhead_",
	}

	for _, opt := range opts {
		opt(cfg)
	}

	meter := cfg.MeterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(instrumentationVersion))

	callsTotal, err := meter.Int64Counter(
		cfg.MetricPrefix+"calls_total",
		metric.WithDescription("Total number of calls observed by the bulkhead"),
		metric.WithUnit(unitCall),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create calls_total counter: %w", err)
	}

	concurrencyLimit, err := meter.Int64Gauge(
		cfg.MetricPrefix+"concurrency_limit",
		metric.WithDescription("Current maximum number of concurrent calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create concurrency_limit gauge: %w", err)
	}

	return &OTelMetrics{
		callsTotal:       callsTotal,
		concurrencyLimit: concurrencyLimit,
	}, nil
}

func (m *OTelMetrics) record(ctx context.Context, name, outcome string) {
	m.callsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", name),
		attribute.String("outcome", outcome),
	))
}

func (m *OTelMetrics) RecordCallPermitted(ctx context.Context, name string) {
	m.record(ctx, name, "permitted")
}

func (m *OTelMetrics) RecordCallRejected(ctx context.Context, name string) {
	m.record(ctx, name, "rejected")
}

func (m *OTelMetrics) RecordCallFinished(ctx context.Context, name string) {
	m.record(ctx, name, "finished")
}

func (m *OTelMetrics) RecordConcurrencyLimit(ctx context.Context, name string, limit int) {
	m.concurrencyLimit.Record(ctx, int64(limit), metric.WithAttributes(attribute.String("name", name)))
}
