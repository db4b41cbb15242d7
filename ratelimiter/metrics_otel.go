package ratelimiter

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics:
// ratelimiter_permissions_total (Counter) - Total number of permits requested
// * name (string) - The name of the rate limiter
// * granted (bool) - Whether the permits were granted
//
// ratelimiter_wait_duration_milliseconds (Histogram) - In-method wait quoted to granted callers
// * name (string) - The name of the rate limiter

const (
	instrumentationName    = "github.com/hugolhafner/guardkit/ratelimiter"
	instrumentationVersion = "v0.1.0" // x-release-please
)

const (
	unitPermission   = "{permission}"
	unitMilliseconds = "ms"
)

var _ Metrics = (*OTelMetrics)(nil)

type OTelMetrics struct {
	permissionsTotal metric.Int64Counter
	waitDuration     metric.Float64Histogram
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
		MetricPrefix:  "ratelimiter_",
	}

	for _, opt := range opts {
		opt(cfg)
	}

	meter := cfg.MeterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(instrumentationVersion))

	permissionsTotal, err := meter.Int64Counter(
		cfg.MetricPrefix+"permissions_total",
		metric.WithDescription("Total number of permits requested"),
		metric.WithUnit(unitPermission),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create permissions_total counter: %w", err)
	}

	waitDuration, err := meter.Float64Histogram(
		cfg.MetricPrefix+"wait_duration_milliseconds",
		metric.WithDescription("In-method wait quoted to granted callers in milliseconds"),
		metric.WithUnit(unitMilliseconds),
		metric.WithExplicitBucketBoundaries(0, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create wait_duration_milliseconds histogram: %w", err)
	}

	return &OTelMetrics{
		permissionsTotal: permissionsTotal,
		waitDuration:     waitDuration,
	}, nil
}

func (m *OTelMetrics) RecordPermission(ctx context.Context, permission Permission) {
	attrs := []attribute.KeyValue{
		attribute.String("name", permission.Name),
		attribute.Bool("granted", permission.Granted),
	}

	m.permissionsTotal.Add(ctx, int64(permission.Permits), metric.WithAttributes(attrs...))
	if permission.Granted {
		m.waitDuration.Record(ctx, float64(permission.Wait.Milliseconds()),
			metric.WithAttributes(attribute.String("name", permission.Name)))
	}
}
