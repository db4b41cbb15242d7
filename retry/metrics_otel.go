package retry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics:
// retry_attempts_total (Counter) - Total number of attempts made
// * policy (string) - The name of the retry policy
// * status (string) - "success" or "error"
// * reason (string) - Failure reason for failed attempts ("error", "timeout", "canceled", "result")
// * retryable (bool) - Whether a failed attempt was considered retryable
//
// retry_attempts_duration_milliseconds (Histogram) - Duration of attempts in milliseconds
// * policy (string) - The name of the retry policy
// * status (string) - The status of the attempt
//
// retry_outcomes_total (Counter) - Total number of completed retry sequences
// * policy (string) - The name of the retry policy
// * status (string) - "success" or "error"
// * reason (string) - Failure reason for failed sequences ("exhausted", "timeout", "canceled", "non_retryable")
// * retried (bool) - Whether the sequence needed more than one attempt
//
// retry_outcome_duration_milliseconds (Histogram) - Duration of retry sequences in milliseconds
// * policy (string) - The name of the retry policy
//
// retry_outcome_attempts (Histogram) - Attempts consumed per retry sequence
// * policy (string) - The name of the retry policy
//
// retry_backoff_duration_milliseconds (Histogram) - Duration of waits between attempts in milliseconds
// * policy (string) - The name of the retry policy
//
// retry_lifetime_calls (Gauge) - Lifetime call counters of the policy
// * policy (string) - The name of the retry policy
// * kind (string) - "success_direct", "success_retried", "failure_direct" or "failure_retried"

const (
	instrumentationName    = "github.com/hugolhafner/guardkit/retry"
	instrumentationVersion = "v0.1.0" // x-release-please

	unitAttempt      = "{attempt}"
	unitOutcome      = "{outcome}"
	unitCall         = "{call}"
	unitMilliseconds = "ms"
)

var _ Metrics = (*OTelMetrics)(nil)

type OTelMetrics struct {
	attemptsTotal    metric.Int64Counter
	attemptsDuration metric.Float64Histogram

	outcomesTotal   metric.Int64Counter
	outcomeDuration metric.Float64Histogram
	outcomeAttempts metric.Int64Histogram

	backoffDuration metric.Float64Histogram

	lifetimeCalls metric.Int64Gauge
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
		MetricPrefix:  "retry_",
	}

	for _, opt := range opts {
		opt(cfg)
	}

	meter := cfg.MeterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(instrumentationVersion))

	attemptsTotal, err := meter.Int64Counter(
		cfg.MetricPrefix+"attempts_total",
		metric.WithDescription("Total number of attempts made"),
		metric.WithUnit(unitAttempt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempts_total counter: %w", err)
	}

	attemptsDuration, err := meter.Float64Histogram(
		cfg.MetricPrefix+"attempts_duration_milliseconds",
		metric.WithDescription("Duration of attempts in milliseconds"),
		metric.WithUnit(unitMilliseconds),
		metric.WithExplicitBucketBoundaries(0, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempts_duration_milliseconds histogram: %w", err)
	}

	outcomesTotal, err := meter.Int64Counter(
		cfg.MetricPrefix+"outcomes_total",
		metric.WithDescription("Total number of completed retry sequences"),
		metric.WithUnit(unitOutcome),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create outcomes_total counter: %w", err)
	}

	outcomeDuration, err := meter.Float64Histogram(
		cfg.MetricPrefix+"outcome_duration_milliseconds",
		metric.WithDescription("Duration of retry sequences in milliseconds"),
		metric.WithUnit(unitMilliseconds),
		metric.WithExplicitBucketBoundaries(0, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create outcome_duration_milliseconds histogram: %w", err)
	}

	outcomeAttempts, err := meter.Int64Histogram(
		cfg.MetricPrefix+"outcome_attempts",
		metric.WithDescription("Attempts consumed per retry sequence"),
		metric.WithUnit(unitAttempt),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 4, 5, 7, 10, 15, 20),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create outcome_attempts histogram: %w", err)
	}

	backoffDuration, err := meter.Float64Histogram(
		cfg.MetricPrefix+"backoff_duration_milliseconds",
		metric.WithDescription("Duration of waits between attempts in milliseconds"),
		metric.WithUnit(unitMilliseconds),
		metric.WithExplicitBucketBoundaries(0, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create backoff_duration_milliseconds histogram: %w", err)
	}

	lifetimeCalls, err := meter.Int64Gauge(
		cfg.MetricPrefix+"lifetime_calls",
		metric.WithDescription("Lifetime call counters of the policy"),
		metric.WithUnit(unitCall),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lifetime_calls gauge: %w", err)
	}

	return &OTelMetrics{
		attemptsTotal:    attemptsTotal,
		attemptsDuration: attemptsDuration,
		outcomesTotal:    outcomesTotal,
		outcomeDuration:  outcomeDuration,
		outcomeAttempts:  outcomeAttempts,
		backoffDuration:  backoffDuration,
		lifetimeCalls:    lifetimeCalls,
	}, nil
}

func (m *OTelMetrics) RecordAttempt(ctx context.Context, attempt Attempt) {
	policyAttr := attribute.String("policy", attempt.PolicyName)
	statusAttr := attribute.String("status", string(attempt.Status))

	totalAttrs := []attribute.KeyValue{policyAttr, statusAttr}
	if !attempt.IsSuccess() {
		totalAttrs = append(totalAttrs,
			attribute.String("reason", string(attempt.FailureReason)),
			attribute.Bool("retryable", attempt.Retryable),
		)
	}

	m.attemptsTotal.Add(ctx, 1, metric.WithAttributes(totalAttrs...))
	m.attemptsDuration.Record(ctx, float64(attempt.Duration.Milliseconds()),
		metric.WithAttributes(policyAttr, statusAttr))
}

func (m *OTelMetrics) RecordOutcome(ctx context.Context, outcome Outcome) {
	policyAttr := attribute.String("policy", outcome.PolicyName)

	totalAttrs := []attribute.KeyValue{
		policyAttr,
		attribute.String("status", string(outcome.Status)),
		attribute.Bool("retried", outcome.Retried),
	}
	if !outcome.IsSuccess() {
		totalAttrs = append(totalAttrs, attribute.String("reason", string(outcome.FailureReason)))
	}

	m.outcomesTotal.Add(ctx, 1, metric.WithAttributes(totalAttrs...))
	m.outcomeDuration.Record(ctx, float64(outcome.TotalDuration.Milliseconds()),
		metric.WithAttributes(policyAttr))
	m.outcomeAttempts.Record(ctx, int64(outcome.TotalAttempts), metric.WithAttributes(policyAttr))
}

func (m *OTelMetrics) RecordBackoff(ctx context.Context, wait BackoffWait) {
	m.backoffDuration.Record(ctx, float64(wait.Wait.Milliseconds()), metric.WithAttributes(
		attribute.String("policy", wait.PolicyName),
	))
}

func (m *OTelMetrics) RecordCounters(ctx context.Context, policyName string, counters Counters) {
	policyAttr := attribute.String("policy", policyName)

	kinds := []struct {
		kind  string
		value int64
	}{
		{"success_direct", counters.NumberOfSuccessfulCallsWithoutRetry},
		{"success_retried", counters.NumberOfSuccessfulCallsWithRetry},
		{"failure_direct", counters.NumberOfFailedCallsWithoutRetry},
		{"failure_retried", counters.NumberOfFailedCallsWithRetry},
	}
	for _, k := range kinds {
		m.lifetimeCalls.Record(ctx, k.value, metric.WithAttributes(
			policyAttr, attribute.String("kind", k.kind),
		))
	}
}
