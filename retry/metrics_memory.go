package retry

import (
	"context"
	"sync"
	"sync/atomic"
)

var _ Metrics = (*InMemoryMetrics)(nil)

// InMemoryMetrics aggregates retry instrumentation in process memory,
// mirroring the per-policy Counters split of outcomes by whether a retry
// was needed. Useful in tests and for cheap introspection.
type InMemoryMetrics struct {
	attemptsTotal     atomic.Int64
	attemptsSuccess   atomic.Int64
	attemptsFailure   atomic.Int64
	attemptsDurMillis atomic.Int64

	outcomeSuccessDirect  atomic.Int64
	outcomeSuccessRetried atomic.Int64
	outcomeFailureDirect  atomic.Int64
	outcomeFailureRetried atomic.Int64
	outcomeDurationMillis atomic.Int64

	backoffWaits      atomic.Int64
	backoffWaitMillis atomic.Int64

	mu       sync.Mutex
	counters map[string]Counters
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		counters: make(map[string]Counters),
	}
}

func (m *InMemoryMetrics) RecordAttempt(_ context.Context, attempt Attempt) {
	m.attemptsTotal.Add(1)
	if attempt.IsSuccess() {
		m.attemptsSuccess.Add(1)
	} else {
		m.attemptsFailure.Add(1)
	}
	m.attemptsDurMillis.Add(attempt.Duration.Milliseconds())
}

func (m *InMemoryMetrics) RecordOutcome(_ context.Context, outcome Outcome) {
	switch {
	case outcome.IsSuccess() && outcome.Retried:
		m.outcomeSuccessRetried.Add(1)
	case outcome.IsSuccess():
		m.outcomeSuccessDirect.Add(1)
	case outcome.Retried:
		m.outcomeFailureRetried.Add(1)
	default:
		m.outcomeFailureDirect.Add(1)
	}
	m.outcomeDurationMillis.Add(outcome.TotalDuration.Milliseconds())
}

func (m *InMemoryMetrics) RecordBackoff(_ context.Context, wait BackoffWait) {
	m.backoffWaits.Add(1)
	m.backoffWaitMillis.Add(wait.Wait.Milliseconds())
}

func (m *InMemoryMetrics) RecordCounters(_ context.Context, policyName string, counters Counters) {
	m.mu.Lock()
	m.counters[policyName] = counters
	m.mu.Unlock()
}

// PolicyCounters returns the last lifetime counters seen for a policy.
func (m *InMemoryMetrics) PolicyCounters(policyName string) (Counters, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counters, ok := m.counters[policyName]
	return counters, ok
}

func (m *InMemoryMetrics) GetMetrics() map[string]int64 {
	return map[string]int64{
		"attempts_total":          m.attemptsTotal.Load(),
		"attempts_success":        m.attemptsSuccess.Load(),
		"attempts_failure":        m.attemptsFailure.Load(),
		"attempts_duration_total": m.attemptsDurMillis.Load(),
		"outcome_success_direct":  m.outcomeSuccessDirect.Load(),
		"outcome_success_retried": m.outcomeSuccessRetried.Load(),
		"outcome_failure_direct":  m.outcomeFailureDirect.Load(),
		"outcome_failure_retried": m.outcomeFailureRetried.Load(),
		"outcome_duration_total":  m.outcomeDurationMillis.Load(),
		"backoff_waits_total":     m.backoffWaits.Load(),
		"backoff_duration_total":  m.backoffWaitMillis.Load(),
	}
}
