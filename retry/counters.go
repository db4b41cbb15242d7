package retry

import (
	"sync/atomic"
)

// Counters aggregates call outcomes over a policy's lifetime, split by
// whether any retry was needed.
type Counters struct {
	NumberOfTotalCalls                  int64
	NumberOfSuccessfulCallsWithoutRetry int64
	NumberOfSuccessfulCallsWithRetry    int64
	NumberOfFailedCallsWithoutRetry     int64
	NumberOfFailedCallsWithRetry        int64
}

type counters struct {
	successWithoutRetry atomic.Int64
	successWithRetry    atomic.Int64
	failedWithoutRetry  atomic.Int64
	failedWithRetry     atomic.Int64
}

func (c *counters) record(success bool, retried bool) {
	switch {
	case success && retried:
		c.successWithRetry.Add(1)
	case success:
		c.successWithoutRetry.Add(1)
	case retried:
		c.failedWithRetry.Add(1)
	default:
		c.failedWithoutRetry.Add(1)
	}
}

func (c *counters) snapshot() Counters {
	s := Counters{
		NumberOfSuccessfulCallsWithoutRetry: c.successWithoutRetry.Load(),
		NumberOfSuccessfulCallsWithRetry:    c.successWithRetry.Load(),
		NumberOfFailedCallsWithoutRetry:     c.failedWithoutRetry.Load(),
		NumberOfFailedCallsWithRetry:        c.failedWithRetry.Load(),
	}
	s.NumberOfTotalCalls = s.NumberOfSuccessfulCallsWithoutRetry +
		s.NumberOfSuccessfulCallsWithRetry +
		s.NumberOfFailedCallsWithoutRetry +
		s.NumberOfFailedCallsWithRetry
	return s
}
