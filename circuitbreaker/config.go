package circuitbreaker

import (
	"time"

	"github.com/hugolhafner/guardkit/clock"
)

type WindowType int

const (
	WindowTypeCount WindowType = iota
	WindowTypeTime
)

type Config struct {
	// WindowType selects count-based (last N calls) or time-based (last
	// N seconds) outcome aggregation.
	WindowType WindowType

	// WindowSize is the slot count for count-based windows, or the
	// length in seconds for time-based windows.
	WindowSize int

	Metrics Metrics

	Clock clock.Clock

	// MetricsOnlyMode starts the circuit breaker in metrics only mode,
	// where it does not block any calls but still collects metrics
	MetricsOnlyMode bool

	// MinimumNumberOfCalls is the minimum number of calls required before
	// the circuit breaker evaluates the failure rate and slow call rate
	MinimumNumberOfCalls int

	// FailureRateThreshold is the failure rate threshold in percentage to trip the circuit breaker
	FailureRateThreshold float64

	// SlowCallRateThreshold is the slow call rate threshold in percentage to trip the circuit breaker
	SlowCallRateThreshold float64

	// SlowCallDurationThreshold is the duration at or above which a call is considered slow
	SlowCallDurationThreshold time.Duration

	// PermittedNumberOfCallsInHalfOpenState is the number of permitted calls when the circuit breaker is half-open
	// before evaluating the thresholds again
	PermittedNumberOfCallsInHalfOpenState int

	// WaitDurationInOpenState is the duration the circuit breaker stays open before transitioning to half-open
	WaitDurationInOpenState time.Duration

	// AutomaticTransitionFromOpenToHalfOpen moves the breaker to
	// half-open once WaitDurationInOpenState elapses, without waiting
	// for the next acquisition attempt.
	AutomaticTransitionFromOpenToHalfOpen bool

	FailOnResultPredicate func(result any) bool
	FailOnErrorPredicate  func(error) bool
	IgnoreErrorPredicate  func(error) bool

	FailErrors   []error
	IgnoreErrors []error
}

type Option func(*Config)

func defaultConfig() Config {
	return Config{
		WindowType:                            WindowTypeCount,
		WindowSize:                            100,
		Clock:                                 clock.Wall(),
		MetricsOnlyMode:                       false,
		MinimumNumberOfCalls:                  20,
		FailureRateThreshold:                  50.0,
		SlowCallRateThreshold:                 50.0,
		SlowCallDurationThreshold:             10 * time.Second,
		PermittedNumberOfCallsInHalfOpenState: 10,
		WaitDurationInOpenState:               60 * time.Second,
	}
}

func WithCountWindow(size int) Option {
	return func(c *Config) {
		c.WindowType = WindowTypeCount
		c.WindowSize = size
	}
}

func WithTimeWindow(seconds int) Option {
	return func(c *Config) {
		c.WindowType = WindowTypeTime
		c.WindowSize = seconds
	}
}

func WithMetricsOnlyMode() Option {
	return func(c *Config) {
		c.MetricsOnlyMode = true
	}
}

func WithMetrics(metrics Metrics) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *Config) {
		c.Clock = clk
	}
}

func WithMinimumNumberOfCalls(n int) Option {
	return func(c *Config) {
		c.MinimumNumberOfCalls = n
	}
}

func WithFailureRateThreshold(threshold float64) Option {
	return func(c *Config) {
		c.FailureRateThreshold = threshold
	}
}

func WithSlowCallRateThreshold(threshold float64) Option {
	return func(c *Config) {
		c.SlowCallRateThreshold = threshold
	}
}

func WithSlowCallDurationThreshold(duration time.Duration) Option {
	return func(c *Config) {
		c.SlowCallDurationThreshold = duration
	}
}

func WithPermittedNumberOfCallsInHalfOpenState(n int) Option {
	return func(c *Config) {
		c.PermittedNumberOfCallsInHalfOpenState = n
	}
}

func WithWaitDurationInOpenState(duration time.Duration) Option {
	return func(c *Config) {
		c.WaitDurationInOpenState = duration
	}
}

func WithAutomaticTransitionFromOpenToHalfOpen() Option {
	return func(c *Config) {
		c.AutomaticTransitionFromOpenToHalfOpen = true
	}
}

func WithFailOnResultPredicate(predicate func(result any) bool) Option {
	return func(c *Config) {
		c.FailOnResultPredicate = predicate
	}
}

func WithFailOnErrorPredicate(predicate func(error) bool) Option {
	return func(c *Config) {
		c.FailOnErrorPredicate = predicate
	}
}

func WithIgnoreErrorPredicate(predicate func(error) bool) Option {
	return func(c *Config) {
		c.IgnoreErrorPredicate = predicate
	}
}

func WithFailErrors(errors ...error) Option {
	return func(c *Config) {
		c.FailErrors = append(c.FailErrors, errors...)
	}
}

func WithIgnoreErrors(errors ...error) Option {
	return func(c *Config) {
		c.IgnoreErrors = append(c.IgnoreErrors, errors...)
	}
}
