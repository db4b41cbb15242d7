package bulkhead

import (
	"time"

	"github.com/hugolhafner/guardkit/clock"
)

type Config struct {
	// MaxConcurrentCalls caps the in-flight calls.
	MaxConcurrentCalls int

	// MaxWaitDuration is how long an acquire may park for a permit.
	// Zero rejects immediately.
	MaxWaitDuration time.Duration

	Clock clock.Clock

	Metrics Metrics
}

type Option func(*Config)

func defaultConfig() Config {
	return Config{
		MaxConcurrentCalls: 25,
		MaxWaitDuration:    0,
		Clock:              clock.Wall(),
	}
}

func WithMaxConcurrentCalls(n int) Option {
	return func(c *Config) {
		c.MaxConcurrentCalls = n
	}
}

func WithMaxWaitDuration(d time.Duration) Option {
	return func(c *Config) {
		c.MaxWaitDuration = d
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *Config) {
		c.Clock = clk
	}
}

func WithMetrics(metrics Metrics) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}
