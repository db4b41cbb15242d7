package ratelimiter

import (
	"time"

	"github.com/hugolhafner/guardkit/clock"
)

type Config struct {
	// LimitForPeriod is the number of permits granted per refresh
	// period (the capacity, for the refill variant).
	LimitForPeriod int

	// LimitRefreshPeriod is the cycle length.
	LimitRefreshPeriod time.Duration

	// TimeoutDuration is the longest a caller parks for a permit.
	TimeoutDuration time.Duration

	// InitialPermits seeds the refill variant's starting balance.
	// Zero means start at full capacity.
	InitialPermits int

	Clock clock.Clock

	Metrics Metrics
}

type Option func(*Config)

func defaultConfig() Config {
	return Config{
		LimitForPeriod:     50,
		LimitRefreshPeriod: 500 * time.Nanosecond,
		TimeoutDuration:    5 * time.Second,
		Clock:              clock.Wall(),
	}
}

func WithLimitForPeriod(limit int) Option {
	return func(c *Config) {
		c.LimitForPeriod = limit
	}
}

func WithLimitRefreshPeriod(period time.Duration) Option {
	return func(c *Config) {
		c.LimitRefreshPeriod = period
	}
}

func WithTimeoutDuration(timeout time.Duration) Option {
	return func(c *Config) {
		c.TimeoutDuration = timeout
	}
}

func WithInitialPermits(permits int) Option {
	return func(c *Config) {
		c.InitialPermits = permits
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
