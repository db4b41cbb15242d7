package ratelimiter

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hugolhafner/guardkit/clock"
	"github.com/hugolhafner/guardkit/events"
)

// refillState mirrors limiterState for the continuous-refill model: the
// permit balance plus the instant it was last brought up to date.
type refillState struct {
	activePermissions int64
	updatedAt         int64
	nanosToWait       int64
}

var _ RateLimiter = (*refillLimiter)(nil)

// refillLimiter replenishes permits linearly with time at
// limitForPeriod/limitRefreshPeriod, up to a capacity of limitForPeriod,
// instead of granting the whole budget at each cycle boundary.
type refillLimiter struct {
	name           string
	config         Config
	clk            clock.Clock
	start          int64
	nanosPerPermit int64
	pub            *events.Processor[Event]

	state          atomic.Pointer[refillState]
	waitingCallers atomic.Int64
}

// NewRefill builds the refill variant. InitialPermits (default
// LimitForPeriod) seeds the starting balance.
func NewRefill(name string, opts ...Option) RateLimiter {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	initial := int64(config.LimitForPeriod)
	if config.InitialPermits > 0 {
		initial = int64(config.InitialPermits)
	}

	rl := &refillLimiter{
		name:           name,
		config:         config,
		clk:            config.Clock,
		nanosPerPermit: config.LimitRefreshPeriod.Nanoseconds() / int64(config.LimitForPeriod),
		pub:            events.NewProcessor[Event](),
	}
	rl.start = rl.clk.Nanos()
	rl.state.Store(&refillState{activePermissions: initial})

	return rl
}

func (rl *refillLimiter) Name() string {
	return rl.name
}

func (rl *refillLimiter) Config() Config {
	return rl.config
}

func (rl *refillLimiter) EventPublisher() *events.Processor[Event] {
	return rl.pub
}

func (rl *refillLimiter) Stats() Stats {
	state := rl.state.Load()
	return Stats{
		AvailablePermissions: state.activePermissions,
		WaitingCallers:       rl.waitingCallers.Load(),
		NanosToWait:          state.nanosToWait,
	}
}

func (rl *refillLimiter) metricsReporter() Metrics {
	if rl.config.Metrics != nil {
		return rl.config.Metrics
	}
	return GetGlobalMetrics()
}

func (rl *refillLimiter) currentNanos() int64 {
	return rl.clk.Nanos() - rl.start
}

func (rl *refillLimiter) updateState(permits, timeoutNanos int64) *refillState {
	for {
		prev := rl.state.Load()
		next := rl.calculateNextState(permits, timeoutNanos, prev)
		if rl.state.CompareAndSwap(prev, next) {
			return next
		}
	}
}

func (rl *refillLimiter) calculateNextState(permits, timeoutNanos int64, active *refillState) *refillState {
	capacity := int64(rl.config.LimitForPeriod)
	currentNanos := rl.currentNanos()

	// Only whole permits are credited; the leftover fraction of a permit
	// interval carries over by advancing updatedAt by the credited time only.
	refilled := (currentNanos - active.updatedAt) / rl.nanosPerPermit
	updatedAt := active.updatedAt + refilled*rl.nanosPerPermit
	available := active.activePermissions + refilled
	if available >= capacity {
		available = capacity
		updatedAt = currentNanos
	}

	var nanosToWait int64
	if available < permits {
		nanosToWait = (permits-available)*rl.nanosPerPermit - (currentNanos - updatedAt)
	}

	next := &refillState{
		activePermissions: available,
		updatedAt:         updatedAt,
		nanosToWait:       nanosToWait,
	}
	if nanosToWait <= timeoutNanos {
		next.activePermissions = available - permits
	}
	return next
}

func (rl *refillLimiter) AcquirePermission(ctx context.Context) bool {
	return rl.AcquirePermissionN(ctx, 1)
}

func (rl *refillLimiter) AcquirePermissionN(ctx context.Context, permits int) bool {
	timeoutNanos := rl.config.TimeoutDuration.Nanoseconds()
	state := rl.updateState(int64(permits), timeoutNanos)
	granted := rl.waitForPermission(ctx, timeoutNanos, state.nanosToWait)
	rl.publishPermission(granted, permits, time.Duration(state.nanosToWait))
	return granted
}

func (rl *refillLimiter) ReservePermission(permits int) time.Duration {
	timeoutNanos := rl.config.TimeoutDuration.Nanoseconds()
	state := rl.updateState(int64(permits), timeoutNanos)

	if state.nanosToWait <= 0 {
		rl.publishPermission(true, permits, 0)
		return 0
	}
	if state.nanosToWait <= timeoutNanos {
		rl.publishPermission(true, permits, time.Duration(state.nanosToWait))
		return time.Duration(state.nanosToWait)
	}

	rl.publishPermission(false, permits, 0)
	return -1
}

func (rl *refillLimiter) waitForPermission(ctx context.Context, timeoutNanos, nanosToWait int64) bool {
	if nanosToWait <= 0 {
		return true
	}
	if nanosToWait > timeoutNanos {
		return false
	}

	rl.waitingCallers.Add(1)
	defer rl.waitingCallers.Add(-1)

	if err := rl.clk.Sleep(ctx, time.Duration(nanosToWait)); err != nil {
		return false
	}
	return true
}

func (rl *refillLimiter) publishPermission(granted bool, permits int, wait time.Duration) {
	eventType := EventFailure
	if granted {
		eventType = EventSuccess
	}
	rl.pub.Publish(Event{
		RateLimiterName: rl.name,
		Type:            eventType,
		Timestamp:       rl.clk.Now(),
		Permits:         permits,
	})

	rl.metricsReporter().RecordPermission(context.Background(), Permission{
		Name:    rl.name,
		Permits: permits,
		Granted: granted,
		Wait:    wait,
	})
}
