package ratelimiter

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/hugolhafner/guardkit/clock"
	"github.com/hugolhafner/guardkit/events"
)

var ErrRequestNotPermitted = errors.New("ratelimiter: request not permitted")

func IsRequestNotPermittedError(err error) bool {
	return errors.Is(err, ErrRequestNotPermitted)
}

// Stats is a point-in-time view of the limiter.
type Stats struct {
	// AvailablePermissions may be negative while reservations for
	// waiting callers are outstanding.
	AvailablePermissions int64

	// WaitingCallers counts callers currently parked for a permit.
	WaitingCallers int64

	NanosToWait int64
}

type RateLimiter interface {
	Name() string
	Stats() Stats
	Config() Config
	EventPublisher() *events.Processor[Event]

	// AcquirePermission obtains one permit, parking up to the
	// configured timeout. When it returns false no permits have been
	// consumed from future periods. Context cancellation during the
	// park returns false; the reservation the caller held is honored by
	// the cycle accounting either way.
	AcquirePermission(ctx context.Context) bool

	// AcquirePermissionN is AcquirePermission for permits > 1.
	AcquirePermissionN(ctx context.Context, permits int) bool

	// ReservePermission returns the duration the caller would have to
	// wait for the permits, consuming them, or -1 when the wait would
	// exceed the timeout (nothing is consumed).
	ReservePermission(permits int) time.Duration
}

// limiterState is one immutable cycle observation: the CAS loop in
// acquire swaps whole states so concurrent callers never see a torn
// reservation.
type limiterState struct {
	activeCycle       int64
	activePermissions int64
	nanosToWait       int64
}

var _ RateLimiter = (*atomicLimiter)(nil)

// atomicLimiter divides time since construction into refresh cycles of the
// configured period; each cycle grants at most the configured permit count,
// with reservations carried as negative permissions.
type atomicLimiter struct {
	name   string
	config Config
	clk    clock.Clock
	start  int64
	pub    *events.Processor[Event]

	state          atomic.Pointer[limiterState]
	waitingCallers atomic.Int64
}

func New(name string, opts ...Option) RateLimiter {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	rl := &atomicLimiter{
		name:   name,
		config: config,
		clk:    config.Clock,
		pub:    events.NewProcessor[Event](),
	}
	rl.start = rl.clk.Nanos()
	rl.state.Store(&limiterState{
		activePermissions: int64(config.LimitForPeriod),
	})

	return rl
}

func (rl *atomicLimiter) Name() string {
	return rl.name
}

func (rl *atomicLimiter) Config() Config {
	return rl.config
}

func (rl *atomicLimiter) EventPublisher() *events.Processor[Event] {
	return rl.pub
}

func (rl *atomicLimiter) Stats() Stats {
	state := rl.state.Load()
	return Stats{
		AvailablePermissions: state.activePermissions,
		WaitingCallers:       rl.waitingCallers.Load(),
		NanosToWait:          state.nanosToWait,
	}
}

func (rl *atomicLimiter) metricsReporter() Metrics {
	if rl.config.Metrics != nil {
		return rl.config.Metrics
	}
	return GetGlobalMetrics()
}

func (rl *atomicLimiter) currentNanos() int64 {
	return rl.clk.Nanos() - rl.start
}

// updateState applies calculateNextState under a CAS loop; losing racers
// recompute against the fresh state.
func (rl *atomicLimiter) updateState(permits int64, timeoutNanos int64) *limiterState {
	for {
		prev := rl.state.Load()
		next := rl.calculateNextState(permits, timeoutNanos, prev)
		if rl.state.CompareAndSwap(prev, next) {
			return next
		}
	}
}

func (rl *atomicLimiter) calculateNextState(permits, timeoutNanos int64, active *limiterState) *limiterState {
	cyclePeriod := rl.config.LimitRefreshPeriod.Nanoseconds()
	limit := int64(rl.config.LimitForPeriod)

	currentNanos := rl.currentNanos()
	currentCycle := currentNanos / cyclePeriod

	nextCycle := active.activeCycle
	nextPermissions := active.activePermissions
	if currentCycle != nextCycle {
		elapsedCycles := currentCycle - nextCycle
		accumulated := elapsedCycles*limit + nextPermissions
		nextCycle = currentCycle
		nextPermissions = min(accumulated, limit)
	}

	nanosToWait := nanosToWaitForPermission(permits, cyclePeriod, limit, nextPermissions, currentNanos, currentCycle)

	next := &limiterState{
		activeCycle:       nextCycle,
		activePermissions: nextPermissions,
		nanosToWait:       nanosToWait,
	}
	if nanosToWait <= timeoutNanos {
		next.activePermissions = nextPermissions - permits
	}
	return next
}

// nanosToWaitForPermission computes how long a caller must wait until the
// cycle whose budget covers the requested permits begins.
func nanosToWaitForPermission(permits, cyclePeriod, limit, available, currentNanos, currentCycle int64) int64 {
	if available >= permits {
		return 0
	}

	nextCycleTime := (currentCycle + 1) * cyclePeriod
	nanosToNextCycle := nextCycleTime - currentNanos
	permissionsAtStartOfNextCycle := available + limit
	fullCyclesToWait := divCeil(-(permissionsAtStartOfNextCycle - permits), limit)
	return fullCyclesToWait*cyclePeriod + nanosToNextCycle
}

func divCeil(x, y int64) int64 {
	return (x + y - 1) / y
}

func (rl *atomicLimiter) AcquirePermission(ctx context.Context) bool {
	return rl.AcquirePermissionN(ctx, 1)
}

func (rl *atomicLimiter) AcquirePermissionN(ctx context.Context, permits int) bool {
	timeoutNanos := rl.config.TimeoutDuration.Nanoseconds()
	state := rl.updateState(int64(permits), timeoutNanos)
	granted := rl.waitForPermission(ctx, timeoutNanos, state.nanosToWait)
	rl.publishPermission(granted, permits, time.Duration(state.nanosToWait))
	return granted
}

func (rl *atomicLimiter) ReservePermission(permits int) time.Duration {
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

func (rl *atomicLimiter) waitForPermission(ctx context.Context, timeoutNanos, nanosToWait int64) bool {
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

func (rl *atomicLimiter) publishPermission(granted bool, permits int, wait time.Duration) {
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
