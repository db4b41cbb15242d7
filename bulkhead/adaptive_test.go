package bulkhead

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hugolhafner/guardkit/clock"
)

var errDownstream = errors.New("downstream failed")

func newTestAdaptive(clk clock.Clock, opts ...AdaptiveOption) *Adaptive {
	base := []AdaptiveOption{
		WithAdaptiveClock(clk),
		WithMinConcurrentCalls(2),
		WithInitialConcurrentCalls(4),
		WithAdaptiveMaxConcurrentCalls(16),
		WithIncreaseMultiplier(2.0),
		WithIncreaseSummand(1),
		WithDecreaseMultiplier(0.5),
		WithAdaptiveFailureRateThreshold(50),
		WithAdaptiveSlowCallRateThreshold(100),
		WithAdaptiveSlowCallDurationThreshold(time.Minute),
		WithAdaptiveMinimumNumberOfCalls(2),
		WithAdaptiveSlidingWindowSize(8),
	}
	return NewAdaptive("test", append(base, opts...)...)
}

func record(a *Adaptive, failures, successes int) {
	for i := 0; i < failures; i++ {
		if a.TryAcquirePermission() {
			a.OnError(0, errDownstream)
		}
	}
	for i := 0; i < successes; i++ {
		if a.TryAcquirePermission() {
			a.OnSuccess(0)
		}
	}
}

func TestAdaptive_SlowStartMultiplicativeIncrease(t *testing.T) {
	clk := clock.NewFake()
	a := newTestAdaptive(clk)

	require.Equal(t, StateSlowStart, a.State())
	require.Equal(t, 4, a.Limit())

	// Each window of healthy calls doubles the limit; the window resets
	// on every change.
	record(a, 0, 2)
	require.Equal(t, 8, a.Limit())

	record(a, 0, 2)
	require.Equal(t, 16, a.Limit())

	// Capped at the maximum.
	record(a, 0, 2)
	require.Equal(t, 16, a.Limit())
	require.Equal(t, StateSlowStart, a.State())
}

func TestAdaptive_FailureSwitchesToCongestionAvoidance(t *testing.T) {
	clk := clock.NewFake()
	a := newTestAdaptive(clk)

	record(a, 2, 0)

	require.Equal(t, StateCongestionAvoidance, a.State())
	require.Equal(t, 2, a.Limit())
}

func TestAdaptive_CongestionAvoidanceAdditiveIncrease(t *testing.T) {
	clk := clock.NewFake()
	a := newTestAdaptive(clk, WithInitialConcurrentCalls(8))

	record(a, 2, 0) // 8 -> 4, switch to congestion avoidance
	require.Equal(t, StateCongestionAvoidance, a.State())
	require.Equal(t, 4, a.Limit())

	record(a, 0, 2)
	require.Equal(t, 5, a.Limit())
	require.Equal(t, StateCongestionAvoidance, a.State())
}

func TestAdaptive_CongestionAvoidanceMultiplicativeDecrease(t *testing.T) {
	clk := clock.NewFake()
	a := newTestAdaptive(clk, WithInitialConcurrentCalls(16))

	record(a, 2, 0) // 16 -> 8, switch
	require.Equal(t, 8, a.Limit())

	record(a, 2, 0)
	require.Equal(t, 4, a.Limit())
	require.Equal(t, StateCongestionAvoidance, a.State())
}

func TestAdaptive_BottomedLimitReturnsToSlowStart(t *testing.T) {
	clk := clock.NewFake()
	a := newTestAdaptive(clk)

	record(a, 2, 0) // 4 -> 2 (min), switch to congestion avoidance
	require.Equal(t, 2, a.Limit())
	require.Equal(t, StateCongestionAvoidance, a.State())

	// Healthy again at the floor: probe aggressively once more.
	record(a, 0, 2)
	require.Equal(t, StateSlowStart, a.State())
	require.Equal(t, 2, a.Limit())
}

func TestAdaptive_IgnoredErrorsCarryNoSignal(t *testing.T) {
	clk := clock.NewFake()
	ignored := errors.New("client abort")
	a := newTestAdaptive(clk, WithAdaptiveIgnoreErrors(ignored))

	for i := 0; i < 10; i++ {
		require.True(t, a.TryAcquirePermission())
		a.OnError(0, ignored)
	}

	require.Equal(t, StateSlowStart, a.State())
	require.Equal(t, 4, a.Limit())
}

func TestAdaptive_LimitChangeEvents(t *testing.T) {
	clk := clock.NewFake()
	a := newTestAdaptive(clk)

	var got []EventType
	a.EventPublisher().Subscribe(func(event Event) {
		switch event.Type {
		case EventLimitIncreased, EventLimitDecreased, EventStateTransition:
			got = append(got, event.Type)
		}
	})

	record(a, 0, 2) // increase
	record(a, 2, 0) // decrease + transition

	require.Equal(t, []EventType{EventLimitIncreased, EventLimitDecreased, EventStateTransition}, got)
}

func TestAdaptive_InnerBulkheadEnforcesLimit(t *testing.T) {
	clk := clock.NewFake()
	a := newTestAdaptive(clk, WithInitialConcurrentCalls(2))

	require.True(t, a.TryAcquirePermission())
	require.True(t, a.TryAcquirePermission())
	require.False(t, a.TryAcquirePermission())

	a.ReleasePermission()
	require.True(t, a.TryAcquirePermission())
}

func TestExecuteAdaptive_FeedsOutcomesBack(t *testing.T) {
	clk := clock.NewFake()
	a := newTestAdaptive(clk)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		err := DoAdaptive(ctx, a, func(ctx context.Context) error {
			return errDownstream
		})
		require.ErrorIs(t, err, errDownstream)
	}

	require.Equal(t, StateCongestionAvoidance, a.State())
	require.Zero(t, a.Stats().InFlightCalls)
}
