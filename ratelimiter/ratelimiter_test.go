package ratelimiter

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hugolhafner/guardkit/clock"
)

func newTestLimiter(clk clock.Clock, opts ...Option) RateLimiter {
	base := []Option{
		WithClock(clk),
		WithLimitForPeriod(10),
		WithLimitRefreshPeriod(60 * time.Second),
		WithTimeoutDuration(100 * time.Millisecond),
	}
	return New("test", append(base, opts...)...)
}

func TestAtomicLimiter_Burst(t *testing.T) {
	clk := clock.NewFake()
	rl := newTestLimiter(clk)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.True(t, rl.AcquirePermission(ctx), "permit %d", i+1)
	}

	// The 11th caller would have to wait for the next cycle, far beyond
	// the timeout; it is refused without parking.
	start := time.Now()
	require.False(t, rl.AcquirePermission(ctx))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestAtomicLimiter_RejectionConsumesNothing(t *testing.T) {
	clk := clock.NewFake()
	rl := newTestLimiter(clk)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.True(t, rl.AcquirePermission(ctx))
	}
	require.False(t, rl.AcquirePermission(ctx))
	require.False(t, rl.AcquirePermission(ctx))

	// The refused callers reserved nothing from the next cycle.
	clk.Advance(60 * time.Second)
	for i := 0; i < 10; i++ {
		require.True(t, rl.AcquirePermission(ctx), "permit %d after refresh", i+1)
	}
	require.False(t, rl.AcquirePermission(ctx))
}

func TestAtomicLimiter_CycleRefresh(t *testing.T) {
	clk := clock.NewFake()
	rl := newTestLimiter(clk)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.True(t, rl.AcquirePermission(ctx))
	}
	require.Equal(t, int64(0), rl.Stats().AvailablePermissions)

	// Several cycles elapse; the budget caps at limitForPeriod rather
	// than accumulating.
	clk.Advance(5 * 60 * time.Second)
	require.True(t, rl.AcquirePermission(ctx))
	require.Equal(t, int64(9), rl.Stats().AvailablePermissions)
}

func TestAtomicLimiter_GrantsBoundedPerCycle(t *testing.T) {
	clk := clock.NewFake()
	rl := newTestLimiter(clk)

	var granted atomic.Int64
	var group errgroup.Group
	for i := 0; i < 50; i++ {
		group.Go(func() error {
			if rl.AcquirePermission(context.Background()) {
				granted.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())

	require.Equal(t, int64(10), granted.Load())
}

func TestAtomicLimiter_WaitsWithinTimeout(t *testing.T) {
	rl := New("wait",
		WithLimitForPeriod(1),
		WithLimitRefreshPeriod(20*time.Millisecond),
		WithTimeoutDuration(time.Second),
	)

	ctx := context.Background()
	require.True(t, rl.AcquirePermission(ctx))

	// The second permit is granted after parking into the next cycle,
	// well within the timeout.
	start := time.Now()
	require.True(t, rl.AcquirePermission(ctx))
	elapsed := time.Since(start)
	require.Less(t, elapsed, time.Second)
}

func TestAtomicLimiter_ContextCancellationDeniesDuringPark(t *testing.T) {
	rl := New("cancel",
		WithLimitForPeriod(1),
		WithLimitRefreshPeriod(10*time.Second),
		WithTimeoutDuration(10*time.Second),
	)

	require.True(t, rl.AcquirePermission(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	require.False(t, rl.AcquirePermission(ctx))
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestAtomicLimiter_ReservePermission(t *testing.T) {
	clk := clock.NewFake()
	rl := New("reserve",
		WithClock(clk),
		WithLimitForPeriod(2),
		WithLimitRefreshPeriod(time.Second),
		WithTimeoutDuration(2*time.Second),
	)

	require.Equal(t, time.Duration(0), rl.ReservePermission(1))
	require.Equal(t, time.Duration(0), rl.ReservePermission(1))

	// The third permit belongs to the next cycle, one second away.
	wait := rl.ReservePermission(1)
	require.Equal(t, time.Second, wait)

	// A reservation beyond the timeout is refused outright.
	require.Equal(t, time.Duration(-1), rl.ReservePermission(10))
}

func TestAtomicLimiter_Events(t *testing.T) {
	clk := clock.NewFake()
	rl := New("events",
		WithClock(clk),
		WithLimitForPeriod(1),
		WithLimitRefreshPeriod(time.Minute),
		WithTimeoutDuration(0),
	)

	var got []Event
	rl.EventPublisher().Subscribe(func(event Event) {
		got = append(got, event)
	})

	ctx := context.Background()
	require.True(t, rl.AcquirePermission(ctx))
	require.False(t, rl.AcquirePermission(ctx))

	require.Len(t, got, 2)
	require.Equal(t, EventSuccess, got[0].Type)
	require.Equal(t, EventFailure, got[1].Type)
	require.Equal(t, 1, got[0].Permits)
}

func TestRefillLimiter_ReplenishesLinearly(t *testing.T) {
	clk := clock.NewFake()
	rl := NewRefill("refill",
		WithClock(clk),
		WithLimitForPeriod(10),
		WithLimitRefreshPeriod(time.Second),
		WithTimeoutDuration(0),
	)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.True(t, rl.AcquirePermissionN(ctx, 1))
	}
	require.False(t, rl.AcquirePermission(ctx))

	// 100ms per permit: 300ms buys three permits back.
	clk.Advance(300 * time.Millisecond)
	require.True(t, rl.AcquirePermission(ctx))
	require.True(t, rl.AcquirePermission(ctx))
	require.True(t, rl.AcquirePermission(ctx))
	require.False(t, rl.AcquirePermission(ctx))
}

func TestRefillLimiter_InitialPermits(t *testing.T) {
	clk := clock.NewFake()
	rl := NewRefill("seeded",
		WithClock(clk),
		WithLimitForPeriod(10),
		WithLimitRefreshPeriod(time.Second),
		WithTimeoutDuration(0),
		WithInitialPermits(2),
	)

	ctx := context.Background()
	require.True(t, rl.AcquirePermission(ctx))
	require.True(t, rl.AcquirePermission(ctx))
	require.False(t, rl.AcquirePermission(ctx))
}

func TestExecute_RequestNotPermitted(t *testing.T) {
	clk := clock.NewFake()
	rl := New("execute",
		WithClock(clk),
		WithLimitForPeriod(1),
		WithLimitRefreshPeriod(time.Minute),
		WithTimeoutDuration(0),
	)

	ctx := context.Background()
	calls := 0

	result, err := Execute(ctx, rl, func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, result)

	_, err = Execute(ctx, rl, func(ctx context.Context) (int, error) {
		calls++
		return 0, nil
	})
	require.ErrorIs(t, err, ErrRequestNotPermitted)
	require.True(t, IsRequestNotPermittedError(err))
	require.Equal(t, 1, calls)
}
