package bulkhead

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestBulkhead_Saturation(t *testing.T) {
	b := New("saturation", WithMaxConcurrentCalls(1), WithMaxWaitDuration(0))

	require.True(t, b.TryAcquirePermission())
	require.False(t, b.TryAcquirePermission())
	require.ErrorIs(t, b.AcquirePermission(context.Background()), ErrFull)

	b.OnComplete()
	require.True(t, b.TryAcquirePermission())
}

func TestBulkhead_ReleaseHandsPermitToWaiter(t *testing.T) {
	b := New("handoff", WithMaxConcurrentCalls(1), WithMaxWaitDuration(time.Second))

	require.True(t, b.TryAcquirePermission())

	acquired := make(chan error, 1)
	go func() {
		acquired <- b.AcquirePermission(context.Background())
	}()

	// The waiter parks; nothing is granted yet.
	select {
	case err := <-acquired:
		t.Fatalf("acquire returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	b.OnComplete()

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was never granted the released permit")
	}

	require.Equal(t, 1, b.Stats().InFlightCalls)
}

func TestBulkhead_AcquireTimesOut(t *testing.T) {
	b := New("timeout", WithMaxConcurrentCalls(1), WithMaxWaitDuration(30*time.Millisecond))

	require.True(t, b.TryAcquirePermission())

	start := time.Now()
	err := b.AcquirePermission(context.Background())
	require.ErrorIs(t, err, ErrFull)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.Equal(t, int64(1), b.Stats().RejectedCalls)
}

func TestBulkhead_AcquireHonorsContext(t *testing.T) {
	b := New("cancel", WithMaxConcurrentCalls(1), WithMaxWaitDuration(10*time.Second))

	require.True(t, b.TryAcquirePermission())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := b.AcquirePermission(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestBulkhead_ChangeConfigRaisesCap(t *testing.T) {
	b := New("raise", WithMaxConcurrentCalls(1), WithMaxWaitDuration(time.Second))

	require.True(t, b.TryAcquirePermission())

	acquired := make(chan error, 1)
	go func() {
		acquired <- b.AcquirePermission(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)

	// Raising the cap admits the parked waiter without a release.
	b.ChangeConfig(2)

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not admitted after cap increase")
	}
	require.Equal(t, 2, b.Stats().InFlightCalls)
}

func TestBulkhead_ChangeConfigLowersCapWithoutEvicting(t *testing.T) {
	b := New("lower", WithMaxConcurrentCalls(2), WithMaxWaitDuration(0))

	require.True(t, b.TryAcquirePermission())
	require.True(t, b.TryAcquirePermission())

	b.ChangeConfig(1)

	// In-flight calls are unaffected; new acquires honor the new cap.
	require.Equal(t, 2, b.Stats().InFlightCalls)
	require.False(t, b.TryAcquirePermission())

	// The drained permit is not reissued until under the new cap.
	b.OnComplete()
	require.False(t, b.TryAcquirePermission())
	b.OnComplete()
	require.True(t, b.TryAcquirePermission())
}

// At no instant may more than maxConcurrentCalls goroutines hold a permit.
func TestBulkhead_ConcurrencyCap(t *testing.T) {
	const limit = 4
	b := New("cap", WithMaxConcurrentCalls(limit), WithMaxWaitDuration(50*time.Millisecond))

	var inFlight atomic.Int64
	var group errgroup.Group
	for i := 0; i < 32; i++ {
		group.Go(func() error {
			err := Do(context.Background(), b, func(ctx context.Context) error {
				current := inFlight.Add(1)
				defer inFlight.Add(-1)
				if current > limit {
					return errors.New("concurrency cap exceeded")
				}
				time.Sleep(time.Millisecond)
				return nil
			})
			if err != nil && !IsFullError(err) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
	require.Zero(t, b.Stats().InFlightCalls)
}

func TestBulkhead_Events(t *testing.T) {
	b := New("events", WithMaxConcurrentCalls(1), WithMaxWaitDuration(0))

	var got []EventType
	b.EventPublisher().Subscribe(func(event Event) {
		got = append(got, event.Type)
	})

	require.True(t, b.TryAcquirePermission())
	require.False(t, b.TryAcquirePermission())
	b.OnComplete()

	require.Equal(t, []EventType{EventCallPermitted, EventCallRejected, EventCallFinished}, got)
}

func TestThreadPool_RejectsWhenSaturated(t *testing.T) {
	b := NewThreadPool("pool",
		WithCoreWorkers(1),
		WithMaxWorkers(1),
		WithQueueCapacity(1),
	)
	defer b.Close()

	release := make(chan struct{})

	running, err := Submit(b, func() (int, error) {
		<-release
		return 1, nil
	})
	require.NoError(t, err)

	// Wait for the worker to pick the first task up.
	require.Eventually(t, func() bool {
		return len(b.tasks) == 0
	}, time.Second, time.Millisecond)

	queued, err := Submit(b, func() (int, error) {
		<-release
		return 2, nil
	})
	require.NoError(t, err)

	// Worker busy, queue full, no worker headroom: full signal.
	_, err = Submit(b, func() (int, error) { return 3, nil })
	require.ErrorIs(t, err, ErrFull)

	close(release)

	first, err := running.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first)

	second, err := queued.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, second)
}

func TestThreadPool_GrowsToMaxWorkers(t *testing.T) {
	b := NewThreadPool("grow",
		WithCoreWorkers(1),
		WithMaxWorkers(2),
		WithQueueCapacity(1),
		WithKeepAlive(10*time.Millisecond),
	)
	defer b.Close()

	release := make(chan struct{})
	blocker := func() (struct{}, error) {
		<-release
		return struct{}{}, nil
	}

	// One running, one queued, and the third submission spawns the
	// extra worker instead of rejecting.
	var executions []*Execution[struct{}]

	execution, err := Submit(b, blocker)
	require.NoError(t, err)
	executions = append(executions, execution)

	require.Eventually(t, func() bool {
		return len(b.tasks) == 0
	}, time.Second, time.Millisecond)

	for i := 0; i < 2; i++ {
		execution, err := Submit(b, blocker)
		require.NoError(t, err, "submission %d", i+2)
		executions = append(executions, execution)
	}

	close(release)
	for _, execution := range executions {
		_, err := execution.Wait(context.Background())
		require.NoError(t, err)
	}
}

func TestThreadPool_CloseDrainsQueue(t *testing.T) {
	b := NewThreadPool("drain",
		WithCoreWorkers(1),
		WithMaxWorkers(1),
		WithQueueCapacity(8),
	)

	var ran atomic.Int64
	for i := 0; i < 5; i++ {
		_, err := Submit(b, func() (struct{}, error) {
			ran.Add(1)
			return struct{}{}, nil
		})
		require.NoError(t, err)
	}

	b.Close()
	require.Equal(t, int64(5), ran.Load())

	_, err := Submit(b, func() (struct{}, error) { return struct{}{}, nil })
	require.ErrorIs(t, err, ErrFull)
}

func TestExecute_PairsAcquireWithRelease(t *testing.T) {
	b := New("pairing", WithMaxConcurrentCalls(1), WithMaxWaitDuration(0))

	err := Do(context.Background(), b, func(ctx context.Context) error {
		require.Equal(t, 1, b.Stats().InFlightCalls)
		return errors.New("user error")
	})
	require.Error(t, err)
	require.False(t, IsFullError(err))

	require.Zero(t, b.Stats().InFlightCalls)
	require.True(t, b.TryAcquirePermission())
}
