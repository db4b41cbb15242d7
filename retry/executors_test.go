package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hugolhafner/guardkit/backoff"
	"github.com/hugolhafner/guardkit/circuitbreaker"
)

var errTransient = errors.New("transient")

func fastPolicy(t *testing.T, opts ...Option) *Policy {
	t.Helper()
	base := []Option{
		WithMaxAttempts(3),
		WithBackoff(backoff.NewFixed(time.Millisecond)),
	}
	p, err := NewPolicy("test", append(base, opts...)...)
	require.NoError(t, err)
	return p
}

func TestExecute_SucceedsFirstAttempt(t *testing.T) {
	p := fastPolicy(t)

	calls := 0
	result, err := Execute(context.Background(), p, func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})

	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, 1, calls)

	counters := p.Counters()
	require.Equal(t, int64(1), counters.NumberOfTotalCalls)
	require.Equal(t, int64(1), counters.NumberOfSuccessfulCallsWithoutRetry)
}

func TestExecute_RetriesUntilSuccess(t *testing.T) {
	p := fastPolicy(t)

	calls := 0
	result, err := Execute(context.Background(), p, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errTransient
		}
		return calls, nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, result)
	require.Equal(t, 3, calls)
	require.Equal(t, int64(1), p.Counters().NumberOfSuccessfulCallsWithRetry)
}

func TestExecute_InvokesBetweenOneAndMaxAttempts(t *testing.T) {
	p := fastPolicy(t)

	calls := 0
	_, err := Execute(context.Background(), p, func(ctx context.Context) (any, error) {
		calls++
		return nil, errTransient
	})

	require.Equal(t, 3, calls)

	var retryErr *RetryError
	require.ErrorAs(t, err, &retryErr)
	require.Len(t, retryErr.Attempts, 3)
	require.ErrorIs(t, retryErr.Last(), errTransient)
	require.True(t, IsMaxRetriesExceeded(err))
	require.Equal(t, int64(1), p.Counters().NumberOfFailedCallsWithRetry)
}

func TestExecute_NonRetryableErrorPropagatesImmediately(t *testing.T) {
	fatal := errors.New("fatal")
	p := fastPolicy(t, WithIgnoreErrors(fatal))

	calls := 0
	_, err := Execute(context.Background(), p, func(ctx context.Context) (any, error) {
		calls++
		return nil, fatal
	})

	require.Equal(t, 1, calls)
	require.ErrorIs(t, err, fatal)
	require.False(t, IsMaxRetriesExceeded(err))
	require.Equal(t, int64(1), p.Counters().NumberOfFailedCallsWithoutRetry)
}

func TestExecute_ResultPredicateTriggersRetry(t *testing.T) {
	p := fastPolicy(t, WithRetryOnResultPredicate(func(result any) bool {
		return result == "retry me"
	}))

	calls := 0
	result, err := Execute(context.Background(), p, func(ctx context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "retry me", nil
		}
		return "done", nil
	})

	require.NoError(t, err)
	require.Equal(t, "done", result)
	require.Equal(t, 2, calls)
}

func TestExecute_BackoffDelaysAccumulate(t *testing.T) {
	p := fastPolicy(t,
		WithMaxAttempts(3),
		WithBackoff(backoff.NewExponential(
			backoff.WithInitialInterval(50*time.Millisecond),
			backoff.WithMultiplier(2.0),
		)),
	)

	start := time.Now()
	_, err := Execute(context.Background(), p, func(ctx context.Context) (any, error) {
		return nil, errTransient
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	// Two waits: 50ms + 100ms.
	require.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	require.Less(t, elapsed, 400*time.Millisecond)
}

func TestExecute_ContextCancellationStopsWait(t *testing.T) {
	p := fastPolicy(t, WithBackoff(backoff.NewFixed(10*time.Second)))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Execute(ctx, p, func(ctx context.Context) (any, error) {
		return nil, errTransient
	})

	require.Less(t, time.Since(start), 5*time.Second)

	var retryErr *RetryError
	require.ErrorAs(t, err, &retryErr)
	require.ErrorIs(t, retryErr.TerminationError, context.Canceled)
}

func TestExecute_PublishesRetryEvents(t *testing.T) {
	p := fastPolicy(t)

	var got []EventType
	p.EventPublisher().Subscribe(func(event Event) {
		got = append(got, event.Type)
	})

	calls := 0
	_, err := Execute(context.Background(), p, func(ctx context.Context) (any, error) {
		calls++
		if calls < 2 {
			return nil, errTransient
		}
		return nil, nil
	})
	require.NoError(t, err)

	require.Equal(t, []EventType{EventRetry, EventSuccess}, got)
}

func TestExecuteWithCircuit_DoesNotRetryOpenBreaker(t *testing.T) {
	cb := circuitbreaker.New("inner")
	require.NoError(t, cb.TransitionToOpen())

	p, err := NewCircuitAwarePolicy("aware",
		WithMaxAttempts(5),
		WithBackoff(backoff.NewFixed(time.Millisecond)),
	)
	require.NoError(t, err)

	calls := 0
	_, err = ExecuteWithCircuit(context.Background(), p, cb, func(ctx context.Context) (any, error) {
		calls++
		return nil, nil
	})

	require.Zero(t, calls)
	var retryErr *RetryError
	require.ErrorAs(t, err, &retryErr)
	require.True(t, circuitbreaker.IsCallNotPermittedError(retryErr.Last()))
	require.Len(t, retryErr.Attempts, 1)
}

func TestExecuteAsync_CompletesOffCaller(t *testing.T) {
	p := fastPolicy(t)

	execution := ExecuteAsync(context.Background(), p, func(ctx context.Context) (int, error) {
		return 7, nil
	})

	result, err := execution.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, result)
	require.True(t, execution.Done())
}

func TestExecuteAsync_CancelStopsPendingDelay(t *testing.T) {
	p := fastPolicy(t, WithBackoff(backoff.NewFixed(10*time.Second)))

	execution := ExecuteAsync(context.Background(), p, func(ctx context.Context) (any, error) {
		return nil, errTransient
	})

	time.Sleep(20 * time.Millisecond)
	execution.Cancel()

	start := time.Now()
	_, err := execution.Wait(context.Background())
	require.Less(t, time.Since(start), 5*time.Second)

	var retryErr *RetryError
	require.ErrorAs(t, err, &retryErr)
	require.ErrorIs(t, retryErr.TerminationError, context.Canceled)
}
