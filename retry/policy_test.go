package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hugolhafner/guardkit/backoff"
	"github.com/hugolhafner/guardkit/circuitbreaker"
	"github.com/hugolhafner/guardkit/clock"
)

func TestNewPolicy_OptionMerging(t *testing.T) {
	tests := []struct {
		name  string
		opts  []Option
		check func(t *testing.T, policy *Policy)
	}{
		{
			name: "repeated WithIgnoreErrors calls accumulate",
			opts: []Option{
				WithIgnoreErrors(errors.New("error1")),
				WithIgnoreErrors(errors.New("error2")),
			},
			check: func(t *testing.T, policy *Policy) {
				require.Len(t, policy.IgnoreErrors(), 2)
			},
		},
		{
			name: "repeated WithRetryErrors calls accumulate",
			opts: []Option{
				WithRetryErrors(errors.New("error1")),
				WithRetryErrors(errors.New("error2")),
			},
			check: func(t *testing.T, policy *Policy) {
				require.Len(t, policy.RetryErrors(), 2)
			},
		},
		{
			name: "WithMaxAttempts and WithAttemptTimeout",
			opts: []Option{
				WithMaxAttempts(7),
				WithAttemptTimeout(250 * time.Millisecond),
			},
			check: func(t *testing.T, policy *Policy) {
				require.Equal(t, 7, policy.MaxAttempts())
				require.Equal(t, 250*time.Millisecond, policy.AttemptTimeout())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy, err := NewPolicy("test.Policy", tt.opts...)
			require.NoError(t, err)
			tt.check(t, policy)
		})
	}
}

func TestNewPolicy_Validation(t *testing.T) {
	_, err := NewPolicy("invalid", WithMaxAttempts(0))
	require.True(t, IsValidationError(err))

	_, err = NewPolicy("invalid", WithBackoff(nil))
	require.True(t, IsValidationError(err))
}

func TestPolicy_WithClockDrivesWaits(t *testing.T) {
	clk := clock.NewFake()
	p := MustNewPolicy("clocked",
		WithMaxAttempts(2),
		WithBackoff(backoff.NewFixed(time.Minute)),
		WithClock(clk),
	)

	done := make(chan error, 1)
	go func() {
		_, err := Execute(context.Background(), p, func(ctx context.Context) (any, error) {
			return nil, errors.New("always fails")
		})
		done <- err
	}()

	// The sequence is parked on the fake clock between the attempts.
	select {
	case <-done:
		t.Fatal("sequence finished before the clock advanced")
	case <-time.After(20 * time.Millisecond):
	}

	clk.Advance(time.Minute)

	select {
	case err := <-done:
		require.True(t, IsMaxRetriesExceeded(err))
	case <-time.After(2 * time.Second):
		t.Fatal("sequence not released by clock advance")
	}
}

func TestPolicy_CountersTrackOutcomes(t *testing.T) {
	p := MustNewPolicy("counted",
		WithMaxAttempts(2),
		WithBackoff(backoff.NewFixed(time.Millisecond)),
	)

	ctx := context.Background()
	_, _ = Execute(ctx, p, func(ctx context.Context) (any, error) { return nil, nil })
	_, _ = Execute(ctx, p, func(ctx context.Context) (any, error) {
		return nil, errors.New("always fails")
	})

	counters := p.Counters()
	require.Equal(t, int64(2), counters.NumberOfTotalCalls)
	require.Equal(t, int64(1), counters.NumberOfSuccessfulCallsWithoutRetry)
	require.Equal(t, int64(1), counters.NumberOfFailedCallsWithRetry)
}

func TestPolicy_EventPublisherIsPerPolicy(t *testing.T) {
	p := MustNewPolicy("published", WithBackoff(backoff.NewFixed(time.Millisecond)))
	require.NotNil(t, p.EventPublisher())
	require.False(t, p.EventPublisher().HasConsumers())

	p.EventPublisher().Subscribe(func(Event) {})
	require.True(t, p.EventPublisher().HasConsumers())

	clone := p.Clone("published-clone")
	require.False(t, clone.EventPublisher().HasConsumers())
}

func TestPolicy_CloneCopiesConfigNotState(t *testing.T) {
	original := MustNewPolicy("original",
		WithMaxAttempts(4),
		WithBackoff(backoff.NewFixed(time.Millisecond)),
		WithIgnoreErrors(errors.New("skip me")),
	)

	_, _ = Execute(context.Background(), original, func(ctx context.Context) (any, error) {
		return nil, nil
	})
	require.Equal(t, int64(1), original.Counters().NumberOfTotalCalls)

	clone := original.Clone("copy")
	require.Equal(t, "copy", clone.Name())
	require.Equal(t, 4, clone.MaxAttempts())
	require.Len(t, clone.IgnoreErrors(), 1)

	// Lifetime counters belong to the instance, not the configuration.
	require.Zero(t, clone.Counters().NumberOfTotalCalls)
}

func TestPolicy_ShouldRetryErrorPrecedence(t *testing.T) {
	retryable := errors.New("retryable")
	ignored := errors.New("ignored")

	t.Run("predicate overrides lists", func(t *testing.T) {
		p := MustNewPolicy("predicate",
			WithBackoff(backoff.NewFixed(time.Millisecond)),
			WithIgnoreErrors(ignored),
			WithRetryOnErrorPredicate(func(err error) bool { return true }),
		)
		require.True(t, p.ShouldRetryError(ignored))
	})

	t.Run("ignore list wins over allowlist", func(t *testing.T) {
		p := MustNewPolicy("lists",
			WithBackoff(backoff.NewFixed(time.Millisecond)),
			WithRetryErrors(retryable, ignored),
			WithIgnoreErrors(ignored),
		)
		require.True(t, p.ShouldRetryError(retryable))
		require.False(t, p.ShouldRetryError(ignored))
	})

	t.Run("allowlist excludes unlisted errors", func(t *testing.T) {
		p := MustNewPolicy("allowlist",
			WithBackoff(backoff.NewFixed(time.Millisecond)),
			WithRetryErrors(retryable),
		)
		require.True(t, p.ShouldRetryError(retryable))
		require.False(t, p.ShouldRetryError(errors.New("unlisted")))
	})
}

func TestNewCircuitAwarePolicy_IgnoresBreakerDenials(t *testing.T) {
	p := MustNewCircuitAwarePolicy("aware", WithBackoff(backoff.NewFixed(time.Millisecond)))

	require.False(t, p.ShouldRetryError(circuitbreaker.ErrOpenState))
	require.False(t, p.ShouldRetryError(circuitbreaker.ErrHalfOpenState))
	require.True(t, p.ShouldRetryError(errors.New("ordinary failure")))
}
