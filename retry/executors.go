package retry

import (
	"context"
	"errors"
	"time"

	"github.com/hugolhafner/guardkit/circuitbreaker"
)

type waiter func(time.Duration) error

// clockWaiter parks on the policy's clock so tests drive the backoff
// deterministically.
func (p *Policy) clockWaiter(ctx context.Context) waiter {
	return func(d time.Duration) error {
		return p.clk.Sleep(ctx, d)
	}
}

func safeExecute[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (result T, err error) {
	if ctx.Err() != nil {
		return result, ctx.Err()
	}

	return fn(ctx)
}

func classifyAttemptFailure(err error) AttemptFailureReason {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return AttemptFailureReasonTimeout
	}

	if errors.Is(err, context.Canceled) {
		return AttemptFailureReasonCanceled
	}

	return AttemptFailureReasonError
}

func classifyContextError(err error) OutcomeFailureReason {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeFailureReasonTimeout
	}

	return OutcomeFailureReasonCanceled
}

type attemptOutcome[T any] struct {
	result    T
	attempt   Attempt
	success   bool
	retryable bool
}

func executeAttempt[T any](
	ctx context.Context,
	p *Policy,
	attemptNum int,
	fn func(ctx context.Context) (T, error),
) attemptOutcome[T] {
	attemptStart := time.Now()

	attempt := Attempt{
		PolicyName: p.name,
		Number:     attemptNum,
		Timestamp:  attemptStart,
	}

	var (
		attemptCtx    context.Context
		attemptCancel context.CancelFunc
	)
	if p.attemptTimeout > 0 {
		attemptCtx, attemptCancel = context.WithTimeout(ctx, p.attemptTimeout)
	} else {
		attemptCtx, attemptCancel = context.WithCancel(ctx)
	}
	defer attemptCancel()

	attemptResult, attemptErr := safeExecute(attemptCtx, fn)
	attempt.Duration = time.Since(attemptStart)

	shouldRetryResult := attemptErr == nil &&
		p.retryOnResultPredicate != nil &&
		p.retryOnResultPredicate(attemptResult)

	if attemptErr == nil && !shouldRetryResult {
		attempt.Status = AttemptStatusSuccess
		return attemptOutcome[T]{
			result:  attemptResult,
			attempt: attempt,
			success: true,
		}
	}

	attempt.Status = AttemptStatusError

	if shouldRetryResult {
		attempt.Error = ErrResultPredicateRetry
		attempt.FailureReason = AttemptFailureReasonResult
		attempt.Retryable = true
	} else {
		attempt.Error = attemptErr
		attempt.FailureReason = classifyAttemptFailure(attemptErr)
		attempt.Retryable = p.ShouldRetryError(attemptErr)
	}

	var zero T
	return attemptOutcome[T]{
		result:    zero,
		attempt:   attempt,
		retryable: attempt.Retryable,
	}
}

func execute[T any](ctx context.Context, p *Policy, wait waiter, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		result          T
		attemptCount    = 1
		metricsReporter = p.metricsReporter()
		overallStart    = time.Now()
	)

	retryErr := &RetryError{
		Attempts: make([]Attempt, 0, p.maxAttempts),
	}

	outcome := Outcome{
		PolicyName: p.name,
		Status:     OutcomeStatusError,
	}

	defer func() {
		outcome.TotalAttempts = attemptCount
		outcome.TotalDuration = time.Since(overallStart)
		outcome.Retried = attemptCount > 1
		metricsReporter.RecordOutcome(ctx, outcome)
		metricsReporter.RecordCounters(ctx, p.name, p.counters.snapshot())
	}()

	for {
		ao := executeAttempt(ctx, p, attemptCount, fn)
		metricsReporter.RecordAttempt(ctx, ao.attempt)

		if ao.success {
			result = ao.result
			outcome.Status = OutcomeStatusSuccess
			p.counters.record(true, attemptCount > 1)
			p.pub.Publish(Event{
				PolicyName: p.name,
				Type:       EventSuccess,
				Timestamp:  p.clk.Now(),
				Attempt:    attemptCount,
			})
			return result, nil
		}

		retryErr.Attempts = append(retryErr.Attempts, ao.attempt)

		if !ao.retryable {
			outcome.FailureReason = OutcomeFailureReasonNonRetryable
			p.pub.Publish(Event{
				PolicyName: p.name,
				Type:       EventIgnoredError,
				Timestamp:  p.clk.Now(),
				Attempt:    attemptCount,
				Err:        ao.attempt.Error,
			})
			break
		}

		if attemptCount >= p.maxAttempts {
			outcome.FailureReason = OutcomeFailureReasonExhausted
			retryErr.Exhausted = true
			p.pub.Publish(Event{
				PolicyName: p.name,
				Type:       EventError,
				Timestamp:  p.clk.Now(),
				Attempt:    attemptCount,
				Err:        ao.attempt.Error,
			})
			break
		}

		backoffDuration := p.backoff.Next(uint(attemptCount))
		p.pub.Publish(Event{
			PolicyName:   p.name,
			Type:         EventRetry,
			Timestamp:    p.clk.Now(),
			Attempt:      attemptCount,
			WaitDuration: backoffDuration,
			Err:          ao.attempt.Error,
		})
		if waitErr := wait(backoffDuration); waitErr != nil {
			outcome.FailureReason = classifyContextError(waitErr)
			retryErr.TerminationError = waitErr
			p.counters.record(false, attemptCount > 1)
			return result, retryErr
		}

		attemptCount++
		metricsReporter.RecordBackoff(ctx, BackoffWait{
			PolicyName:  p.name,
			NextAttempt: attemptCount,
			Wait:        backoffDuration,
		})
	}

	p.counters.record(false, attemptCount > 1)
	return result, retryErr
}

func Do(ctx context.Context, p *Policy, fn func(context.Context) error) error {
	_, err := Execute(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func DoWithCircuit(ctx context.Context, p *Policy, cb circuitbreaker.CircuitBreaker, fn func(context.Context) error) error {
	_, err := ExecuteWithCircuit(ctx, p, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func Execute[T any](ctx context.Context, p *Policy, fn func(context.Context) (T, error)) (T, error) {
	return execute(ctx, p, p.clockWaiter(ctx), fn)
}

func ExecuteWithCircuit[T any](ctx context.Context, p *Policy, cb circuitbreaker.CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	return execute(ctx, p, p.clockWaiter(ctx), func(ctx context.Context) (T, error) {
		return circuitbreaker.Execute[T](ctx, cb, fn)
	})
}

// Decorate binds fn to the policy, returning a function with the same
// shape that runs under Execute.
func Decorate[T any](p *Policy, fn func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return Execute(ctx, p, fn)
	}
}
