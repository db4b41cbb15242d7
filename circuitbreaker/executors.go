package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// PanicError is the failure recorded when a guarded call panics. The panic
// counts as a regular failure in the breaker's window rather than killing
// the calling goroutine.
type PanicError struct {
	Recovered any
	Stack     []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("circuitbreaker: panic in guarded call: %v", e.Recovered)
}

func IsPanicError(err error) bool {
	var panicError *PanicError
	return errors.As(err, &panicError)
}

func safeExecute[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{
				Recovered: r,
				Stack:     debug.Stack(),
			}
		}
	}()

	if ctx.Err() != nil {
		return result, ctx.Err()
	}

	return fn(ctx)
}

// Execute runs fn under the breaker's permission lifecycle: acquire, run,
// record. An outcome that lands after a concurrent state transition is
// dropped rather than recorded into the new state's fresh metrics.
func Execute[T any](ctx context.Context, cb CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	epoch, err := cb.before()
	if err != nil {
		return zero, err
	}

	start := time.Now()

	result, err := safeExecute(ctx, fn)
	cb.after(epoch, result, err, time.Since(start))
	return result, err
}

func Do(ctx context.Context, cb CircuitBreaker, fn func(context.Context) error) (err error) {
	_, err = Execute(ctx, cb, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})

	return err
}

// Decorate binds fn to the breaker, returning a function with the same
// shape that runs under Execute.
func Decorate[T any](cb CircuitBreaker, fn func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return Execute(ctx, cb, fn)
	}
}
