package ratelimiter

import (
	"context"
)

// Execute runs fn if the limiter grants a permit within its timeout,
// returning ErrRequestNotPermitted otherwise.
func Execute[T any](ctx context.Context, rl RateLimiter, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if !rl.AcquirePermission(ctx) {
		return zero, ErrRequestNotPermitted
	}

	if ctx.Err() != nil {
		return zero, ctx.Err()
	}

	return fn(ctx)
}

func Do(ctx context.Context, rl RateLimiter, fn func(context.Context) error) error {
	_, err := Execute(ctx, rl, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Decorate binds fn to the limiter, returning a function with the same
// shape that runs under Execute.
func Decorate[T any](rl RateLimiter, fn func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return Execute(ctx, rl, fn)
	}
}
