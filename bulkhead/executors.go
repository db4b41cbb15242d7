package bulkhead

import (
	"context"
)

// Execute runs fn while holding one bulkhead permit. Every successful
// acquire is paired with exactly one release, panics included.
func Execute[T any](ctx context.Context, b Bulkhead, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.AcquirePermission(ctx); err != nil {
		return zero, err
	}
	defer b.OnComplete()

	if ctx.Err() != nil {
		return zero, ctx.Err()
	}

	return fn(ctx)
}

func Do(ctx context.Context, b Bulkhead, fn func(context.Context) error) error {
	_, err := Execute(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Decorate binds fn to the bulkhead, returning a function with the same
// shape that runs under Execute.
func Decorate[T any](b Bulkhead, fn func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return Execute(ctx, b, fn)
	}
}

// ExecuteAdaptive runs fn under the adaptive bulkhead's permission
// lifecycle, feeding the outcome and its duration back into the control
// loop.
func ExecuteAdaptive[T any](ctx context.Context, a *Adaptive, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := a.AcquirePermission(ctx); err != nil {
		return zero, err
	}

	if ctx.Err() != nil {
		a.ReleasePermission()
		return zero, ctx.Err()
	}

	start := a.clk.Now()
	result, err := fn(ctx)
	duration := a.clk.Now().Sub(start)

	if err != nil {
		a.OnError(duration, err)
		return zero, err
	}
	a.OnSuccess(duration)
	return result, nil
}

// DoAdaptive is ExecuteAdaptive for operations without a result.
func DoAdaptive(ctx context.Context, a *Adaptive, fn func(context.Context) error) error {
	_, err := ExecuteAdaptive(ctx, a, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
