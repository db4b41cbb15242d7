package clock

import (
	"context"
	"sync"
	"time"
)

var _ Clock = (*Fake)(nil)

// Fake is a manually advanced clock for tests. Sleep returns as soon as the
// clock has been advanced past the requested duration.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	origin  time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	done     chan struct{}
}

func NewFake() *Fake {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &Fake{now: start, origin: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Nanos() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now.Sub(f.origin).Nanoseconds()
}

// Advance moves the clock forward and releases any sleeper whose deadline
// has passed.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)

	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.deadline.After(f.now) {
			close(w.done)
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.mu.Unlock()
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	f.mu.Lock()
	w := &fakeWaiter{
		deadline: f.now.Add(d),
		done:     make(chan struct{}),
	}
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return nil
	}
}
