package bulkhead

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hugolhafner/guardkit/clock"
	"github.com/hugolhafner/guardkit/events"
)

var ErrFull = errors.New("bulkhead: full")

func IsFullError(err error) bool {
	return errors.Is(err, ErrFull)
}

// Stats is a point-in-time view of the bulkhead.
type Stats struct {
	MaxConcurrentCalls       int
	InFlightCalls            int
	AvailableConcurrentCalls int
	RejectedCalls            int64
}

type Bulkhead interface {
	Name() string
	Stats() Stats

	// Config reflects the live configuration, including any cap applied
	// through ChangeConfig.
	Config() Config

	EventPublisher() *events.Processor[Event]

	// TryAcquirePermission reports whether a permit is immediately
	// available, never blocking.
	TryAcquirePermission() bool

	// AcquirePermission parks up to the configured max wait for a
	// permit, returning ErrFull on timeout and the context error on
	// cancellation.
	AcquirePermission(ctx context.Context) error

	// OnComplete releases exactly one permit.
	OnComplete()

	// ChangeConfig atomically replaces the concurrency cap. Future
	// acquires honor the new cap; in-flight calls are unaffected.
	ChangeConfig(maxConcurrentCalls int)
}

type waiter struct {
	granted chan struct{}
}

var _ Bulkhead = (*semaphoreBulkhead)(nil)

// semaphoreBulkhead admits at most maxConcurrent in-flight calls. Releases
// hand the permit directly to the oldest waiter, so admission is FIFO and
// a freed permit cannot be stolen by a fresh caller racing a parked one.
type semaphoreBulkhead struct {
	name   string
	config Config
	clk    clock.Clock
	pub    *events.Processor[Event]

	rejected atomic.Int64

	mu            sync.Mutex
	maxConcurrent int
	inFlight      int
	waiters       []*waiter
}

func New(name string, opts ...Option) Bulkhead {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	return &semaphoreBulkhead{
		name:          name,
		config:        config,
		clk:           config.Clock,
		pub:           events.NewProcessor[Event](),
		maxConcurrent: config.MaxConcurrentCalls,
	}
}

func (b *semaphoreBulkhead) Name() string {
	return b.name
}

func (b *semaphoreBulkhead) Config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	config := b.config
	config.MaxConcurrentCalls = b.maxConcurrent
	return config
}

func (b *semaphoreBulkhead) EventPublisher() *events.Processor[Event] {
	return b.pub
}

func (b *semaphoreBulkhead) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	available := b.maxConcurrent - b.inFlight
	if available < 0 {
		available = 0
	}
	return Stats{
		MaxConcurrentCalls:       b.maxConcurrent,
		InFlightCalls:            b.inFlight,
		AvailableConcurrentCalls: available,
		RejectedCalls:            b.rejected.Load(),
	}
}

func (b *semaphoreBulkhead) metricsReporter() Metrics {
	if b.config.Metrics != nil {
		return b.config.Metrics
	}
	return GetGlobalMetrics()
}

func (b *semaphoreBulkhead) TryAcquirePermission() bool {
	b.mu.Lock()
	if b.inFlight < b.maxConcurrent {
		b.inFlight++
		b.mu.Unlock()
		b.publishPermitted()
		return true
	}
	b.mu.Unlock()

	b.publishRejected()
	return false
}

func (b *semaphoreBulkhead) AcquirePermission(ctx context.Context) error {
	b.mu.Lock()
	if b.inFlight < b.maxConcurrent {
		b.inFlight++
		b.mu.Unlock()
		b.publishPermitted()
		return nil
	}

	if b.config.MaxWaitDuration <= 0 {
		b.mu.Unlock()
		b.publishRejected()
		return ErrFull
	}

	w := &waiter{granted: make(chan struct{})}
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	expired := make(chan error, 1)
	go func() {
		expired <- b.clk.Sleep(ctx, b.config.MaxWaitDuration)
	}()

	select {
	case <-w.granted:
		b.publishPermitted()
		return nil
	case err := <-expired:
		if !b.abandon(w) {
			// The grant raced the timeout; the permit is ours.
			b.publishPermitted()
			return nil
		}
		b.publishRejected()
		if err != nil {
			return err
		}
		return ErrFull
	}
}

// abandon removes w from the wait queue, reporting false if w had already
// been granted a permit.
func (b *semaphoreBulkhead) abandon(w *waiter) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, queued := range b.waiters {
		if queued == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (b *semaphoreBulkhead) OnComplete() {
	b.mu.Lock()
	// A lowered cap drains before waiters are readmitted.
	if b.inFlight > b.maxConcurrent || len(b.waiters) == 0 {
		b.inFlight--
	} else {
		w := b.waiters[0]
		b.waiters = b.waiters[1:]
		close(w.granted)
	}
	b.mu.Unlock()

	b.pub.Publish(Event{
		BulkheadName: b.name,
		Type:         EventCallFinished,
		Timestamp:    b.clk.Now(),
	})
	b.metricsReporter().RecordCallFinished(context.Background(), b.name)
}

func (b *semaphoreBulkhead) ChangeConfig(maxConcurrentCalls int) {
	b.mu.Lock()
	b.maxConcurrent = maxConcurrentCalls

	var granted []*waiter
	for b.inFlight < b.maxConcurrent && len(b.waiters) > 0 {
		w := b.waiters[0]
		b.waiters = b.waiters[1:]
		b.inFlight++
		granted = append(granted, w)
	}
	b.mu.Unlock()

	for _, w := range granted {
		close(w.granted)
	}
	b.metricsReporter().RecordConcurrencyLimit(context.Background(), b.name, maxConcurrentCalls)
}

func (b *semaphoreBulkhead) publishPermitted() {
	b.pub.Publish(Event{
		BulkheadName: b.name,
		Type:         EventCallPermitted,
		Timestamp:    b.clk.Now(),
	})
	b.metricsReporter().RecordCallPermitted(context.Background(), b.name)
}

func (b *semaphoreBulkhead) publishRejected() {
	b.rejected.Add(1)
	b.pub.Publish(Event{
		BulkheadName: b.name,
		Type:         EventCallRejected,
		Timestamp:    b.clk.Now(),
	})
	b.metricsReporter().RecordCallRejected(context.Background(), b.name)
}
