package bulkhead

import (
	"context"
	"sync"
	"time"

	"github.com/hugolhafner/guardkit/clock"
	"github.com/hugolhafner/guardkit/events"
)

type ThreadPoolConfig struct {
	// CoreWorkers run for the pool's lifetime.
	CoreWorkers int

	// MaxWorkers bounds the total worker count; workers above
	// CoreWorkers are started when the queue fills and retire after
	// KeepAlive idle.
	MaxWorkers int

	// QueueCapacity bounds tasks waiting for a worker. A full queue
	// with MaxWorkers running is a full signal.
	QueueCapacity int

	KeepAlive time.Duration

	Clock clock.Clock

	Metrics Metrics
}

type ThreadPoolOption func(*ThreadPoolConfig)

func defaultThreadPoolConfig() ThreadPoolConfig {
	return ThreadPoolConfig{
		CoreWorkers:   2,
		MaxWorkers:    8,
		QueueCapacity: 100,
		KeepAlive:     20 * time.Millisecond,
		Clock:         clock.Wall(),
	}
}

func WithCoreWorkers(n int) ThreadPoolOption {
	return func(c *ThreadPoolConfig) {
		c.CoreWorkers = n
	}
}

func WithMaxWorkers(n int) ThreadPoolOption {
	return func(c *ThreadPoolConfig) {
		c.MaxWorkers = n
	}
}

func WithQueueCapacity(n int) ThreadPoolOption {
	return func(c *ThreadPoolConfig) {
		c.QueueCapacity = n
	}
}

func WithKeepAlive(d time.Duration) ThreadPoolOption {
	return func(c *ThreadPoolConfig) {
		c.KeepAlive = d
	}
}

func WithThreadPoolClock(clk clock.Clock) ThreadPoolOption {
	return func(c *ThreadPoolConfig) {
		c.Clock = clk
	}
}

func WithThreadPoolMetrics(metrics Metrics) ThreadPoolOption {
	return func(c *ThreadPoolConfig) {
		c.Metrics = metrics
	}
}

// ThreadPool is the worker-pool bulkhead: callers hand work off to a
// bounded pool and receive an asynchronous Execution handle. The pool's
// lifecycle belongs to the bulkhead; Close stops intake and drains the
// queue best effort.
type ThreadPool struct {
	name   string
	config ThreadPoolConfig
	clk    clock.Clock
	pub    *events.Processor[Event]

	tasks chan func()
	done  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	workers int
	closed  bool
}

func NewThreadPool(name string, opts ...ThreadPoolOption) *ThreadPool {
	config := defaultThreadPoolConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.MaxWorkers < config.CoreWorkers {
		config.MaxWorkers = config.CoreWorkers
	}

	b := &ThreadPool{
		name:   name,
		config: config,
		clk:    config.Clock,
		pub:    events.NewProcessor[Event](),
		tasks:  make(chan func(), config.QueueCapacity),
		done:   make(chan struct{}),
	}

	b.workers = config.CoreWorkers
	for i := 0; i < config.CoreWorkers; i++ {
		b.wg.Add(1)
		go b.worker(true, nil)
	}

	return b
}

func (b *ThreadPool) Name() string {
	return b.name
}

func (b *ThreadPool) Config() ThreadPoolConfig {
	return b.config
}

func (b *ThreadPool) EventPublisher() *events.Processor[Event] {
	return b.pub
}

func (b *ThreadPool) metricsReporter() Metrics {
	if b.config.Metrics != nil {
		return b.config.Metrics
	}
	return GetGlobalMetrics()
}

func (b *ThreadPool) worker(core bool, first func()) {
	defer b.wg.Done()

	if first != nil {
		first()
	}

	idle := time.NewTimer(b.config.KeepAlive)
	defer idle.Stop()

	for {
		if !core {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(b.config.KeepAlive)
		}

		if core {
			select {
			case task := <-b.tasks:
				task()
			case <-b.done:
				b.drain()
				return
			}
		} else {
			select {
			case task := <-b.tasks:
				task()
			case <-b.done:
				b.drain()
				return
			case <-idle.C:
				b.mu.Lock()
				b.workers--
				b.mu.Unlock()
				return
			}
		}
	}
}

func (b *ThreadPool) drain() {
	for {
		select {
		case task := <-b.tasks:
			task()
		default:
			return
		}
	}
}

// submit enqueues task, starting an extra worker when the queue is full
// and headroom remains. A full queue with MaxWorkers running rejects.
func (b *ThreadPool) submit(task func()) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrFull
	}
	b.mu.Unlock()

	select {
	case b.tasks <- task:
		b.publishPermitted()
		return nil
	default:
	}

	// Queue full: hand the task straight to a fresh worker while
	// headroom remains.
	b.mu.Lock()
	if b.workers < b.config.MaxWorkers {
		b.workers++
		b.wg.Add(1)
		go b.worker(false, task)
		b.mu.Unlock()
		b.publishPermitted()
		return nil
	}
	b.mu.Unlock()

	select {
	case b.tasks <- task:
		b.publishPermitted()
		return nil
	default:
		b.publishRejected()
		return ErrFull
	}
}

// Close stops intake and waits for the workers to drain the queue.
func (b *ThreadPool) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
}

func (b *ThreadPool) publishPermitted() {
	b.pub.Publish(Event{
		BulkheadName: b.name,
		Type:         EventCallPermitted,
		Timestamp:    b.clk.Now(),
	})
	b.metricsReporter().RecordCallPermitted(context.Background(), b.name)
}

func (b *ThreadPool) publishRejected() {
	b.pub.Publish(Event{
		BulkheadName: b.name,
		Type:         EventCallRejected,
		Timestamp:    b.clk.Now(),
	})
	b.metricsReporter().RecordCallRejected(context.Background(), b.name)
}

func (b *ThreadPool) publishFinished() {
	b.pub.Publish(Event{
		BulkheadName: b.name,
		Type:         EventCallFinished,
		Timestamp:    b.clk.Now(),
	})
	b.metricsReporter().RecordCallFinished(context.Background(), b.name)
}

// Execution is the asynchronous handle returned by Submit.
type Execution[T any] struct {
	done   chan struct{}
	result T
	err    error
}

// Wait blocks until the task finishes or ctx is done.
func (e *Execution[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-e.done:
		return e.result, e.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Submit hands fn to the pool and returns its handle, or ErrFull when the
// pool and queue are saturated.
func Submit[T any](b *ThreadPool, fn func() (T, error)) (*Execution[T], error) {
	execution := &Execution[T]{done: make(chan struct{})}

	err := b.submit(func() {
		execution.result, execution.err = fn()
		close(execution.done)
		b.publishFinished()
	})
	if err != nil {
		return nil, err
	}

	return execution, nil
}
