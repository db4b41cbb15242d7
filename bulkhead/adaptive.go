package bulkhead

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/hugolhafner/guardkit/clock"
	"github.com/hugolhafner/guardkit/events"
	"github.com/hugolhafner/guardkit/slidingwindow"
)

type AdaptiveState int

const (
	StateSlowStart AdaptiveState = iota
	StateCongestionAvoidance
)

func (s AdaptiveState) String() string {
	switch s {
	case StateSlowStart:
		return "SLOW_START"
	case StateCongestionAvoidance:
		return "CONGESTION_AVOIDANCE"
	default:
		return "UNKNOWN"
	}
}

type AdaptiveConfig struct {
	// MinConcurrentCalls and MaxConcurrentCalls bound the adaptive
	// limit; InitialConcurrentCalls seeds it.
	MinConcurrentCalls     int
	InitialConcurrentCalls int
	MaxConcurrentCalls     int

	// IncreaseMultiplier grows the limit in slow start;
	// IncreaseSummand grows it in congestion avoidance;
	// DecreaseMultiplier shrinks it in either state.
	IncreaseMultiplier float64
	IncreaseSummand    int
	DecreaseMultiplier float64

	FailureRateThreshold      float64
	SlowCallRateThreshold     float64
	SlowCallDurationThreshold time.Duration
	MinimumNumberOfCalls      int
	SlidingWindowSize         int

	// MaxWaitDuration is forwarded to the inner bulkhead.
	MaxWaitDuration time.Duration

	Clock clock.Clock

	Metrics Metrics

	IgnoreErrorPredicate func(error) bool
	IgnoreErrors         []error
}

type AdaptiveOption func(*AdaptiveConfig)

func defaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		MinConcurrentCalls:        4,
		InitialConcurrentCalls:    8,
		MaxConcurrentCalls:        200,
		IncreaseMultiplier:        2.0,
		IncreaseSummand:           1,
		DecreaseMultiplier:        0.5,
		FailureRateThreshold:      50.0,
		SlowCallRateThreshold:     50.0,
		SlowCallDurationThreshold: 5 * time.Second,
		MinimumNumberOfCalls:      10,
		SlidingWindowSize:         100,
		Clock:                     clock.Wall(),
	}
}

func WithMinConcurrentCalls(n int) AdaptiveOption {
	return func(c *AdaptiveConfig) { c.MinConcurrentCalls = n }
}

func WithInitialConcurrentCalls(n int) AdaptiveOption {
	return func(c *AdaptiveConfig) { c.InitialConcurrentCalls = n }
}

func WithAdaptiveMaxConcurrentCalls(n int) AdaptiveOption {
	return func(c *AdaptiveConfig) { c.MaxConcurrentCalls = n }
}

func WithIncreaseMultiplier(m float64) AdaptiveOption {
	return func(c *AdaptiveConfig) { c.IncreaseMultiplier = m }
}

func WithIncreaseSummand(n int) AdaptiveOption {
	return func(c *AdaptiveConfig) { c.IncreaseSummand = n }
}

func WithDecreaseMultiplier(m float64) AdaptiveOption {
	return func(c *AdaptiveConfig) { c.DecreaseMultiplier = m }
}

func WithAdaptiveFailureRateThreshold(threshold float64) AdaptiveOption {
	return func(c *AdaptiveConfig) { c.FailureRateThreshold = threshold }
}

func WithAdaptiveSlowCallRateThreshold(threshold float64) AdaptiveOption {
	return func(c *AdaptiveConfig) { c.SlowCallRateThreshold = threshold }
}

func WithAdaptiveSlowCallDurationThreshold(d time.Duration) AdaptiveOption {
	return func(c *AdaptiveConfig) { c.SlowCallDurationThreshold = d }
}

func WithAdaptiveMinimumNumberOfCalls(n int) AdaptiveOption {
	return func(c *AdaptiveConfig) { c.MinimumNumberOfCalls = n }
}

func WithAdaptiveSlidingWindowSize(n int) AdaptiveOption {
	return func(c *AdaptiveConfig) { c.SlidingWindowSize = n }
}

func WithAdaptiveMaxWaitDuration(d time.Duration) AdaptiveOption {
	return func(c *AdaptiveConfig) { c.MaxWaitDuration = d }
}

func WithAdaptiveClock(clk clock.Clock) AdaptiveOption {
	return func(c *AdaptiveConfig) { c.Clock = clk }
}

func WithAdaptiveMetrics(metrics Metrics) AdaptiveOption {
	return func(c *AdaptiveConfig) { c.Metrics = metrics }
}

func WithAdaptiveIgnoreErrorPredicate(predicate func(error) bool) AdaptiveOption {
	return func(c *AdaptiveConfig) { c.IgnoreErrorPredicate = predicate }
}

func WithAdaptiveIgnoreErrors(errs ...error) AdaptiveOption {
	return func(c *AdaptiveConfig) { c.IgnoreErrors = append(c.IgnoreErrors, errs...) }
}

// Adaptive runs an AIMD congestion-control loop over a semaphore
// bulkhead's concurrency cap, driven by the failure and slow-call rates of
// a sliding window of recorded outcomes.
type Adaptive struct {
	name   string
	config AdaptiveConfig
	clk    clock.Clock
	inner  Bulkhead
	pub    *events.Processor[Event]

	mu     sync.Mutex
	state  AdaptiveState
	window slidingwindow.Window
	limit  int
}

func NewAdaptive(name string, opts ...AdaptiveOption) *Adaptive {
	config := defaultAdaptiveConfig()
	for _, opt := range opts {
		opt(&config)
	}

	inner := New(name+"-internal",
		WithMaxConcurrentCalls(config.InitialConcurrentCalls),
		WithMaxWaitDuration(config.MaxWaitDuration),
		WithClock(config.Clock),
		WithMetrics(config.Metrics),
	)

	return &Adaptive{
		name:   name,
		config: config,
		clk:    config.Clock,
		inner:  inner,
		pub:    events.NewProcessor[Event](),
		state:  StateSlowStart,
		window: slidingwindow.NewCountWindow(config.SlidingWindowSize),
		limit:  config.InitialConcurrentCalls,
	}
}

func (a *Adaptive) Name() string {
	return a.name
}

func (a *Adaptive) Config() AdaptiveConfig {
	return a.config
}

func (a *Adaptive) State() AdaptiveState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Limit returns the current concurrency cap.
func (a *Adaptive) Limit() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.limit
}

func (a *Adaptive) Stats() Stats {
	return a.inner.Stats()
}

func (a *Adaptive) EventPublisher() *events.Processor[Event] {
	return a.pub
}

func (a *Adaptive) TryAcquirePermission() bool {
	return a.inner.TryAcquirePermission()
}

func (a *Adaptive) AcquirePermission(ctx context.Context) error {
	return a.inner.AcquirePermission(ctx)
}

func (a *Adaptive) ReleasePermission() {
	a.inner.OnComplete()
}

// OnSuccess releases the caller's permit and records the outcome.
func (a *Adaptive) OnSuccess(duration time.Duration) {
	a.inner.OnComplete()
	a.recordOutcome(duration, false)
	a.pub.Publish(Event{
		BulkheadName: a.name,
		Type:         EventSuccess,
		Timestamp:    a.clk.Now(),
	})
}

// OnError releases the caller's permit and records the outcome. Ignored
// errors leave the window untouched.
func (a *Adaptive) OnError(duration time.Duration, err error) {
	a.inner.OnComplete()

	if a.isIgnoredError(err) {
		a.pub.Publish(Event{
			BulkheadName: a.name,
			Type:         EventIgnoredError,
			Timestamp:    a.clk.Now(),
			Err:          err,
		})
		return
	}

	a.recordOutcome(duration, true)
	a.pub.Publish(Event{
		BulkheadName: a.name,
		Type:         EventError,
		Timestamp:    a.clk.Now(),
		Err:          err,
	})
}

func (a *Adaptive) isIgnoredError(err error) bool {
	if a.config.IgnoreErrorPredicate != nil && a.config.IgnoreErrorPredicate(err) {
		return true
	}
	for _, ignoreErr := range a.config.IgnoreErrors {
		if errors.Is(err, ignoreErr) {
			return true
		}
	}
	return false
}

func (a *Adaptive) recordOutcome(duration time.Duration, failure bool) {
	isSlow := duration >= a.config.SlowCallDurationThreshold

	var outcome slidingwindow.Outcome
	switch {
	case failure && isSlow:
		outcome = slidingwindow.OutcomeSlowFailure
	case failure:
		outcome = slidingwindow.OutcomeFailure
	case isSlow:
		outcome = slidingwindow.OutcomeSlowSuccess
	default:
		outcome = slidingwindow.OutcomeSuccess
	}

	a.mu.Lock()
	snapshot := a.window.Record(outcome, duration)
	pending := a.adaptLocked(snapshot)
	a.mu.Unlock()

	for _, event := range pending {
		a.pub.Publish(event)
	}
}

// adaptLocked applies the AIMD rules for one recorded outcome and returns
// the events to publish once the lock is dropped.
func (a *Adaptive) adaptLocked(snapshot slidingwindow.Snapshot) []Event {
	minimum := a.config.MinimumNumberOfCalls
	failureRate := snapshot.FailureRate(minimum)
	slowRate := snapshot.SlowCallRate(minimum)

	// Below the minimum sample the rates are the sentinel and carry no
	// signal either way.
	if failureRate < 0 && slowRate < 0 {
		return nil
	}

	above := (failureRate >= 0 && failureRate >= a.config.FailureRateThreshold) ||
		(slowRate >= 0 && slowRate >= a.config.SlowCallRateThreshold)

	var pending []Event

	switch a.state {
	case StateSlowStart:
		if above {
			pending = append(pending, a.changeLimitLocked(a.decreasedLimit()))
			pending = append(pending, a.transitionLocked(StateCongestionAvoidance))
		} else {
			pending = append(pending, a.changeLimitLocked(a.multipliedLimit()))
		}
	case StateCongestionAvoidance:
		if above {
			pending = append(pending, a.changeLimitLocked(a.decreasedLimit()))
		} else if a.limit == a.config.MinConcurrentCalls {
			// The prior decreases bottomed out; probe aggressively
			// again.
			pending = append(pending, a.transitionLocked(StateSlowStart))
		} else {
			pending = append(pending, a.changeLimitLocked(a.incrementedLimit()))
		}
	}

	compact := pending[:0]
	for _, event := range pending {
		if event.Type != "" {
			compact = append(compact, event)
		}
	}
	return compact
}

func (a *Adaptive) multipliedLimit() int {
	return clampLimit(int(math.Round(float64(a.limit)*a.config.IncreaseMultiplier)),
		a.config.MinConcurrentCalls, a.config.MaxConcurrentCalls)
}

func (a *Adaptive) incrementedLimit() int {
	return clampLimit(a.limit+a.config.IncreaseSummand,
		a.config.MinConcurrentCalls, a.config.MaxConcurrentCalls)
}

func (a *Adaptive) decreasedLimit() int {
	return clampLimit(int(math.Round(float64(a.limit)*a.config.DecreaseMultiplier)),
		a.config.MinConcurrentCalls, a.config.MaxConcurrentCalls)
}

func clampLimit(limit, lower, upper int) int {
	if limit < lower {
		return lower
	}
	if limit > upper {
		return upper
	}
	return limit
}

// changeLimitLocked applies a new cap to the inner bulkhead and resets the
// window so stale calls do not drive the next decision. A no-op change
// returns a zero event.
func (a *Adaptive) changeLimitLocked(newLimit int) Event {
	if newLimit == a.limit {
		return Event{}
	}

	eventType := EventLimitIncreased
	if newLimit < a.limit {
		eventType = EventLimitDecreased
	}

	a.limit = newLimit
	a.inner.ChangeConfig(newLimit)
	a.window.Reset()

	return Event{
		BulkheadName: a.name,
		Type:         eventType,
		Timestamp:    a.clk.Now(),
		Limit:        newLimit,
	}
}

// transitionLocked switches regime and resets the window in both
// directions so no calls carry across a regime change.
func (a *Adaptive) transitionLocked(to AdaptiveState) Event {
	from := a.state
	a.state = to
	a.window.Reset()

	return Event{
		BulkheadName: a.name,
		Type:         EventStateTransition,
		Timestamp:    a.clk.Now(),
		FromState:    from,
		ToState:      to,
	}
}
