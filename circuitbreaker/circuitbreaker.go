package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hugolhafner/guardkit/clock"
	"github.com/hugolhafner/guardkit/events"
	"github.com/hugolhafner/guardkit/slidingwindow"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
	StateMetricsOnly
	StateDisabled
	StateForcedOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	case StateMetricsOnly:
		return "METRICS_ONLY"
	case StateDisabled:
		return "DISABLED"
	case StateForcedOpen:
		return "FORCED_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCallNotPermitted is the base error for every denied acquisition; the
// per-state sentinels below wrap it.
var (
	ErrCallNotPermitted = errors.New("circuitbreaker: call not permitted")

	ErrOpenState       = fmt.Errorf("%w: open state", ErrCallNotPermitted)
	ErrHalfOpenState   = fmt.Errorf("%w: half-open state with no available trial calls", ErrCallNotPermitted)
	ErrForcedOpenState = fmt.Errorf("%w: forced-open state", ErrCallNotPermitted)
)

func IsCallNotPermittedError(err error) bool {
	return errors.Is(err, ErrCallNotPermitted)
}

// IllegalStateTransitionError reports an administrative request for a state
// move the state machine forbids.
type IllegalStateTransitionError struct {
	Name string
	From State
	To   State
}

func (e *IllegalStateTransitionError) Error() string {
	return fmt.Sprintf("circuitbreaker %q: illegal state transition from %s to %s", e.Name, e.From, e.To)
}

func IsIllegalStateTransitionError(err error) bool {
	var te *IllegalStateTransitionError
	return errors.As(err, &te)
}

// Stats is a point-in-time view of the breaker's current metrics window.
// Rates are slidingwindow.NotEnoughData until the minimum call count for
// the current state has been observed.
type Stats struct {
	slidingwindow.Snapshot

	FailureRate       float64
	SlowCallRate      float64
	NotPermittedCalls int64
}

type CircuitBreaker interface {
	Name() string
	State() State
	Stats() Stats
	Config() Config
	EventPublisher() *events.Processor[Event]

	// TryAcquirePermission reports whether a call may proceed. A denial
	// increments the not-permitted counter and never blocks.
	TryAcquirePermission() bool

	// AcquirePermission is TryAcquirePermission returning the denial as
	// an error wrapping ErrCallNotPermitted.
	AcquirePermission() error

	// ReleasePermission returns an unconsumed permission, for callers
	// that acquired one but never ran the guarded call.
	ReleasePermission()

	// OnSuccess and OnError record the outcome of a call whose
	// permission was acquired from this breaker.
	OnSuccess(duration time.Duration)
	OnError(duration time.Duration, err error)

	TransitionToClosed() error
	TransitionToOpen() error
	TransitionToHalfOpen() error
	TransitionToDisabled() error
	TransitionToForcedOpen() error
	TransitionToMetricsOnly() error

	// Reset clears all metrics and returns the breaker to Closed.
	Reset()

	before() (uint64, error)
	after(epoch uint64, result any, err error, duration time.Duration)
}

var _ CircuitBreaker = (*circuitBreakerImpl)(nil)

type circuitBreakerImpl struct {
	name   string
	config Config
	clk    clock.Clock
	pub    *events.Processor[Event]

	notPermittedCalls atomic.Int64

	mu             sync.Mutex
	state          State
	epoch          uint64
	window         slidingwindow.Window
	transitionTime time.Time

	halfOpenLeases    int
	halfOpenCompleted int
}

func New(name string, opts ...Option) CircuitBreaker {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	cb := &circuitBreakerImpl{
		name:   name,
		config: config,
		clk:    config.Clock,
		pub:    events.NewProcessor[Event](),
	}

	cb.state = StateClosed
	if config.MetricsOnlyMode {
		cb.state = StateMetricsOnly
	}
	cb.window = cb.newWindowFor(cb.state)
	cb.transitionTime = cb.clk.Now()

	return cb
}

func (cb *circuitBreakerImpl) Name() string {
	return cb.name
}

func (cb *circuitBreakerImpl) Config() Config {
	return cb.config
}

func (cb *circuitBreakerImpl) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *circuitBreakerImpl) EventPublisher() *events.Processor[Event] {
	return cb.pub
}

func (cb *circuitBreakerImpl) Stats() Stats {
	cb.mu.Lock()
	snapshot := cb.window.Snapshot()
	minimum := cb.minimumCallsLocked()
	cb.mu.Unlock()

	return Stats{
		Snapshot:          snapshot,
		FailureRate:       snapshot.FailureRate(minimum),
		SlowCallRate:      snapshot.SlowCallRate(minimum),
		NotPermittedCalls: cb.notPermittedCalls.Load(),
	}
}

func (cb *circuitBreakerImpl) metricsReporter() Metrics {
	if cb.config.Metrics != nil {
		return cb.config.Metrics
	}
	return GetGlobalMetrics()
}

// newWindowFor builds the metrics buffer a state carries. HalfOpen observes
// only its own trial calls; Disabled and ForcedOpen never record, so their
// window stays empty.
func (cb *circuitBreakerImpl) newWindowFor(state State) slidingwindow.Window {
	if state == StateHalfOpen {
		return slidingwindow.NewCountWindow(cb.config.PermittedNumberOfCallsInHalfOpenState)
	}

	if cb.config.WindowType == WindowTypeTime {
		return slidingwindow.NewTimeWindow(cb.config.WindowSize, cb.clk)
	}
	return slidingwindow.NewCountWindow(cb.config.WindowSize)
}

func (cb *circuitBreakerImpl) minimumCallsLocked() int {
	if cb.state == StateHalfOpen {
		return cb.config.PermittedNumberOfCallsInHalfOpenState
	}
	return cb.config.MinimumNumberOfCalls
}

func (cb *circuitBreakerImpl) TryAcquirePermission() bool {
	_, err := cb.before()
	return err == nil
}

func (cb *circuitBreakerImpl) AcquirePermission() error {
	_, err := cb.before()
	return err
}

func (cb *circuitBreakerImpl) before() (uint64, error) {
	cb.mu.Lock()

	if cb.state == StateOpen && !cb.config.AutomaticTransitionFromOpenToHalfOpen &&
		cb.clk.Now().Sub(cb.transitionTime) >= cb.config.WaitDurationInOpenState {
		transition := cb.transitionLocked(StateHalfOpen)
		cb.halfOpenLeases--
		epoch := cb.epoch
		cb.mu.Unlock()
		cb.publishTransition(transition)
		return epoch, nil
	}

	var denied error
	switch cb.state {
	case StateOpen:
		denied = ErrOpenState
	case StateForcedOpen:
		denied = ErrForcedOpenState
	case StateHalfOpen:
		if cb.halfOpenLeases <= 0 {
			denied = ErrHalfOpenState
		} else {
			cb.halfOpenLeases--
		}
	default:
	}

	epoch := cb.epoch
	state := cb.state
	cb.mu.Unlock()

	if denied != nil {
		cb.notPermittedCalls.Add(1)
		cb.metricsReporter().RecordCallRejection(context.Background(), CallRejection{
			Name:  cb.name,
			State: state,
			Error: denied,
		})
		cb.pub.Publish(Event{
			CircuitBreakerName: cb.name,
			Type:               EventCallNotPermitted,
			Timestamp:          cb.clk.Now(),
			Err:                denied,
		})
		return 0, denied
	}

	return epoch, nil
}

func (cb *circuitBreakerImpl) ReleasePermission() {
	cb.mu.Lock()
	cb.releaseLocked()
	cb.mu.Unlock()
}

func (cb *circuitBreakerImpl) releaseLocked() {
	if cb.state == StateHalfOpen && cb.halfOpenLeases < cb.config.PermittedNumberOfCallsInHalfOpenState {
		cb.halfOpenLeases++
	}
}

// currentEpoch makes record use whatever epoch is current at lock time, for
// the manual OnSuccess/OnError entry points.
const currentEpoch = ^uint64(0)

func (cb *circuitBreakerImpl) OnSuccess(duration time.Duration) {
	cb.record(currentEpoch, nil, nil, duration)
}

func (cb *circuitBreakerImpl) OnError(duration time.Duration, err error) {
	cb.record(currentEpoch, nil, err, duration)
}

func (cb *circuitBreakerImpl) after(epoch uint64, result any, err error, duration time.Duration) {
	cb.record(epoch, result, err, duration)
}

func (cb *circuitBreakerImpl) record(epoch uint64, result any, err error, duration time.Duration) {
	cb.mu.Lock()

	if epoch == currentEpoch {
		epoch = cb.epoch
	}

	// An outcome from a previous epoch must not seed the fresh metrics
	// of the state that replaced it.
	if epoch != cb.epoch {
		cb.mu.Unlock()
		return
	}

	if cb.state == StateDisabled || cb.state == StateForcedOpen {
		cb.mu.Unlock()
		return
	}

	if err != nil && cb.isIgnoredError(err) {
		cb.releaseLocked()
		cb.mu.Unlock()
		cb.pub.Publish(Event{
			CircuitBreakerName: cb.name,
			Type:               EventIgnoredError,
			Timestamp:          cb.clk.Now(),
			Duration:           duration,
			Err:                err,
		})
		return
	}

	isFailure := cb.shouldFailCall(result, err)
	isSlow := duration >= cb.config.SlowCallDurationThreshold

	var outcome slidingwindow.Outcome
	switch {
	case isFailure && isSlow:
		outcome = slidingwindow.OutcomeSlowFailure
	case isFailure:
		outcome = slidingwindow.OutcomeFailure
	case isSlow:
		outcome = slidingwindow.OutcomeSlowSuccess
	default:
		outcome = slidingwindow.OutcomeSuccess
	}

	snapshot := cb.window.Record(outcome, duration)
	if cb.state == StateHalfOpen {
		cb.halfOpenCompleted++
	}

	recordedIn := cb.state
	minimum := cb.minimumCallsLocked()
	pending := cb.evaluateThresholdsLocked(snapshot)
	cb.mu.Unlock()

	eventType := EventSuccess
	if isFailure {
		eventType = EventError
	}
	cb.pub.Publish(Event{
		CircuitBreakerName: cb.name,
		Type:               eventType,
		Timestamp:          cb.clk.Now(),
		Duration:           duration,
		Err:                err,
	})
	for _, event := range pending {
		cb.publishTransition(event)
	}

	reporter := cb.metricsReporter()
	reporter.RecordCallResult(context.Background(), CallResult{
		Name:     cb.name,
		Outcome:  outcome,
		Duration: duration,
		Error:    err,
		State:    recordedIn,
	})
	reporter.RecordStats(context.Background(), cb.name, Stats{
		Snapshot:          snapshot,
		FailureRate:       snapshot.FailureRate(minimum),
		SlowCallRate:      snapshot.SlowCallRate(minimum),
		NotPermittedCalls: cb.notPermittedCalls.Load(),
	})
}

// evaluateThresholdsLocked applies the threshold rules for the current
// state and returns the events to publish once the lock is dropped.
func (cb *circuitBreakerImpl) evaluateThresholdsLocked(snapshot slidingwindow.Snapshot) []Event {
	minimum := cb.minimumCallsLocked()
	failureRate := snapshot.FailureRate(minimum)
	slowRate := snapshot.SlowCallRate(minimum)

	failureExceeded := failureRate >= 0 && failureRate >= cb.config.FailureRateThreshold
	slowExceeded := slowRate >= 0 && slowRate >= cb.config.SlowCallRateThreshold

	var pending []Event
	now := cb.clk.Now()

	if failureExceeded {
		pending = append(pending, Event{
			CircuitBreakerName: cb.name,
			Type:               EventFailureRateExceeded,
			Timestamp:          now,
			Rate:               failureRate,
		})
	}
	if slowExceeded {
		pending = append(pending, Event{
			CircuitBreakerName: cb.name,
			Type:               EventSlowCallRateExceeded,
			Timestamp:          now,
			Rate:               slowRate,
		})
	}

	switch cb.state {
	case StateClosed:
		if failureExceeded || slowExceeded {
			pending = append(pending, cb.transitionLocked(StateOpen))
		}
	case StateHalfOpen:
		if cb.halfOpenCompleted >= cb.config.PermittedNumberOfCallsInHalfOpenState {
			if failureExceeded || slowExceeded {
				pending = append(pending, cb.transitionLocked(StateOpen))
			} else {
				pending = append(pending, cb.transitionLocked(StateClosed))
			}
		}
	default:
		// MetricsOnly observes and publishes threshold events but
		// never transitions.
	}

	return pending
}

// transitionLocked moves to the target state unconditionally. Legality is
// the caller's concern; internal triggers only request legal moves.
func (cb *circuitBreakerImpl) transitionLocked(to State) Event {
	from := cb.state

	cb.state = to
	cb.epoch++
	cb.window = cb.newWindowFor(to)
	cb.transitionTime = cb.clk.Now()
	cb.halfOpenCompleted = 0
	cb.halfOpenLeases = 0
	if to == StateHalfOpen {
		cb.halfOpenLeases = cb.config.PermittedNumberOfCallsInHalfOpenState
	}

	if to == StateOpen && cb.config.AutomaticTransitionFromOpenToHalfOpen {
		cb.scheduleHalfOpenLocked()
	}

	return Event{
		CircuitBreakerName: cb.name,
		Type:               EventStateTransition,
		Timestamp:          cb.transitionTime,
		FromState:          from,
		ToState:            to,
	}
}

// scheduleHalfOpenLocked arms the automatic Open -> HalfOpen move without a
// triggering call. The epoch guard discards the wakeup if anything else
// moved the breaker first.
func (cb *circuitBreakerImpl) scheduleHalfOpenLocked() {
	epoch := cb.epoch
	wait := cb.config.WaitDurationInOpenState

	go func() {
		if err := cb.clk.Sleep(context.Background(), wait); err != nil {
			return
		}

		cb.mu.Lock()
		if cb.state != StateOpen || cb.epoch != epoch {
			cb.mu.Unlock()
			return
		}
		transition := cb.transitionLocked(StateHalfOpen)
		cb.mu.Unlock()
		cb.publishTransition(transition)
	}()
}

func (cb *circuitBreakerImpl) publishTransition(event Event) {
	if event.Type == EventStateTransition {
		cb.metricsReporter().RecordStateTransition(context.Background(), StateTransition{
			Name:      cb.name,
			FromState: event.FromState,
			ToState:   event.ToState,
			Timestamp: event.Timestamp,
		})
	}
	cb.pub.Publish(event)
}

func (cb *circuitBreakerImpl) transitionTo(to State) error {
	cb.mu.Lock()

	from := cb.state
	if from == to || (from == StateClosed && to == StateHalfOpen) {
		cb.mu.Unlock()
		return &IllegalStateTransitionError{Name: cb.name, From: from, To: to}
	}

	transition := cb.transitionLocked(to)
	cb.mu.Unlock()
	cb.publishTransition(transition)
	return nil
}

func (cb *circuitBreakerImpl) TransitionToClosed() error      { return cb.transitionTo(StateClosed) }
func (cb *circuitBreakerImpl) TransitionToOpen() error        { return cb.transitionTo(StateOpen) }
func (cb *circuitBreakerImpl) TransitionToHalfOpen() error    { return cb.transitionTo(StateHalfOpen) }
func (cb *circuitBreakerImpl) TransitionToDisabled() error    { return cb.transitionTo(StateDisabled) }
func (cb *circuitBreakerImpl) TransitionToForcedOpen() error  { return cb.transitionTo(StateForcedOpen) }
func (cb *circuitBreakerImpl) TransitionToMetricsOnly() error { return cb.transitionTo(StateMetricsOnly) }

func (cb *circuitBreakerImpl) Reset() {
	cb.mu.Lock()
	transition := cb.transitionLocked(StateClosed)
	cb.notPermittedCalls.Store(0)
	now := cb.transitionTime
	cb.mu.Unlock()

	if transition.FromState != StateClosed {
		cb.publishTransition(transition)
	}
	cb.pub.Publish(Event{
		CircuitBreakerName: cb.name,
		Type:               EventReset,
		Timestamp:          now,
	})
}

func (cb *circuitBreakerImpl) isIgnoredError(err error) bool {
	if cb.config.IgnoreErrorPredicate != nil && cb.config.IgnoreErrorPredicate(err) {
		return true
	}

	for _, ignoreErr := range cb.config.IgnoreErrors {
		if errors.Is(err, ignoreErr) {
			return true
		}
	}

	return false
}

func (cb *circuitBreakerImpl) shouldFailCall(result any, err error) bool {
	if err != nil {
		if cb.config.FailOnErrorPredicate != nil {
			return cb.config.FailOnErrorPredicate(err)
		}

		if len(cb.config.FailErrors) > 0 {
			for _, failErr := range cb.config.FailErrors {
				if errors.Is(err, failErr) {
					return true
				}
			}
			return false
		}

		return true
	}

	if cb.config.FailOnResultPredicate != nil {
		return cb.config.FailOnResultPredicate(result)
	}

	return false
}
