package circuitbreaker

import (
	"time"

	"github.com/hugolhafner/guardkit/events"
)

type EventType string

const (
	EventSuccess              EventType = "success"
	EventError                EventType = "error"
	EventIgnoredError         EventType = "ignored_error"
	EventFailureRateExceeded  EventType = "failure_rate_exceeded"
	EventSlowCallRateExceeded EventType = "slow_call_rate_exceeded"
	EventCallNotPermitted     EventType = "call_not_permitted"
	EventStateTransition      EventType = "state_transition"
	EventReset                EventType = "reset"
)

// Event is the sum of every circuit breaker lifecycle event; Type tags
// which fields are meaningful.
type Event struct {
	CircuitBreakerName string
	Type               EventType
	Timestamp          time.Time

	// Duration and Err accompany success, error and ignored_error.
	Duration time.Duration
	Err      error

	// FromState and ToState accompany state_transition.
	FromState State
	ToState   State

	// Rate accompanies the threshold-exceeded events.
	Rate float64
}

var _ events.Enveloper = Event{}

func (e Event) Envelope() events.Envelope {
	fields := map[string]any{}

	switch e.Type {
	case EventSuccess, EventError, EventIgnoredError:
		fields["duration_ms"] = e.Duration.Milliseconds()
		if e.Err != nil {
			fields["error"] = e.Err.Error()
		}
	case EventStateTransition:
		fields["from_state"] = e.FromState.String()
		fields["to_state"] = e.ToState.String()
	case EventFailureRateExceeded, EventSlowCallRateExceeded:
		fields["rate"] = e.Rate
	case EventCallNotPermitted:
		if e.Err != nil {
			fields["error"] = e.Err.Error()
		}
	}

	return events.Envelope{
		Name:      e.CircuitBreakerName,
		Type:      string(e.Type),
		Timestamp: e.Timestamp,
		Fields:    fields,
	}
}
