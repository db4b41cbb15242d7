package bulkhead

import (
	"time"

	"github.com/hugolhafner/guardkit/events"
)

type EventType string

const (
	EventCallPermitted EventType = "call_permitted"
	EventCallRejected  EventType = "call_rejected"
	EventCallFinished  EventType = "call_finished"

	// Adaptive bulkhead lifecycle.
	EventSuccess         EventType = "success"
	EventError           EventType = "error"
	EventIgnoredError    EventType = "ignored_error"
	EventLimitIncreased  EventType = "limit_increased"
	EventLimitDecreased  EventType = "limit_decreased"
	EventStateTransition EventType = "state_transition"
)

// Event is the sum of bulkhead and adaptive bulkhead lifecycle events;
// Type tags which fields are meaningful.
type Event struct {
	BulkheadName string
	Type         EventType
	Timestamp    time.Time

	// Err accompanies error and ignored_error.
	Err error

	// Limit accompanies limit_increased and limit_decreased.
	Limit int

	// FromState and ToState accompany state_transition.
	FromState AdaptiveState
	ToState   AdaptiveState
}

var _ events.Enveloper = Event{}

func (e Event) Envelope() events.Envelope {
	fields := map[string]any{}

	switch e.Type {
	case EventError, EventIgnoredError:
		if e.Err != nil {
			fields["error"] = e.Err.Error()
		}
	case EventLimitIncreased, EventLimitDecreased:
		fields["limit"] = e.Limit
	case EventStateTransition:
		fields["from_state"] = e.FromState.String()
		fields["to_state"] = e.ToState.String()
	}

	return events.Envelope{
		Name:      e.BulkheadName,
		Type:      string(e.Type),
		Timestamp: e.Timestamp,
		Fields:    fields,
	}
}
