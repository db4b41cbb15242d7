package retry

import (
	"time"

	"github.com/hugolhafner/guardkit/events"
)

type EventType string

const (
	// EventRetry marks an attempt failure with a wait scheduled before
	// the next attempt.
	EventRetry EventType = "retry"

	EventSuccess      EventType = "success"
	EventError        EventType = "error"
	EventIgnoredError EventType = "ignored_error"
)

type Event struct {
	PolicyName string
	Type       EventType
	Timestamp  time.Time

	// Attempt is the attempt number the event concludes.
	Attempt int

	// WaitDuration accompanies retry.
	WaitDuration time.Duration

	Err error
}

var _ events.Enveloper = Event{}

func (e Event) Envelope() events.Envelope {
	fields := map[string]any{
		"attempt": e.Attempt,
	}
	if e.Type == EventRetry {
		fields["wait_ms"] = e.WaitDuration.Milliseconds()
	}
	if e.Err != nil {
		fields["error"] = e.Err.Error()
	}

	return events.Envelope{
		Name:      e.PolicyName,
		Type:      string(e.Type),
		Timestamp: e.Timestamp,
		Fields:    fields,
	}
}
