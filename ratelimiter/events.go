package ratelimiter

import (
	"time"

	"github.com/hugolhafner/guardkit/events"
)

type EventType string

const (
	EventSuccess EventType = "success"
	EventFailure EventType = "failure"
)

type Event struct {
	RateLimiterName string
	Type            EventType
	Timestamp       time.Time
	Permits         int
}

var _ events.Enveloper = Event{}

func (e Event) Envelope() events.Envelope {
	return events.Envelope{
		Name:      e.RateLimiterName,
		Type:      string(e.Type),
		Timestamp: e.Timestamp,
		Fields: map[string]any{
			"permits": e.Permits,
		},
	}
}
