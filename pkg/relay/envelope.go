// Package relay forwards change events to other processes over a message broker. Delivery is best-effort: a
// failed publish is logged and the event is not retried.
package relay

import (
	"strings"
	"time"

	"github.com/astromechza/livecollections/pkg/change"
)

type Meta struct {
	// Trace / request correlation ID
	CorrelationID *string `json:"correlation_id,omitempty"`
	// Unique event ID, the ULID assigned at capture.
	ID string `json:"id"`
	// Emitting service
	Producer *string `json:"producer,omitempty"`
	// When the change was captured
	Time time.Time `json:"time"`
	// Event name and version, e.g. files.create.v1
	Type string `json:"type"`
}

type Envelope struct {
	Meta Meta                `json:"meta"`
	Data change.Notification `json:"data"`
}

// RoutingKey returns the topic key of ev, e.g. files.create.
func RoutingKey(ev change.Event) string {
	return string(ev.Resource) + "." + strings.ToLower(string(ev.Type))
}

func NewEnvelope(ev change.Event, producer string) Envelope {
	env := Envelope{
		Meta: Meta{
			ID:   ev.ID,
			Time: ev.OccurredAt,
			Type: RoutingKey(ev) + ".v1",
		},
		Data: ev.Notification(),
	}
	if producer != "" {
		env.Meta.Producer = &producer
	}
	return env
}
