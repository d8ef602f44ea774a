// Package change holds the types shared by the capture side and the subscribe side: the change event, the closed
// resource vocabulary and the messages exchanged with clients.
package change

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Topic is the bus topic change events are published on.
const Topic = "change"

// Type is the kind of mutation an event describes.
type Type string

const (
	Create Type = "CREATE"
	Update Type = "UPDATE"
	Delete Type = "DELETE"
)

func (t Type) Valid() bool {
	switch t {
	case Create, Update, Delete:
		return true
	}
	return false
}

// Mask is a set of event types. The values are bit flags so that they can be combined.
type Mask int

const (
	CreateMask Mask = 1 << iota
	UpdateMask
	DeleteMask
	AllMask = CreateMask | UpdateMask | DeleteMask
)

// MaskOf returns the bit for t, or 0 for an unknown type.
func MaskOf(t Type) Mask {
	switch t {
	case Create:
		return CreateMask
	case Update:
		return UpdateMask
	case Delete:
		return DeleteMask
	}
	return 0
}

func (m Mask) Has(t Type) bool {
	b := MaskOf(t)
	return b != 0 && m&b == b
}

// ParseMask converts a list of type names (case sensitive, e.g. "CREATE") into a mask. An empty list means all.
func ParseMask(names []string) (Mask, error) {
	if len(names) == 0 {
		return AllMask, nil
	}
	var m Mask
	for _, n := range names {
		b := MaskOf(Type(n))
		if b == 0 {
			return 0, fmt.Errorf("unknown event type %q", n)
		}
		m |= b
	}
	return m, nil
}

// Resource is the routing key for subscriptions and events. It is drawn from a closed vocabulary shared between the
// capture configuration and client subscribe calls.
type Resource string

const (
	Users     Resource = "users"
	Files     Resource = "files"
	AuditLogs Resource = "audit_logs"
)

// Entity is an opaque record. The only field the subsystem relies on is "id".
type Entity map[string]any

var ErrMissingID = errors.New("entity has no usable id")

// ID returns the entity id normalised to a string. Numeric ids coming from JSON (float64) and from the database
// (int64) normalise to the same value.
func (e Entity) ID() (string, bool) {
	raw, ok := e["id"]
	if !ok || raw == nil {
		return "", false
	}
	switch v := raw.(type) {
	case string:
		return v, v != ""
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return "", false
		}
		return strconv.FormatInt(int64(v), 10), true
	case json.Number:
		return v.String(), true
	}
	return "", false
}

// Clone returns a shallow copy.
func (e Entity) Clone() Entity {
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Event describes one affected record after a committed mutation. It is never persisted.
type Event struct {
	ID         string
	Type       Type
	Resource   Resource
	Entity     Entity
	OccurredAt time.Time
}

func (e Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("invalid event type %q", e.Type)
	}
	if e.Resource == "" {
		return fmt.Errorf("event has no resource")
	}
	if _, ok := e.Entity.ID(); !ok {
		return ErrMissingID
	}
	return nil
}

// Notification returns the wire form sent to subscribers.
func (e Event) Notification() Notification {
	return Notification{Type: e.Type, Resource: e.Resource, Data: e.Entity}
}

// Notification is the server→client change message.
type Notification struct {
	Type     Type     `json:"type"`
	Resource Resource `json:"resource"`
	Data     Entity   `json:"data"`
}

// Op is a client→server control operation.
type Op string

const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
)

// ClientMessage is the client→server control message.
type ClientMessage struct {
	Op       Op       `json:"op"`
	Resource Resource `json:"resource"`
}
