package capture

import (
	"context"
	"fmt"
	"sort"

	"github.com/astromechza/livecollections/pkg/change"
	"github.com/astromechza/livecollections/pkg/store"
)

// QueryFunc fetches the current rows matching a filter. It is called from within store hooks.
type QueryFunc func(ctx context.Context, f store.Filter) ([]change.Entity, error)

// HydrateFunc resolves derived presentation fields of an entity before emission.
type HydrateFunc func(ctx context.Context, e change.Entity) (change.Entity, error)

// Registration opts one resource into change capture.
type Registration struct {
	Resource change.Resource
	// Events limits which mutation types are emitted. Zero means all.
	Events change.Mask
	// Query is required for bulk update and bulk destroy capture.
	Query QueryFunc
	// Hydrate is optional. A failure is logged and the event is emitted with the entity as it was.
	Hydrate HydrateFunc
	// Redact lists fields removed from every emitted entity.
	Redact []string
}

// Table is the static allow-list of captured resources, built once at startup.
type Table struct {
	entries map[change.Resource]Registration
}

func NewTable(regs ...Registration) (*Table, error) {
	t := &Table{entries: make(map[change.Resource]Registration, len(regs))}
	for _, r := range regs {
		if r.Resource == "" {
			return nil, fmt.Errorf("registration has no resource")
		}
		if _, ok := t.entries[r.Resource]; ok {
			return nil, fmt.Errorf("resource %q registered twice", r.Resource)
		}
		if r.Query == nil {
			return nil, fmt.Errorf("resource %q has no query function", r.Resource)
		}
		if r.Events == 0 {
			r.Events = change.AllMask
		}
		if r.Events&^change.AllMask != 0 {
			return nil, fmt.Errorf("resource %q has an invalid event mask %d", r.Resource, r.Events)
		}
		t.entries[r.Resource] = r
	}
	return t, nil
}

// Lookup returns the registration for resource if it participates in capture for typ.
func (t *Table) Lookup(resource change.Resource, typ change.Type) (Registration, bool) {
	if t == nil {
		return Registration{}, false
	}
	r, ok := t.entries[resource]
	if !ok || !r.Events.Has(typ) {
		return Registration{}, false
	}
	return r, true
}

// Resources returns the registered resource names, sorted.
func (t *Table) Resources() []change.Resource {
	out := make([]change.Resource, 0, len(t.entries))
	for r := range t.entries {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
