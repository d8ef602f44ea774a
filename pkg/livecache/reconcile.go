// Package livecache keeps fetched, paginated collection snapshots current by applying live change notifications to
// them. Fetches are authoritative and always replace a snapshot; notifications are hints that are dropped whenever
// they cannot be applied cleanly.
package livecache

import (
	"fmt"

	"github.com/astromechza/livecollections/pkg/change"
)

// ReconciliationError is returned when a notification cannot be applied to a snapshot. The notification is dropped
// and the snapshot left as it was.
type ReconciliationError struct {
	Key    Key
	Reason string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("dropped notification for %s: %s", e.Key, e.Reason)
}

// Reconcile applies n to items and returns the resulting list together with the change in item count. items is not
// modified. Applying the same notification twice gives the same result as applying it once:
//   - CREATE prepends the entity unless an item with its id is already present.
//   - UPDATE replaces the item with the same id in place, or does nothing if it is absent.
//   - DELETE removes the item with the same id, or does nothing if it is absent.
//
// Unknown types and entities without an id leave items untouched and return an error.
func Reconcile(items []change.Entity, n change.Notification) ([]change.Entity, int, error) {
	id, ok := n.Data.ID()
	if !ok {
		return items, 0, change.ErrMissingID
	}
	idx := indexOf(items, id)

	switch n.Type {
	case change.Create:
		if idx >= 0 {
			return items, 0, nil
		}
		out := make([]change.Entity, 0, len(items)+1)
		out = append(out, n.Data)
		return append(out, items...), 1, nil
	case change.Update:
		if idx < 0 {
			return items, 0, nil
		}
		out := append([]change.Entity(nil), items...)
		out[idx] = n.Data
		return out, 0, nil
	case change.Delete:
		if idx < 0 {
			return items, 0, nil
		}
		out := make([]change.Entity, 0, len(items)-1)
		out = append(out, items[:idx]...)
		return append(out, items[idx+1:]...), -1, nil
	}
	return items, 0, fmt.Errorf("unknown event type %q", n.Type)
}

func indexOf(items []change.Entity, id string) int {
	for i, item := range items {
		if other, ok := item.ID(); ok && other == id {
			return i
		}
	}
	return -1
}
