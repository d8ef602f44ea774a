package livecache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/astromechza/livecollections/pkg/change"
	"github.com/astromechza/livecollections/pkg/metrics"
)

var ErrUnrecognizedShape = errors.New("response is neither a list nor a page of items")

// Key identifies one fetched view of a resource.
type Key struct {
	Resource change.Resource
	// Query is the encoded query string the view was fetched with.
	Query string
}

// NewKey builds a Key with the query encoded in sorted order so that equal queries give equal keys.
func NewKey(resource change.Resource, query url.Values) Key {
	return Key{Resource: resource, Query: query.Encode()}
}

func (k Key) String() string {
	if k.Query == "" {
		return string(k.Resource)
	}
	return string(k.Resource) + "?" + k.Query
}

// Meta is the pagination bookkeeping of a page response.
type Meta struct {
	TotalItems int `json:"totalItems"`
	TotalPages int `json:"totalPages"`
	PageSize   int `json:"pageSize,omitempty"`
}

func (m *Meta) adjust(delta int) {
	m.TotalItems += delta
	if m.TotalItems < 0 {
		m.TotalItems = 0
	}
	if m.PageSize > 0 {
		m.TotalPages = (m.TotalItems + m.PageSize - 1) / m.PageSize
	}
}

// Snapshot is a copy of one cache entry. Meta is nil for plain list responses.
type Snapshot struct {
	Key           Key
	Items         []change.Entity
	Meta          *Meta
	Patchable     bool
	LastFetchedAt time.Time
}

// IDs returns the item ids in order.
func (s Snapshot) IDs() []string {
	out := make([]string, 0, len(s.Items))
	for _, item := range s.Items {
		id, _ := item.ID()
		out = append(out, id)
	}
	return out
}

type entry struct {
	items         []change.Entity
	meta          *Meta
	patchable     bool
	lastFetchedAt time.Time
}

type CacheConfig struct {
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Cache holds the snapshots of every mounted view, keyed by resource and query.
type Cache struct {
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Collector

	mu         sync.Mutex
	entries    map[Key]*entry
	refs       map[Key]int
	tombstones map[change.Resource]map[string]struct{}
}

func NewCache(cfg CacheConfig) *Cache {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{
		clock:      cfg.Clock,
		logger:     cfg.Logger.With("component", "livecache"),
		metrics:    cfg.Metrics,
		entries:    make(map[Key]*entry),
		refs:       make(map[Key]int),
		tombstones: make(map[change.Resource]map[string]struct{}),
	}
}

type pageBody struct {
	Items      *[]json.RawMessage `json:"items"`
	Meta       *Meta              `json:"meta"`
	TotalItems *int               `json:"totalItems"`
	TotalPages *int               `json:"totalPages"`
	PageSize   int                `json:"pageSize"`
}

func decodeItems(raw []json.RawMessage) ([]change.Entity, error) {
	out := make([]change.Entity, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		var e change.Entity
		if err := json.Unmarshal(r, &e); err != nil || e == nil {
			return nil, ErrUnrecognizedShape
		}
		id, ok := e.ID()
		if !ok {
			return nil, ErrUnrecognizedShape
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, e)
	}
	return out, nil
}

func parse(body []byte) ([]change.Entity, *Meta, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(body, &list); err == nil && list != nil {
		items, err := decodeItems(list)
		return items, nil, err
	}
	var page pageBody
	if err := json.Unmarshal(body, &page); err != nil || page.Items == nil {
		return nil, nil, ErrUnrecognizedShape
	}
	items, err := decodeItems(*page.Items)
	if err != nil {
		return nil, nil, err
	}
	meta := &Meta{TotalItems: len(items), PageSize: page.PageSize}
	switch {
	case page.Meta != nil:
		meta.TotalItems = page.Meta.TotalItems
		meta.TotalPages = page.Meta.TotalPages
		if page.Meta.PageSize > 0 {
			meta.PageSize = page.Meta.PageSize
		}
	case page.TotalItems != nil:
		meta.TotalItems = *page.TotalItems
		if page.TotalPages != nil {
			meta.TotalPages = *page.TotalPages
		}
	}
	return items, meta, nil
}

// Replace stores a fetch response for key, discarding whatever was there. Duplicate ids in the response are
// collapsed to their first occurrence. A response of any other shape is kept out of the cache and marks the key
// unpatchable until the next recognised response: live notifications for it are dropped. Any fetch of a resource
// also clears its local tombstones.
func (c *Cache) Replace(key Key, body []byte) error {
	items, meta, err := parse(body)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tombstones, key.Resource)
	if err != nil {
		c.entries[key] = &entry{lastFetchedAt: c.clock.Now()}
		c.logger.Warn("unrecognised fetch response, live updates disabled", "key", key.String())
		return fmt.Errorf("failed to cache %s: %w", key, err)
	}
	c.entries[key] = &entry{
		items:         items,
		meta:          meta,
		patchable:     true,
		lastFetchedAt: c.clock.Now(),
	}
	return nil
}

// ApplyTo reconciles n into the snapshot for key. A non-nil error means the notification was dropped.
func (c *Cache) ApplyTo(key Key, n change.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyLocked(key, n)
}

func (c *Cache) applyLocked(key Key, n change.Notification) error {
	if n.Resource != key.Resource {
		return c.drop(key, "resource_mismatch", fmt.Sprintf("notification is for %q", n.Resource))
	}
	e, ok := c.entries[key]
	if !ok {
		return c.drop(key, "not_cached", "nothing cached")
	}
	if !e.patchable {
		return c.drop(key, "unpatchable", "cached response has an unrecognised shape")
	}
	if n.Type == change.Create || n.Type == change.Update {
		if id, ok := n.Data.ID(); ok {
			if _, gone := c.tombstones[key.Resource][id]; gone {
				c.metrics.ReconciliationDropped("tombstoned")
				c.logger.Debug("ignoring change to locally deleted item", "key", key.String(), "id", id)
				return nil
			}
		}
	}
	items, delta, err := Reconcile(e.items, n)
	if err != nil {
		return c.drop(key, "invalid", err.Error())
	}
	e.items = items
	if e.meta != nil && delta != 0 {
		e.meta.adjust(delta)
	}
	return nil
}

func (c *Cache) drop(key Key, reason, detail string) error {
	c.metrics.ReconciliationDropped(reason)
	err := &ReconciliationError{Key: key, Reason: detail}
	c.logger.Warn("dropping notification", "err", err)
	return err
}

// Get returns a copy of the snapshot for key.
func (c *Cache) Get(key Key) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Snapshot{}, false
	}
	s := Snapshot{
		Key:           key,
		Items:         append([]change.Entity(nil), e.items...),
		Patchable:     e.patchable,
		LastFetchedAt: e.lastFetchedAt,
	}
	if e.meta != nil {
		m := *e.meta
		s.Meta = &m
	}
	return s, true
}

// Acquire registers one more holder of key. Every mounted view holds its key.
func (c *Cache) Acquire(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs[key]++
}

// Release drops one holder of key and discards its snapshot once nothing holds it.
func (c *Cache) Release(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs[key]--; c.refs[key] > 0 {
		return
	}
	delete(c.refs, key)
	delete(c.entries, key)
}

// RemoveLocal removes an item the user deleted optimistically from every snapshot of resource, and suppresses live
// CREATE and UPDATE notifications for it until the resource is fetched again.
func (c *Cache) RemoveLocal(resource change.Resource, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.tombstones[resource]
	if !ok {
		set = make(map[string]struct{})
		c.tombstones[resource] = set
	}
	set[id] = struct{}{}
	for key, e := range c.entries {
		if key.Resource != resource || !e.patchable {
			continue
		}
		items, delta, _ := Reconcile(e.items, change.Notification{
			Type: change.Delete, Resource: resource, Data: change.Entity{"id": id},
		})
		e.items = items
		if e.meta != nil && delta != 0 {
			e.meta.adjust(delta)
		}
	}
}
