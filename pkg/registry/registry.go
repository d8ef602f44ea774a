// Package registry tracks which live connections are interested in which resources and fans change events out to
// them. Delivery is at-most-once: a connection that cannot be written to is dropped and recovers through its own
// reconnect and resync.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/astromechza/livecollections/pkg/bus"
	"github.com/astromechza/livecollections/pkg/change"
	"github.com/astromechza/livecollections/pkg/metrics"
)

var ErrUnknownConnection = errors.New("unknown connection")

// Conn is one live client connection. Send must not block for long; the websocket implementation only enqueues.
type Conn interface {
	ID() string
	Send(n change.Notification) error
}

type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

type entry struct {
	conn      Conn
	resources map[change.Resource]struct{}
}

type Registry struct {
	logger  *slog.Logger
	metrics *metrics.Collector

	mu        sync.RWMutex
	conns     map[string]*entry
	interests map[change.Resource]map[string]Conn
}

func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		logger:    cfg.Logger.With("component", "registry"),
		metrics:   cfg.Metrics,
		conns:     make(map[string]*entry),
		interests: make(map[change.Resource]map[string]Conn),
	}
}

// Connect registers a connection with an empty subscription set. Connecting an id twice keeps the existing set.
func (r *Registry) Connect(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID()]; ok {
		return
	}
	r.conns[c.ID()] = &entry{conn: c, resources: make(map[change.Resource]struct{})}
	r.metrics.ConnectionOpened()
	r.logger.Debug("connected", "conn", c.ID())
}

func (r *Registry) Subscribe(connID string, resource change.Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if _, ok := e.resources[resource]; ok {
		return nil
	}
	e.resources[resource] = struct{}{}
	set, ok := r.interests[resource]
	if !ok {
		set = make(map[string]Conn)
		r.interests[resource] = set
	}
	set[connID] = e.conn
	r.metrics.Subscribed(string(resource))
	r.logger.Debug("subscribed", "conn", connID, "resource", resource)
	return nil
}

// Unsubscribe is a no-op for unknown connections or resources that were never subscribed.
func (r *Registry) Unsubscribe(connID string, resource change.Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked(connID, resource)
}

func (r *Registry) unsubscribeLocked(connID string, resource change.Resource) {
	e, ok := r.conns[connID]
	if !ok {
		return
	}
	if _, ok := e.resources[resource]; !ok {
		return
	}
	delete(e.resources, resource)
	if set, ok := r.interests[resource]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.interests, resource)
		}
	}
	r.metrics.Unsubscribed(string(resource))
	r.logger.Debug("unsubscribed", "conn", connID, "resource", resource)
}

// Disconnect unsubscribes the connection from everything and forgets it.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnectLocked(connID)
}

func (r *Registry) disconnectLocked(connID string) {
	e, ok := r.conns[connID]
	if !ok {
		return
	}
	for resource := range e.resources {
		r.unsubscribeLocked(connID, resource)
	}
	delete(r.conns, connID)
	r.metrics.ConnectionClosed()
	r.logger.Debug("disconnected", "conn", connID)
}

// Subscriptions returns the resources connID is subscribed to, sorted.
func (r *Registry) Subscriptions(connID string) []change.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return nil
	}
	out := make([]change.Resource, 0, len(e.resources))
	for res := range e.resources {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Subscribers returns the ids of connections subscribed to resource, sorted.
func (r *Registry) Subscribers(resource change.Resource) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.interests[resource]))
	for id := range r.interests[resource] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Snapshot describes the whole registry: every connected id, and the subscribers of every resource.
type Snapshot struct {
	Connections []string
	Resources   map[change.Resource][]string
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Snapshot{
		Connections: make([]string, 0, len(r.conns)),
		Resources:   make(map[change.Resource][]string, len(r.interests)),
	}
	for id := range r.conns {
		s.Connections = append(s.Connections, id)
	}
	sort.Strings(s.Connections)
	for res, set := range r.interests {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		s.Resources[res] = ids
	}
	return s
}

// OnChangeEvent sends the event's notification to every connection currently subscribed to its resource. No
// per-record filtering happens here: sensitive fields must already be gone. Sends happen under the read lock, so an
// Unsubscribe that has returned is never followed by a notification for that resource.
func (r *Registry) OnChangeEvent(ev change.Event) {
	n := ev.Notification()
	var failed []string

	r.mu.RLock()
	for _, c := range r.interests[ev.Resource] {
		if err := c.Send(n); err != nil {
			r.metrics.NotificationFailed(string(ev.Resource))
			r.logger.Debug("dropping unwritable subscriber", "conn", c.ID(), "resource", ev.Resource, "err", err)
			failed = append(failed, c.ID())
			continue
		}
		r.metrics.NotificationSent(string(ev.Resource))
	}
	r.mu.RUnlock()

	if len(failed) > 0 {
		r.mu.Lock()
		for _, id := range failed {
			r.disconnectLocked(id)
		}
		r.mu.Unlock()
	}
}

// Listener adapts OnChangeEvent for the bus.
func (r *Registry) Listener() bus.Listener {
	return func(_ string, payload any) {
		ev, ok := payload.(change.Event)
		if !ok {
			r.logger.Warn("ignoring unexpected payload", "type", fmt.Sprintf("%T", payload))
			return
		}
		r.OnChangeEvent(ev)
	}
}
