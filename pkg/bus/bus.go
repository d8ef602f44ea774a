// Package bus is the process-local publish/subscribe point that decouples change capture from delivery. It is
// in-memory, non-durable and best-effort.
//
// Every subscription owns a bounded mailbox drained by its own goroutine, so Publish never waits on a listener and a
// slow listener only delays itself. Messages are enqueued to mailboxes in registration order and each listener sees
// the messages of one topic in publish order.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gopkg.in/tomb.v2"

	"github.com/astromechza/livecollections/pkg/metrics"
)

const DefaultBuffer = 256

var ErrStopped = errors.New("bus stopped")

// Listener receives published payloads. It runs on the subscription's own goroutine.
type Listener func(topic string, payload any)

// PublishError reports a listener that panicked during dispatch. Delivery to other listeners is unaffected.
type PublishError struct {
	Listener string
	Topic    string
	Cause    any
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("listener %q panicked on topic %q: %v", e.Listener, e.Topic, e.Cause)
}

type Config struct {
	Logger *slog.Logger
	// Buffer is the mailbox size of each subscription.
	Buffer  int
	Metrics *metrics.Collector
}

type message struct {
	topic   string
	payload any
}

// Subscription is a registered listener. Unsubscribe is idempotent.
type Subscription struct {
	bus      *Bus
	topic    string
	name     string
	listener Listener
	mailbox  chan message
	done     chan struct{}
	once     sync.Once
}

func (s *Subscription) Topic() string { return s.topic }
func (s *Subscription) Name() string  { return s.name }

func (s *Subscription) Unsubscribe() {
	s.bus.Unsubscribe(s)
}

type Bus struct {
	tomb    tomb.Tomb
	logger  *slog.Logger
	buffer  int
	metrics *metrics.Collector

	mu   sync.Mutex
	subs map[string][]*Subscription
}

func New(cfg Config) *Bus {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	b := &Bus{
		logger:  cfg.Logger.With("component", "bus"),
		buffer:  cfg.Buffer,
		metrics: cfg.Metrics,
		subs:    make(map[string][]*Subscription),
	}
	// keeps the tomb alive while there are no subscriptions
	b.tomb.Go(func() error {
		<-b.tomb.Dying()
		return nil
	})
	return b
}

// Subscribe registers a named listener on topic. Subscribing the same name to the same topic again returns the
// existing subscription.
func (b *Bus) Subscribe(topic, name string, listener Listener) (*Subscription, error) {
	if listener == nil {
		return nil, fmt.Errorf("nil listener for %q", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.tomb.Alive() {
		return nil, ErrStopped
	}
	for _, s := range b.subs[topic] {
		if s.name == name {
			return s, nil
		}
	}
	s := &Subscription{
		bus:      b,
		topic:    topic,
		name:     name,
		listener: listener,
		mailbox:  make(chan message, b.buffer),
		done:     make(chan struct{}),
	}
	next := make([]*Subscription, 0, len(b.subs[topic])+1)
	next = append(next, b.subs[topic]...)
	b.subs[topic] = append(next, s)
	b.tomb.Go(func() error {
		b.run(s)
		return nil
	})
	return s, nil
}

// Unsubscribe removes the subscription. Messages still in its mailbox are discarded.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	current := b.subs[s.topic]
	for i, existing := range current {
		if existing == s {
			next := make([]*Subscription, 0, len(current)-1)
			next = append(next, current[:i]...)
			next = append(next, current[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, s.topic)
			} else {
				b.subs[s.topic] = next
			}
			break
		}
	}
	b.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

// Publish enqueues payload for every listener currently subscribed to topic. It never blocks: a listener whose
// mailbox is full misses this message.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	subs := b.subs[topic]
	b.mu.Unlock()
	if !b.tomb.Alive() {
		return
	}

	m := message{topic: topic, payload: payload}
	for _, s := range subs {
		select {
		case <-s.done:
			continue
		default:
		}
		select {
		case s.mailbox <- m:
		default:
			b.metrics.BusDropped(s.name)
			b.logger.Warn("listener mailbox full, dropping message", "listener", s.name, "topic", topic)
		}
	}
}

func (b *Bus) run(s *Subscription) {
	for {
		select {
		case <-b.tomb.Dying():
			return
		case <-s.done:
			return
		case m := <-s.mailbox:
			b.deliver(s, m)
		}
	}
}

func (b *Bus) deliver(s *Subscription, m message) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.ListenerPanicked(s.name)
			b.logger.Warn("listener failed", "err", &PublishError{Listener: s.name, Topic: m.topic, Cause: r})
		}
	}()
	s.listener(m.topic, m.payload)
}

// Kill stops all listener goroutines. Further subscriptions fail with ErrStopped and publishes are dropped.
func (b *Bus) Kill() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tomb.Kill(nil)
}

// Wait blocks until every listener goroutine has returned.
func (b *Bus) Wait() error {
	return b.tomb.Wait()
}
