// Package metrics exposes the prometheus collector shared by the capture, bus and registry components. All methods
// are safe to call on a nil *Collector so that components can run without metrics in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "livecollections"

// Collector is a prometheus.Collector for the change propagation layer.
type Collector struct {
	eventsCaptured        *prometheus.CounterVec
	captureFailures       *prometheus.CounterVec
	busDropped            *prometheus.CounterVec
	listenerPanics        *prometheus.CounterVec
	notificationsSent     *prometheus.CounterVec
	notificationsFailed   *prometheus.CounterVec
	connections           prometheus.Gauge
	subscriptions         *prometheus.GaugeVec
	reconciliationDropped *prometheus.CounterVec
}

// New returns a new Collector.
func New() *Collector {
	return &Collector{
		eventsCaptured: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_captured_total",
				Help:      "The number of change events emitted by the mutation interceptor.",
			}, []string{"resource", "type"},
		),
		captureFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capture_failures_total",
				Help:      "The number of failures while synthesising change events.",
			}, []string{"resource", "stage"},
		),
		busDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bus_dropped_total",
				Help:      "The number of bus messages dropped because a listener mailbox was full.",
			}, []string{"listener"},
		),
		listenerPanics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bus_listener_panics_total",
				Help:      "The number of bus listener invocations that panicked.",
			}, []string{"listener"},
		),
		notificationsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_sent_total",
				Help:      "The number of change notifications handed to connections.",
			}, []string{"resource"},
		),
		notificationsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_failed_total",
				Help:      "The number of change notifications that could not be sent.",
			}, []string{"resource"},
		),
		connections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections",
				Help:      "The number of live subscriber connections.",
			},
		),
		subscriptions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "subscriptions",
				Help:      "The number of connections subscribed to each resource.",
			}, []string{"resource"},
		),
		reconciliationDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliation_dropped_total",
				Help:      "The number of live events dropped by the client cache.",
			}, []string{"reason"},
		),
	}
}

func (c *Collector) EventCaptured(resource, typ string) {
	if c == nil {
		return
	}
	c.eventsCaptured.WithLabelValues(resource, typ).Inc()
}

func (c *Collector) CaptureFailed(resource, stage string) {
	if c == nil {
		return
	}
	c.captureFailures.WithLabelValues(resource, stage).Inc()
}

func (c *Collector) BusDropped(listener string) {
	if c == nil {
		return
	}
	c.busDropped.WithLabelValues(listener).Inc()
}

func (c *Collector) ListenerPanicked(listener string) {
	if c == nil {
		return
	}
	c.listenerPanics.WithLabelValues(listener).Inc()
}

func (c *Collector) NotificationSent(resource string) {
	if c == nil {
		return
	}
	c.notificationsSent.WithLabelValues(resource).Inc()
}

func (c *Collector) NotificationFailed(resource string) {
	if c == nil {
		return
	}
	c.notificationsFailed.WithLabelValues(resource).Inc()
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connections.Inc()
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connections.Dec()
}

func (c *Collector) Subscribed(resource string) {
	if c == nil {
		return
	}
	c.subscriptions.WithLabelValues(resource).Inc()
}

func (c *Collector) Unsubscribed(resource string) {
	if c == nil {
		return
	}
	c.subscriptions.WithLabelValues(resource).Dec()
}

func (c *Collector) ReconciliationDropped(reason string) {
	if c == nil {
		return
	}
	c.reconciliationDropped.WithLabelValues(reason).Inc()
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.eventsCaptured.Describe(ch)
	c.captureFailures.Describe(ch)
	c.busDropped.Describe(ch)
	c.listenerPanics.Describe(ch)
	c.notificationsSent.Describe(ch)
	c.notificationsFailed.Describe(ch)
	c.connections.Describe(ch)
	c.subscriptions.Describe(ch)
	c.reconciliationDropped.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.eventsCaptured.Collect(ch)
	c.captureFailures.Collect(ch)
	c.busDropped.Collect(ch)
	c.listenerPanics.Collect(ch)
	c.notificationsSent.Collect(ch)
	c.notificationsFailed.Collect(ch)
	c.connections.Collect(ch)
	c.subscriptions.Collect(ch)
	c.reconciliationDropped.Collect(ch)
}
