package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/astromechza/livecollections/pkg/bus"
	"github.com/astromechza/livecollections/pkg/change"
)

const DefaultTimeout = 5 * time.Second

type Config struct {
	Publisher Publisher
	// Producer is stamped into every envelope.
	Producer string
	// Timeout bounds each publish.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Relay publishes every change event it receives from the bus.
type Relay struct {
	publisher Publisher
	producer  string
	timeout   time.Duration
	logger    *slog.Logger
}

func New(cfg Config) (*Relay, error) {
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("relay needs a publisher")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		publisher: cfg.Publisher,
		producer:  cfg.Producer,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger.With("component", "relay"),
	}, nil
}

func (r *Relay) Forward(ctx context.Context, ev change.Event) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.publisher.Publish(ctx, RoutingKey(ev), NewEnvelope(ev, r.producer))
}

func (r *Relay) Listener() bus.Listener {
	return func(_ string, payload any) {
		ev, ok := payload.(change.Event)
		if !ok {
			r.logger.Warn("ignoring unexpected payload", "type", fmt.Sprintf("%T", payload))
			return
		}
		if err := r.Forward(context.Background(), ev); err != nil {
			r.logger.Warn("failed to relay change", "resource", ev.Resource, "type", ev.Type, "id", ev.ID, "err", err)
		}
	}
}

func (r *Relay) Close() error {
	return r.publisher.Close()
}
