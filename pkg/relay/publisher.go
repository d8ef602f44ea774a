package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

type Publisher interface {
	Publish(ctx context.Context, key string, msg Envelope) error
	Close() error
}

type ConnectionOptions struct {
	URL           string
	RetryAttempts uint64
	Delay         time.Duration
	MaxDelay      time.Duration
	Logger        *slog.Logger
}

// DialWithRetry connects to the broker with exponential backoff and gives up after RetryAttempts failures or when
// ctx is cancelled.
func DialWithRetry(ctx context.Context, opts ConnectionOptions) (*amqp091.Connection, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	exp := backoff.NewExponentialBackOff()
	if opts.Delay > 0 {
		exp.InitialInterval = opts.Delay
	}
	if opts.MaxDelay > 0 {
		exp.MaxInterval = opts.MaxDelay
	}
	exp.MaxElapsedTime = 0

	var attempt int
	conn, err := backoff.RetryNotifyWithData(func() (*amqp091.Connection, error) {
		attempt++
		return amqp091.Dial(opts.URL)
	}, backoff.WithContext(backoff.WithMaxRetries(exp, opts.RetryAttempts), ctx), func(err error, sleep time.Duration) {
		opts.Logger.Warn("rabbit dial failed", "attempt", attempt, "sleep", sleep, "err", err)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempt, err)
	}
	if attempt > 1 {
		opts.Logger.Info("rabbit connected", "attempt", attempt)
	}
	return conn, nil
}

type rmqPublisher struct {
	conn     *amqp091.Connection
	exchange string
	log      *slog.Logger

	mu sync.Mutex
	ch *amqp091.Channel
}

// NewAMQP dials the broker and declares exchange as a durable topic exchange.
func NewAMQP(ctx context.Context, opts ConnectionOptions, exchange string) (Publisher, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	conn, err := DialWithRetry(ctx, opts)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %q: %w", exchange, err)
	}
	return &rmqPublisher{
		conn:     conn,
		exchange: exchange,
		log:      opts.Logger.With("component", "relay", "exchange", exchange),
		ch:       ch,
	}, nil
}

func (r *rmqPublisher) channel() (*amqp091.Channel, error) {
	if r.ch != nil && !r.ch.IsClosed() {
		return r.ch, nil
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	r.ch = ch
	return ch, nil
}

func (r *rmqPublisher) Publish(ctx context.Context, key string, msg Envelope) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	msgID := msg.Meta.ID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	cid := uuid.NewString()
	if msg.Meta.CorrelationID != nil {
		cid = *msg.Meta.CorrelationID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ch, err := r.channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	err = ch.PublishWithContext(ctx, r.exchange, key, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     msgID,
		CorrelationId: cid,
		Timestamp:     msg.Meta.Time,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %q: %w", key, err)
	}
	r.log.Debug("published", "key", key)
	return nil
}

func (r *rmqPublisher) Close() error {
	return r.conn.Close()
}

// FallbackPublisher is used when no broker is configured.
type FallbackPublisher struct {
	log *slog.Logger
}

func NewFallback(logger *slog.Logger) *FallbackPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackPublisher{log: logger.With("component", "relay")}
}

func (p *FallbackPublisher) Publish(_ context.Context, key string, _ Envelope) error {
	p.log.Debug("no broker configured, skipped publish", "key", key)
	return nil
}

func (p *FallbackPublisher) Close() error {
	return nil
}
