package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/astromechza/livecollections/pkg/change"
)

type SessionConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL    string
	Dialer *websocket.Dialer
	Logger *slog.Logger
	// NewBackOff builds the reconnect policy. The default retries forever with exponential delays capped at 30s.
	NewBackOff   func() backoff.BackOff
	WriteTimeout time.Duration
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

type callback[T any] struct {
	fn T
}

// Session is the client end of the change stream. It holds the set of resources the local views need, reference
// counted, and keeps them subscribed across reconnects. Every new connection is a new identity on the server, so
// after reconnecting the session re-sends every subscribe and then runs the OnReconnect callbacks, which are expected
// to refetch whatever they display.
type Session struct {
	url          string
	dialer       *websocket.Dialer
	logger       *slog.Logger
	newBackOff   func() backoff.BackOff
	writeTimeout time.Duration

	// mu guards desired and conn and serialises frame writes
	mu      sync.Mutex
	desired map[change.Resource]int
	conn    *websocket.Conn

	cbMu          sync.Mutex
	onNotify      []*callback[func(change.Notification)]
	onReconnect   []*callback[func()]
	connectedOnce chan struct{}
	connectOnce   sync.Once
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = defaultBackOff
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultSettings().WriteTimeout
	}
	return &Session{
		url:           cfg.URL,
		dialer:        cfg.Dialer,
		logger:        cfg.Logger.With("component", "session"),
		newBackOff:    cfg.NewBackOff,
		writeTimeout:  cfg.WriteTimeout,
		desired:       make(map[change.Resource]int),
		connectedOnce: make(chan struct{}),
	}
}

// Subscribe adds one reference to resource. The first reference sends a subscribe frame if connected; otherwise the
// frame goes out when the connection is established.
func (s *Session) Subscribe(resource change.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.desired[resource]++
	if s.desired[resource] == 1 && s.conn != nil {
		if err := s.writeLocked(change.ClientMessage{Op: change.OpSubscribe, Resource: resource}); err != nil {
			s.logger.Warn("failed to send subscribe", "resource", resource, "err", err)
		}
	}
}

// Unsubscribe drops one reference. The last reference sends an unsubscribe frame.
func (s *Session) Unsubscribe(resource change.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.desired[resource]
	if !ok {
		return
	}
	if n > 1 {
		s.desired[resource] = n - 1
		return
	}
	delete(s.desired, resource)
	if s.conn != nil {
		if err := s.writeLocked(change.ClientMessage{Op: change.OpUnsubscribe, Resource: resource}); err != nil {
			s.logger.Warn("failed to send unsubscribe", "resource", resource, "err", err)
		}
	}
}

// Desired returns the reference count of every wanted resource.
func (s *Session) Desired() map[change.Resource]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[change.Resource]int, len(s.desired))
	for k, v := range s.desired {
		out[k] = v
	}
	return out
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Ready is closed once the first connection has been established and its subscriptions sent.
func (s *Session) Ready() <-chan struct{} {
	return s.connectedOnce
}

// OnNotification registers fn for every notification received. Callbacks run on the session's read goroutine and
// must not block. The returned function removes the callback.
func (s *Session) OnNotification(fn func(change.Notification)) func() {
	cb := &callback[func(change.Notification)]{fn: fn}
	s.cbMu.Lock()
	s.onNotify = append(append(make([]*callback[func(change.Notification)], 0, len(s.onNotify)+1), s.onNotify...), cb)
	s.cbMu.Unlock()
	return func() {
		s.cbMu.Lock()
		defer s.cbMu.Unlock()
		s.onNotify = without(s.onNotify, cb)
	}
}

// OnReconnect registers fn to run after every reconnection, once subscriptions have been re-sent.
func (s *Session) OnReconnect(fn func()) func() {
	cb := &callback[func()]{fn: fn}
	s.cbMu.Lock()
	s.onReconnect = append(append(make([]*callback[func()], 0, len(s.onReconnect)+1), s.onReconnect...), cb)
	s.cbMu.Unlock()
	return func() {
		s.cbMu.Lock()
		defer s.cbMu.Unlock()
		s.onReconnect = without(s.onReconnect, cb)
	}
}

func without[T any](list []*callback[T], cb *callback[T]) []*callback[T] {
	out := make([]*callback[T], 0, len(list))
	for _, c := range list {
		if c != cb {
			out = append(out, c)
		}
	}
	return out
}

// Run connects and keeps reconnecting until ctx is done or the backoff policy gives up.
func (s *Session) Run(ctx context.Context) error {
	connects := 0
	for {
		var ws *websocket.Conn
		b := backoff.WithContext(s.newBackOff(), ctx)
		err := backoff.RetryNotify(func() error {
			conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
			if err != nil {
				return fmt.Errorf("failed to dial: %w", err)
			}
			ws = conn
			return nil
		}, b, func(err error, wait time.Duration) {
			s.logger.Info("connection failed, retrying", "err", err, "wait", wait)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		connects++
		s.serve(ctx, ws, connects > 1)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Info("disconnected, reconnecting")
	}
}

func (s *Session) serve(ctx context.Context, ws *websocket.Conn, reconnected bool) {
	s.mu.Lock()
	s.conn = ws
	for resource := range s.desired {
		if err := s.writeLocked(change.ClientMessage{Op: change.OpSubscribe, Resource: resource}); err != nil {
			s.logger.Warn("failed to send subscribe", "resource", resource, "err", err)
		}
	}
	s.mu.Unlock()
	s.logger.Info("connected", "reconnect", reconnected)

	if reconnected {
		s.cbMu.Lock()
		callbacks := s.onReconnect
		s.cbMu.Unlock()
		for _, cb := range callbacks {
			cb.fn()
		}
	}
	s.connectOnce.Do(func() { close(s.connectedOnce) })

	done := make(chan struct{})
	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			s.mu.Lock()
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			s.mu.Unlock()
			_ = ws.Close()
		case <-done:
		}
	}()

	for {
		if err := s.readAndDispatch(ws); err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("connection lost", "err", err)
			}
			break
		}
	}
	close(done)
	wg.Wait()

	s.mu.Lock()
	if s.conn == ws {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = ws.Close()
}

func (s *Session) readAndDispatch(ws *websocket.Conn) error {
	mt, p, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}
	if mt != websocket.TextMessage {
		return nil
	}
	var n change.Notification
	if err := json.Unmarshal(p, &n); err != nil {
		s.logger.Warn("ignoring malformed notification", "err", err)
		return nil
	}
	s.cbMu.Lock()
	callbacks := s.onNotify
	s.cbMu.Unlock()
	for _, cb := range callbacks {
		cb.fn(n)
	}
	return nil
}

func (s *Session) writeLocked(msg change.ClientMessage) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}
