// Package transport carries subscribe control messages and change notifications over websockets. The server side
// feeds a registry.Registry, the client side is a reconnecting Session.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/livecollections/pkg/change"
	"github.com/astromechza/livecollections/pkg/registry"
)

var (
	ErrClosed         = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

type Settings struct {
	// WriteTimeout bounds every frame write.
	WriteTimeout time.Duration
	// PongTimeout is how long the server waits for any frame, pongs included, before giving up on a client.
	PongTimeout time.Duration
	// PingInterval must be shorter than PongTimeout.
	PingInterval time.Duration
	// SendBuffer is the number of notifications queued per connection before sends fail.
	SendBuffer int
	// ReadLimit is the largest accepted client frame in bytes.
	ReadLimit int64
}

func DefaultSettings() Settings {
	return Settings{
		WriteTimeout: 10 * time.Second,
		PongTimeout:  60 * time.Second,
		PingInterval: 50 * time.Second,
		SendBuffer:   64,
		ReadLimit:    4096,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = d.WriteTimeout
	}
	if s.PongTimeout <= 0 {
		s.PongTimeout = d.PongTimeout
	}
	if s.PingInterval <= 0 || s.PingInterval >= s.PongTimeout {
		s.PingInterval = s.PongTimeout * 9 / 10
	}
	if s.SendBuffer <= 0 {
		s.SendBuffer = d.SendBuffer
	}
	if s.ReadLimit <= 0 {
		s.ReadLimit = d.ReadLimit
	}
	return s
}

// Authorizer is the capability check consulted before a subscription is recorded.
type Authorizer interface {
	CanSubscribe(r *http.Request, resource change.Resource) bool
}

// AllowAll permits every subscription.
type AllowAll struct{}

func (AllowAll) CanSubscribe(*http.Request, change.Resource) bool { return true }

// Registry is the part of registry.Registry the handler drives.
type Registry interface {
	Connect(c registry.Conn)
	Subscribe(connID string, resource change.Resource) error
	Unsubscribe(connID string, resource change.Resource)
	Disconnect(connID string)
}

type HandlerConfig struct {
	Registry   Registry
	Authorizer Authorizer
	Settings   Settings
	Logger     *slog.Logger
	// CheckOrigin is passed to the upgrader. Nil means same origin only.
	CheckOrigin func(r *http.Request) bool
}

// Handler upgrades requests to websockets and serves one connection per request.
type Handler struct {
	upgrader websocket.Upgrader
	registry Registry
	auth     Authorizer
	settings Settings
	logger   *slog.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	conns  map[string]*Conn
}

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("transport: registry is nil")
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = AllowAll{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		registry: cfg.Registry,
		auth:     cfg.Authorizer,
		settings: cfg.Settings.withDefaults(),
		logger:   cfg.Logger.With("component", "transport"),
		conns:    make(map[string]*Conn),
	}, nil
}

func (h *Handler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		writer.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	ws, err := h.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade", "err", err)
		return
	}
	c := newConn(uuid.NewString(), ws, h.settings)
	logger := h.logger.With("conn", c.id)

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.registry.Connect(c)
	logger.Info("connection opened", "remote", request.RemoteAddr)

	defer func() {
		h.registry.Disconnect(c.id)
		h.mu.Lock()
		delete(h.conns, c.id)
		h.mu.Unlock()
		logger.Info("connection closed")
	}()

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.Close()
		if err := c.writePump(); err != nil {
			logger.Debug("write pump stopped", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.Close()
		for {
			msg, err := c.read()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, ErrClosed) {
					logger.Debug("read pump stopped", "err", err)
				}
				return
			}
			h.handle(request, c, msg, logger)
		}
	}()

	wg.Wait()
}

func (h *Handler) handle(request *http.Request, c *Conn, msg *change.ClientMessage, logger *slog.Logger) {
	switch msg.Op {
	case change.OpSubscribe:
		if !h.auth.CanSubscribe(request, msg.Resource) {
			logger.Info("subscription denied", "resource", msg.Resource)
			return
		}
		if err := h.registry.Subscribe(c.id, msg.Resource); err != nil {
			logger.Warn("failed to subscribe", "resource", msg.Resource, "err", err)
		}
	case change.OpUnsubscribe:
		h.registry.Unsubscribe(c.id, msg.Resource)
	default:
		logger.Debug("ignoring unknown op", "op", msg.Op)
	}
}

// CloseAll closes every open connection. Clients are expected to reconnect.
func (h *Handler) CloseAll() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Close refuses new connections, closes the open ones and waits for their handlers to return. Hijacked
// connections are not closed by http.Server.Close.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.CloseAll()
	h.wg.Wait()
}

// Conn is the server side of one websocket. It implements registry.Conn.
type Conn struct {
	id       string
	ws       *websocket.Conn
	settings Settings
	send     chan change.Notification
	done     chan struct{}
	once     sync.Once
}

func newConn(id string, ws *websocket.Conn, settings Settings) *Conn {
	ws.SetReadLimit(settings.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(settings.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(settings.PongTimeout))
	})
	return &Conn{
		id:       id,
		ws:       ws,
		settings: settings,
		send:     make(chan change.Notification, settings.SendBuffer),
		done:     make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// Send queues n for the write pump. It never blocks.
func (c *Conn) Send(n change.Notification) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- n:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSendBufferFull
	}
}

func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

func (c *Conn) read() (*change.ClientMessage, error) {
	for {
		mt, p, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil, ErrClosed
			default:
			}
			return nil, fmt.Errorf("failed to read message: %w", err)
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.settings.PongTimeout))
		if mt != websocket.TextMessage {
			continue
		}
		msg := new(change.ClientMessage)
		if err := json.Unmarshal(p, msg); err != nil {
			continue
		}
		return msg, nil
	}
}

func (c *Conn) writePump() error {
	t := time.NewTicker(c.settings.PingInterval)
	defer t.Stop()
	for {
		select {
		case n := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if err := c.ws.WriteJSON(n); err != nil {
				return fmt.Errorf("failed to write message: %w", err)
			}
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.settings.WriteTimeout)); err != nil {
				return fmt.Errorf("failed to ping: %w", err)
			}
		case <-c.done:
			return nil
		}
	}
}
