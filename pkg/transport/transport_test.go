package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	qt "github.com/frankban/quicktest"
	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/astromechza/livecollections/pkg/change"
	"github.com/astromechza/livecollections/pkg/registry"
)

const longWait = 5 * time.Second

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func eventually(c *qt.C, what string, cond func() bool) {
	deadline := time.Now().Add(longWait)
	for !cond() {
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type server struct {
	registry *registry.Registry
	handler  *Handler
	url      string
}

func newServer(c *qt.C, auth Authorizer) *server {
	reg := registry.New(registry.Config{})
	h, err := NewHandler(HandlerConfig{Registry: reg, Authorizer: auth})
	c.Assert(err, qt.IsNil)
	srv := httptest.NewServer(h)
	c.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return &server{registry: reg, handler: h, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func runSession(c *qt.C, s *Session) {
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- s.Run(ctx) }()
	c.Cleanup(func() {
		cancel()
		select {
		case err := <-errs:
			c.Check(err, qt.ErrorIs, context.Canceled)
		case <-time.After(longWait):
			c.Errorf("session did not stop")
		}
	})
	select {
	case <-s.Ready():
	case <-time.After(longWait):
		c.Fatal("session never connected")
	}
}

func newSession(url string) *Session {
	return NewSession(SessionConfig{
		URL:        url,
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) },
	})
}

func TestNotificationReachesOnlySubscribedResource(t *testing.T) {
	c := qt.New(t)
	srv := newServer(c, nil)
	s := newSession(srv.url)
	got := make(chan change.Notification, 10)
	s.OnNotification(func(n change.Notification) { got <- n })
	s.Subscribe(change.Files)
	runSession(c, s)

	eventually(c, "subscription", func() bool { return len(srv.registry.Subscribers(change.Files)) == 1 })
	srv.registry.OnChangeEvent(change.Event{Type: change.Create, Resource: change.Users, Entity: change.Entity{"id": 1}})
	srv.registry.OnChangeEvent(change.Event{Type: change.Create, Resource: change.Files, Entity: change.Entity{"id": 2}})

	select {
	case n := <-got:
		c.Assert(n, qt.DeepEquals, change.Notification{
			Type:     change.Create,
			Resource: change.Files,
			Data:     change.Entity{"id": float64(2)},
		})
	case <-time.After(longWait):
		c.Fatal("no notification")
	}
}

func TestSubscriptionsAreReferenceCounted(t *testing.T) {
	c := qt.New(t)
	srv := newServer(c, nil)
	s := newSession(srv.url)
	runSession(c, s)

	s.Subscribe(change.Files)
	s.Subscribe(change.Files)
	eventually(c, "subscription", func() bool { return len(srv.registry.Subscribers(change.Files)) == 1 })

	s.Unsubscribe(change.Files)
	c.Assert(s.Desired(), qt.DeepEquals, map[change.Resource]int{change.Files: 1})
	s.Unsubscribe(change.Files)
	s.Unsubscribe(change.Files)
	c.Assert(s.Desired(), qt.DeepEquals, map[change.Resource]int{})
	eventually(c, "unsubscription", func() bool { return len(srv.registry.Subscribers(change.Files)) == 0 })
}

func TestReconnectResubscribesThenNotifies(t *testing.T) {
	c := qt.New(t)
	srv := newServer(c, nil)
	s := newSession(srv.url)
	var reconnects atomic.Int32
	s.OnReconnect(func() { reconnects.Add(1) })
	s.Subscribe(change.AuditLogs)
	runSession(c, s)

	eventually(c, "subscription", func() bool { return len(srv.registry.Subscribers(change.AuditLogs)) == 1 })
	first := srv.registry.Subscribers(change.AuditLogs)[0]
	c.Assert(reconnects.Load(), qt.Equals, int32(0))

	srv.handler.CloseAll()

	eventually(c, "reconnect", func() bool { return reconnects.Load() == 1 })
	eventually(c, "resubscription", func() bool {
		subs := srv.registry.Subscribers(change.AuditLogs)
		return len(subs) == 1 && subs[0] != first
	})
	c.Assert(s.Connected(), qt.IsTrue)
}

type denyFiles struct {
	asked atomic.Int32
}

func (d *denyFiles) CanSubscribe(_ *http.Request, resource change.Resource) bool {
	d.asked.Add(1)
	return resource != change.Files
}

func TestAuthorizerDeniesSubscription(t *testing.T) {
	c := qt.New(t)
	auth := &denyFiles{}
	srv := newServer(c, auth)
	s := newSession(srv.url)
	s.Subscribe(change.Files)
	s.Subscribe(change.Users)
	runSession(c, s)

	eventually(c, "authorization", func() bool { return auth.asked.Load() == 2 })
	eventually(c, "users subscription", func() bool { return len(srv.registry.Subscribers(change.Users)) == 1 })
	c.Assert(srv.registry.Subscribers(change.Files), qt.HasLen, 0)
}

func TestClosedHandlerRefusesConnections(t *testing.T) {
	c := qt.New(t)
	srv := newServer(c, nil)
	srv.handler.Close()

	_, resp, err := websocket.DefaultDialer.Dial(srv.url, nil)
	c.Assert(err, qt.Not(qt.IsNil))
	c.Assert(resp, qt.Not(qt.IsNil))
	c.Assert(resp.StatusCode, qt.Equals, http.StatusServiceUnavailable)
	_ = resp.Body.Close()
}

func TestSendOnClosedConnection(t *testing.T) {
	c := qt.New(t)
	srv := newServer(c, nil)
	s := newSession(srv.url)
	runSession(c, s)

	var conn *Conn
	eventually(c, "connection", func() bool {
		srv.handler.mu.Lock()
		defer srv.handler.mu.Unlock()
		for _, v := range srv.handler.conns {
			conn = v
		}
		return conn != nil
	})
	conn.Close()
	err := conn.Send(change.Notification{Type: change.Delete, Resource: change.Files})
	c.Assert(errors.Is(err, ErrClosed), qt.IsTrue)
}

func TestSettingsDefaults(t *testing.T) {
	c := qt.New(t)
	s := Settings{PongTimeout: 10 * time.Second, PingInterval: time.Minute}.withDefaults()
	c.Assert(s.PingInterval, qt.Equals, 9*time.Second)
	c.Assert(s.SendBuffer, qt.Equals, DefaultSettings().SendBuffer)
	c.Assert(s.WriteTimeout, qt.Equals, DefaultSettings().WriteTimeout)
}
