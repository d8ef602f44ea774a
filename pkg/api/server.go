// Package api is the REST surface over the store, plus the websocket, metrics and debug endpoints of the server.
package api

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/goccy/go-graphviz"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astromechza/livecollections/pkg/bus"
	"github.com/astromechza/livecollections/pkg/change"
	"github.com/astromechza/livecollections/pkg/registry"
	"github.com/astromechza/livecollections/pkg/store"
	"github.com/astromechza/livecollections/pkg/tasks"
	"github.com/astromechza/livecollections/pkg/viz"
)

const DefaultCacheSize = 128

// Snapshotter exposes the subscription graph for the debug endpoint.
type Snapshotter interface {
	Snapshot() registry.Snapshot
}

type Config struct {
	Store *store.Store
	// Bus delivers change events that invalidate cached list responses. Optional.
	Bus *bus.Bus
	// Tasks runs side effects of writes. Optional.
	Tasks *tasks.Queue
	// Socket serves GET /ws. Optional.
	Socket http.Handler
	// Subscriptions serves the debug graph. Optional.
	Subscriptions Snapshotter
	// Gatherer serves /metrics. Optional.
	Gatherer  prometheus.Gatherer
	CacheSize int
	Logger    *slog.Logger
}

type Server struct {
	store  *store.Store
	tasks  *tasks.Queue
	cache  *responseCache
	logger *slog.Logger
	router *mux.Router
	sub    *bus.Subscription
}

func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("api: store is nil")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cache, err := newResponseCache(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create response cache: %w", err)
	}
	s := &Server{
		store:  cfg.Store,
		tasks:  cfg.Tasks,
		cache:  cache,
		logger: cfg.Logger.With("component", "api"),
	}
	if cfg.Bus != nil {
		if s.sub, err = cfg.Bus.Subscribe(change.Topic, "api-cache", s.onChange); err != nil {
			return nil, fmt.Errorf("failed to subscribe to changes: %w", err)
		}
	}

	r := mux.NewRouter()
	r.Use(s.logRequests)
	if cfg.Socket != nil {
		r.Methods(http.MethodGet).Path("/ws").Handler(cfg.Socket)
	}
	if cfg.Gatherer != nil {
		r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	if cfg.Subscriptions != nil {
		r.Methods(http.MethodGet).Path("/debug/subscriptions.svg").HandlerFunc(s.renderSubscriptions(cfg.Subscriptions))
	}
	r.Methods(http.MethodGet).Path("/api/{resource}").HandlerFunc(s.list)
	r.Methods(http.MethodPost).Path("/api/{resource}").HandlerFunc(s.create)
	r.Methods(http.MethodPatch).Path("/api/{resource}").HandlerFunc(s.bulkUpdate)
	r.Methods(http.MethodDelete).Path("/api/{resource}").HandlerFunc(s.bulkDestroy)
	r.Methods(http.MethodGet).Path("/api/{resource}/{id}").HandlerFunc(s.get)
	r.Methods(http.MethodPatch).Path("/api/{resource}/{id}").HandlerFunc(s.update)
	r.Methods(http.MethodDelete).Path("/api/{resource}/{id}").HandlerFunc(s.destroy)
	s.router = r
	return s, nil
}

func (s *Server) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	s.router.ServeHTTP(writer, request)
}

// Close stops listening for cache invalidations.
func (s *Server) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
}

func (s *Server) logRequests(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, writer, request)
		s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
	})
}

func (s *Server) onChange(_ string, payload any) {
	if ev, ok := payload.(change.Event); ok {
		s.cache.invalidate(ev.Resource)
	}
}

func (s *Server) renderSubscriptions(src Snapshotter) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		var buff bytes.Buffer
		if err := viz.RenderRegistry(src.Snapshot(), graphviz.SVG, &buff); err != nil {
			s.logger.Error("failed to render subscriptions", "err", err)
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		writer.Header().Set("Content-Type", "image/svg+xml")
		if _, err := writer.Write(buff.Bytes()); err != nil {
			s.logger.Error("failed to write out", "err", err)
		}
	}
}
