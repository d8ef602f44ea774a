package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/astromechza/livecollections/pkg/api"
	"github.com/astromechza/livecollections/pkg/bus"
	"github.com/astromechza/livecollections/pkg/capture"
	"github.com/astromechza/livecollections/pkg/change"
	"github.com/astromechza/livecollections/pkg/config"
	"github.com/astromechza/livecollections/pkg/metrics"
	"github.com/astromechza/livecollections/pkg/registry"
	"github.com/astromechza/livecollections/pkg/relay"
	"github.com/astromechza/livecollections/pkg/store"
	"github.com/astromechza/livecollections/pkg/tasks"
	"github.com/astromechza/livecollections/pkg/transport"
	"github.com/astromechza/livecollections/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// tables returns the built-in resources plus any extra configured ones. Only the configured ones are captured.
func tables(cfg config.Config) []change.Resource {
	out := []change.Resource{change.Users, change.Files, change.AuditLogs}
	for _, r := range cfg.ResourceNames() {
		switch r {
		case change.Users, change.Files, change.AuditLogs:
		default:
			out = append(out, r)
		}
	}
	return out
}

func mainInner() error {
	configVar := flag.String("config", "", "an optional yaml config file")
	addrVar := flag.String("addr", "", "the address to listen on, overrides the config")
	dbVar := flag.String("db", "", "the sqlite database path, overrides the config")
	flag.Parse()

	cfg, err := config.Load(*configVar)
	if err != nil {
		return err
	}
	if *addrVar != "" {
		cfg.Addr = *addrVar
	}
	if *dbVar != "" {
		cfg.Database = *dbVar
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("Opening database", "path", cfg.Database)
	db, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	st, err := store.New(ctx, db, store.Config{}, tables(cfg)...)
	if err != nil {
		return err
	}
	slog.Info("Ensured initial tables exist")

	m := metrics.New()
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(m, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	events := bus.New(bus.Config{Buffer: cfg.Bus.Buffer, Metrics: m})
	defer func() {
		events.Kill()
		if err := events.Wait(); err != nil {
			slog.Error("bus stopped with error", "err", err)
		}
	}()

	table, err := capture.BuildTable(st, cfg.Resources)
	if err != nil {
		return err
	}
	interceptor, err := capture.New(capture.Config{Table: table, Publisher: events, Metrics: m})
	if err != nil {
		return err
	}
	st.AddHooks(interceptor)

	subscriptions := registry.New(registry.Config{Metrics: m})
	if _, err := events.Subscribe(change.Topic, "registry", subscriptions.Listener()); err != nil {
		return err
	}

	var publisher relay.Publisher = relay.NewFallback(nil)
	if cfg.AMQP.URL != "" {
		if publisher, err = relay.NewAMQP(ctx, relay.ConnectionOptions{
			URL:           cfg.AMQP.URL,
			RetryAttempts: 5,
			Delay:         time.Second,
		}, cfg.AMQP.Exchange); err != nil {
			return err
		}
	}
	rl, err := relay.New(relay.Config{Publisher: publisher, Producer: cfg.AMQP.Producer})
	if err != nil {
		return err
	}
	defer rl.Close()
	if _, err := events.Subscribe(change.Topic, "relay", rl.Listener()); err != nil {
		return err
	}

	socket, err := transport.NewHandler(transport.HandlerConfig{
		Registry: subscriptions,
		Settings: transport.Settings{
			WriteTimeout: cfg.Websocket.WriteTimeout,
			PongTimeout:  cfg.Websocket.PongTimeout,
			SendBuffer:   cfg.Websocket.SendBuffer,
		},
	})
	if err != nil {
		return err
	}

	queue, err := tasks.New(cfg.Tasks, nil)
	if err != nil {
		return err
	}

	server, err := api.New(api.Config{
		Store:         st,
		Bus:           events,
		Tasks:         queue,
		Socket:        socket,
		Subscriptions: subscriptions,
		Gatherer:      promRegistry,
		CacheSize:     cfg.Cache.Size,
	})
	if err != nil {
		return err
	}
	defer server.Close()

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(time.Second * 30)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := subscriptions.Snapshot()
				slog.Info("subscriptions", "connections", len(snap.Connections), "resources", len(snap.Resources))
			case <-ctx.Done():
				return
			}
		}
	}()

	httpServer := &http.Server{Addr: cfg.Addr, Handler: server}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", cfg.Addr, "resources", table.Resources())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	final := subscriptions.Snapshot()
	cancel()
	socket.Close()
	_ = httpServer.Close()
	queue.Close()

	wg.Wait()

	if svgPath, err := viz.RenderToTemp(final); err != nil {
		slog.Error("failed to render", "err", err)
	} else {
		slog.Info("rendered", "path", "file://"+svgPath)
	}
	return nil
}
