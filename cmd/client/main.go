package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/astromechza/livecollections/pkg/change"
	"github.com/astromechza/livecollections/pkg/livecache"
	"github.com/astromechza/livecollections/pkg/transport"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:8080", "the address to request on")
	resourceVar := flag.String("resource", string(change.Files), "the resource to watch")
	queryVar := flag.String("query", "", "the list query, e.g. page=1&status=active")
	flag.Parse()

	baseUrl, err := url.Parse("http://" + *addrVar)
	if err != nil {
		return err
	}
	query, err := url.ParseQuery(*queryVar)
	if err != nil {
		return fmt.Errorf("failed to parse query: %w", err)
	}

	wsUrl := baseUrl.JoinPath("ws")
	wsUrl.Scheme = "ws"
	session := transport.NewSession(transport.SessionConfig{URL: wsUrl.String()})

	cache := livecache.NewCache(livecache.CacheConfig{})
	view, err := livecache.NewView(livecache.ViewConfig{
		Key:     livecache.NewKey(change.Resource(*resourceVar), query),
		Cache:   cache,
		Fetcher: livecache.NewHTTPFetcher(baseUrl),
		Stream:  session,
		OnChange: func(snap livecache.Snapshot) {
			attrs := []any{"key", snap.Key.String(), "items", len(snap.Items), "ids", snap.IDs()}
			if snap.Meta != nil {
				attrs = append(attrs, "total", snap.Meta.TotalItems)
			}
			if !snap.Patchable {
				attrs = append(attrs, "live", false)
			}
			slog.Info("view changed", attrs...)
		},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("session stopped", "err", err)
		}
	}()

	if err := view.Mount(ctx); err != nil {
		cancel()
		wg.Wait()
		return fmt.Errorf("failed to mount view: %w", err)
	}
	slog.Info("mounted", "resource", *resourceVar, "query", query.Encode())

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	view.Unmount()
	cancel()

	wg.Wait()
	return nil
}
