package livecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/astromechza/livecollections/pkg/change"
)

// Fetcher loads the authoritative response body for a key.
type Fetcher interface {
	Fetch(ctx context.Context, key Key) ([]byte, error)
}

// Stream is the live side of a view. transport.Session implements it.
type Stream interface {
	Subscribe(resource change.Resource)
	Unsubscribe(resource change.Resource)
	OnNotification(fn func(change.Notification)) func()
	OnReconnect(fn func()) func()
}

var ErrNotMounted = errors.New("view is not mounted")

type ViewConfig struct {
	Key     Key
	Cache   *Cache
	Fetcher Fetcher
	Stream  Stream
	Logger  *slog.Logger
	// OnChange is called with a fresh snapshot after every fetch and every applied notification.
	OnChange func(Snapshot)
}

// View binds one key of the cache to a fetcher and a live stream.
type View struct {
	key      Key
	cache    *Cache
	fetcher  Fetcher
	stream   Stream
	logger   *slog.Logger
	onChange func(Snapshot)

	mu         sync.Mutex
	mounted    bool
	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc
	detach     []func()
}

func NewView(cfg ViewConfig) (*View, error) {
	if cfg.Cache == nil || cfg.Fetcher == nil || cfg.Stream == nil {
		return nil, fmt.Errorf("view for %s needs a cache, a fetcher and a stream", cfg.Key)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OnChange == nil {
		cfg.OnChange = func(Snapshot) {}
	}
	return &View{
		key:      cfg.Key,
		cache:    cfg.Cache,
		fetcher:  cfg.Fetcher,
		stream:   cfg.Stream,
		logger:   cfg.Logger.With("component", "view", "key", cfg.Key.String()),
		onChange: cfg.OnChange,
	}, nil
}

// Mount fetches once and then subscribes. Changes committed between the fetch and the subscription are missed
// until the next refetch. A response of unrecognised shape still mounts the view, without live patching.
func (v *View) Mount(ctx context.Context) error {
	v.mu.Lock()
	if v.cancel != nil {
		v.mu.Unlock()
		return nil
	}
	v.generation++
	gen := v.generation
	v.ctx, v.cancel = context.WithCancel(context.Background())
	v.cache.Acquire(v.key)
	v.mu.Unlock()

	if err := v.fetch(ctx, gen); err != nil && !errors.Is(err, ErrUnrecognizedShape) {
		v.mu.Lock()
		if v.generation == gen && v.cancel != nil {
			v.cancel()
			v.cancel = nil
			v.ctx = nil
			v.cache.Release(v.key)
		}
		v.mu.Unlock()
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.generation != gen {
		return ErrNotMounted
	}
	v.mounted = true
	v.detach = []func(){
		v.stream.OnNotification(v.onNotification),
		v.stream.OnReconnect(v.onReconnect),
	}
	v.stream.Subscribe(v.key.Resource)
	return nil
}

// Refetch replaces the snapshot with a fresh response. Concurrent refetches apply in completion order; a response
// that completes after Unmount is discarded.
func (v *View) Refetch(ctx context.Context) error {
	v.mu.Lock()
	if !v.mounted {
		v.mu.Unlock()
		return ErrNotMounted
	}
	gen := v.generation
	v.mu.Unlock()
	return v.fetch(ctx, gen)
}

func (v *View) fetch(ctx context.Context, gen uint64) error {
	body, err := v.fetcher.Fetch(ctx, v.key)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", v.key, err)
	}
	v.mu.Lock()
	if v.generation != gen || v.ctx == nil || v.ctx.Err() != nil {
		v.mu.Unlock()
		v.logger.Debug("discarding fetch for unmounted view")
		return nil
	}
	replaceErr := v.cache.Replace(v.key, body)
	snap, _ := v.cache.Get(v.key)
	v.mu.Unlock()
	v.onChange(snap)
	return replaceErr
}

func (v *View) onNotification(n change.Notification) {
	if n.Resource != v.key.Resource {
		return
	}
	v.mu.Lock()
	if !v.mounted {
		v.mu.Unlock()
		return
	}
	if err := v.cache.ApplyTo(v.key, n); err != nil {
		v.mu.Unlock()
		return
	}
	snap, _ := v.cache.Get(v.key)
	v.mu.Unlock()
	v.onChange(snap)
}

// onReconnect runs after the stream has re-sent its subscriptions. Anything published while disconnected is lost,
// so the whole view is fetched again.
func (v *View) onReconnect() {
	v.mu.Lock()
	ctx := v.ctx
	v.mu.Unlock()
	if ctx == nil {
		return
	}
	if err := v.Refetch(ctx); err != nil && !errors.Is(err, ErrNotMounted) {
		v.logger.Warn("failed to resync after reconnect", "err", err)
	}
}

// Unmount unsubscribes and detaches synchronously. The cached snapshot is kept while another view of the same key
// is still mounted. Fetches still in flight, including the one of a Mount that has
// not returned yet, finish but do not touch the cache.
func (v *View) Unmount() {
	v.mu.Lock()
	if v.cancel == nil {
		v.mu.Unlock()
		return
	}
	wasMounted := v.mounted
	v.mounted = false
	v.generation++
	v.cancel()
	v.cancel = nil
	v.ctx = nil
	detach := v.detach
	v.detach = nil
	v.cache.Release(v.key)
	v.mu.Unlock()

	for _, fn := range detach {
		fn()
	}
	if wasMounted {
		v.stream.Unsubscribe(v.key.Resource)
	}
}

// Snapshot returns the current cached state of the view.
func (v *View) Snapshot() (Snapshot, bool) {
	return v.cache.Get(v.key)
}

const defaultMaxResponseBytes = 32 << 20

// HTTPFetcher fetches GET <base>/api/<resource>?<query>.
type HTTPFetcher struct {
	BaseURL *url.URL
	Client  *http.Client
	// MaxBytes bounds the response body. Zero means 32MiB.
	MaxBytes int64
}

func NewHTTPFetcher(base *url.URL) *HTTPFetcher {
	return &HTTPFetcher{BaseURL: base, Client: &http.Client{Timeout: 30 * time.Second}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, key Key) ([]byte, error) {
	u := f.BaseURL.JoinPath("api", string(key.Resource))
	u.RawQuery = key.Query
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get: %w", err)
	}
	defer resp.Body.Close()
	limit := f.MaxBytes
	if limit <= 0 {
		limit = defaultMaxResponseBytes
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return raw, nil
}
