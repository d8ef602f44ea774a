// Package capture turns committed store mutations into change events on the bus. Nothing here can fail or block
// the write that triggered it: every failure is logged and the affected events are dropped.
package capture

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/juju/clock"
	"github.com/oklog/ulid/v2"

	"github.com/astromechza/livecollections/pkg/change"
	"github.com/astromechza/livecollections/pkg/metrics"
	"github.com/astromechza/livecollections/pkg/store"
)

// Capture stages reported in CaptureError.
const (
	StageSnapshot = "snapshot"
	StageRequery  = "requery"
	StageHydrate  = "hydrate"
	StageValidate = "validate"
	StagePublish  = "publish"
)

// CaptureError is logged when an event could not be synthesized. The write it belongs to has still succeeded.
type CaptureError struct {
	Resource change.Resource
	Stage    string
	Err      error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("failed to capture %s for %q: %v", e.Stage, e.Resource, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// Publisher is the part of the bus the interceptor needs.
type Publisher interface {
	Publish(topic string, payload any)
}

type Config struct {
	Table     *Table
	Publisher Publisher
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Collector
}

// Interceptor implements store.Hooks.
type Interceptor struct {
	table     *Table
	publisher Publisher
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Collector
}

var _ store.Hooks = (*Interceptor)(nil)

func New(cfg Config) (*Interceptor, error) {
	if cfg.Table == nil {
		return nil, fmt.Errorf("capture: table is nil")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("capture: publisher is nil")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Interceptor{
		table:     cfg.Table,
		publisher: cfg.Publisher,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With("component", "capture"),
		metrics:   cfg.Metrics,
	}, nil
}

func (i *Interceptor) AfterCreate(ctx context.Context, resource change.Resource, record change.Entity) {
	i.single(ctx, resource, change.Create, record)
}

func (i *Interceptor) AfterUpdate(ctx context.Context, resource change.Resource, record change.Entity) {
	i.single(ctx, resource, change.Update, record)
}

func (i *Interceptor) AfterDestroy(ctx context.Context, resource change.Resource, record change.Entity) {
	i.single(ctx, resource, change.Delete, record)
}

func (i *Interceptor) single(ctx context.Context, resource change.Resource, typ change.Type, record change.Entity) {
	reg, ok := i.table.Lookup(resource, typ)
	if !ok {
		return
	}
	i.emit(ctx, reg, typ, record)
}

// BeforeBulkUpdate records the ids the filter matches before the statement runs, so that an update changing a
// filtered field still reports every row it touched.
func (i *Interceptor) BeforeBulkUpdate(ctx context.Context, m *store.Mutation) {
	reg, ok := i.table.Lookup(m.Resource, change.Update)
	if !ok {
		return
	}
	rows, err := reg.Query(ctx, m.Filter)
	if err != nil {
		ce := &CaptureError{Resource: m.Resource, Stage: StageSnapshot, Err: err}
		m.Err = ce
		i.fail(ce)
		return
	}
	m.IDs = make([]string, 0, len(rows))
	for _, row := range rows {
		if id, ok := row.ID(); ok {
			m.IDs = append(m.IDs, id)
		}
	}
	m.Captured = true
}

// AfterBulkUpdate re-queries the affected rows once, inside the mutation's transaction, for their post-update values.
func (i *Interceptor) AfterBulkUpdate(ctx context.Context, m *store.Mutation) {
	reg, ok := i.table.Lookup(m.Resource, change.Update)
	if !ok || m.Affected == 0 {
		return
	}
	f := m.Filter
	if m.Captured {
		if len(m.IDs) == 0 {
			return
		}
		f = store.Filter{"id": m.IDs}
	} else {
		i.logger.Warn("no id capture for bulk update, re-querying with the original filter", "resource", m.Resource)
	}
	rows, err := reg.Query(ctx, f)
	if err != nil {
		i.fail(&CaptureError{Resource: m.Resource, Stage: StageRequery, Err: err})
		return
	}
	m.Rows = rows
}

// BeforeBulkDestroy snapshots the rows about to be deleted into the mutation.
func (i *Interceptor) BeforeBulkDestroy(ctx context.Context, m *store.Mutation) {
	reg, ok := i.table.Lookup(m.Resource, change.Delete)
	if !ok {
		return
	}
	rows, err := reg.Query(ctx, m.Filter)
	if err != nil {
		ce := &CaptureError{Resource: m.Resource, Stage: StageSnapshot, Err: err}
		m.Err = ce
		i.fail(ce)
		return
	}
	m.Rows = rows
	m.Captured = true
}

func (i *Interceptor) AfterBulkDestroy(context.Context, *store.Mutation) {}

// BulkCommitted emits one event per captured row. A failed destroy snapshot skips the whole batch.
func (i *Interceptor) BulkCommitted(ctx context.Context, m *store.Mutation) {
	reg, ok := i.table.Lookup(m.Resource, m.Type)
	if !ok || m.Affected == 0 {
		return
	}
	if m.Type == change.Delete && (m.Err != nil || !m.Captured) {
		return
	}
	for _, row := range m.Rows {
		i.emit(ctx, reg, m.Type, row)
	}
}

func (i *Interceptor) emit(ctx context.Context, reg Registration, typ change.Type, record change.Entity) {
	entity := record.Clone()
	if reg.Hydrate != nil {
		hydrated, err := reg.Hydrate(ctx, entity.Clone())
		if err != nil {
			i.fail(&CaptureError{Resource: reg.Resource, Stage: StageHydrate, Err: err})
		} else if hydrated != nil {
			entity = hydrated
		}
	}
	for _, field := range reg.Redact {
		delete(entity, field)
	}

	now := i.clock.Now()
	ev := change.Event{
		ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Type:       typ,
		Resource:   reg.Resource,
		Entity:     entity,
		OccurredAt: now,
	}
	if err := ev.Validate(); err != nil {
		i.fail(&CaptureError{Resource: reg.Resource, Stage: StageValidate, Err: err})
		return
	}

	defer func() {
		if r := recover(); r != nil {
			i.fail(&CaptureError{Resource: reg.Resource, Stage: StagePublish, Err: fmt.Errorf("%v", r)})
		}
	}()
	i.publisher.Publish(change.Topic, ev)
	i.metrics.EventCaptured(string(reg.Resource), string(typ))
	i.logger.Debug("captured", "resource", reg.Resource, "type", typ, "event", ev.ID)
}

func (i *Interceptor) fail(err *CaptureError) {
	i.metrics.CaptureFailed(string(err.Resource), err.Stage)
	i.logger.Warn("change capture failed", "resource", err.Resource, "stage", err.Stage, "err", err)
}
