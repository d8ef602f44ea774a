// Package store is the SQLite persistence collaborator. Every resource is a table of JSON documents; writes are
// plain request/response mutations that notify registered Hooks after commit.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/livecollections/pkg/change"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrEmptyFilter     = errors.New("bulk mutation requires a non-empty filter")
	ErrUnknownResource = errors.New("unknown resource")
	ErrInvalidFilter   = errors.New("invalid filter field")
)

// reserved fields live in columns rather than in the document
var reserved = []string{"id", "createdAt", "updatedAt"}

// Open opens a SQLite database with the mattn/go-sqlite3 driver. SQLite serialises writers anyway, so the pool is
// limited to one connection, which also keeps in-memory databases consistent across calls.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

type Config struct {
	Logger *slog.Logger
	Clock  clock.Clock
}

type Store struct {
	db        *sql.DB
	logger    *slog.Logger
	clock     clock.Clock
	resources map[change.Resource]struct{}

	mu    sync.RWMutex
	hooks []Hooks
}

// New creates the tables for the given resources if they don't exist.
func New(ctx context.Context, db *sql.DB, cfg Config, resources ...change.Resource) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	s := &Store{
		db:        db,
		logger:    cfg.Logger.With("component", "store"),
		clock:     cfg.Clock,
		resources: make(map[change.Resource]struct{}, len(resources)),
	}
	for _, r := range resources {
		if !validIdentifier(string(r)) {
			return nil, fmt.Errorf("invalid resource name %q", r)
		}
		if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+string(r)+` (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    data       TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
)`); err != nil {
			return nil, fmt.Errorf("failed to create table %s: %w", r, err)
		}
		s.resources[r] = struct{}{}
	}
	return s, nil
}

func (s *Store) AddHooks(h Hooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

func (s *Store) Has(resource change.Resource) bool {
	_, ok := s.resources[resource]
	return ok
}

func (s *Store) table(resource change.Resource) (string, error) {
	if !s.Has(resource) {
		return "", fmt.Errorf("%w: %q", ErrUnknownResource, resource)
	}
	return string(resource), nil
}

// Finder returns FindAll bound to a resource.
func (s *Store) Finder(resource change.Resource) func(ctx context.Context, f Filter) ([]change.Entity, error) {
	return func(ctx context.Context, f Filter) ([]change.Entity, error) {
		return s.FindAll(ctx, resource, f)
	}
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type txKey struct{}

// conn returns the transaction of the bulk mutation running on ctx, if any, so that reads made from within bulk
// hooks see the same rows as the statement.
func (s *Store) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func isReserved(k string) bool {
	for _, r := range reserved {
		if r == k {
			return true
		}
	}
	return false
}

func (s *Store) query(ctx context.Context, q querier, stmt string, args ...any) ([]change.Entity, error) {
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]change.Entity, 0)
	for rows.Next() {
		var (
			id        int64
			data      string
			createdAt int64
			updatedAt int64
		)
		if err := rows.Scan(&id, &data, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		e, err := toEntity(id, data, createdAt, updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func toEntity(id int64, data string, createdAt, updatedAt int64) (change.Entity, error) {
	e := change.Entity{}
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("failed to decode record %d: %w", id, err)
	}
	e["id"] = id
	e["createdAt"] = time.Unix(0, createdAt).UTC()
	e["updatedAt"] = time.Unix(0, updatedAt).UTC()
	return e, nil
}

func encodeDocument(e change.Entity) (string, error) {
	doc := e.Clone()
	for _, k := range reserved {
		delete(doc, k)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode record: %w", err)
	}
	return string(raw), nil
}

// FindAll returns every row matching f in ascending id order.
func (s *Store) FindAll(ctx context.Context, resource change.Resource, f Filter) ([]change.Entity, error) {
	t, err := s.table(resource)
	if err != nil {
		return nil, err
	}
	where, args, err := f.where()
	if err != nil {
		return nil, err
	}
	return s.query(ctx, s.conn(ctx), `SELECT id, data, created_at, updated_at FROM `+t+where+` ORDER BY id`, args...)
}

func (s *Store) Get(ctx context.Context, resource change.Resource, id string) (change.Entity, error) {
	rows, err := s.FindAll(ctx, resource, Filter{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

type ListQuery struct {
	Filter   Filter
	Page     int
	PageSize int
}

type Page struct {
	Items      []change.Entity `json:"items"`
	TotalItems int             `json:"totalItems"`
	TotalPages int             `json:"totalPages"`
	Page       int             `json:"page"`
	PageSize   int             `json:"pageSize"`
}

// List returns one page of rows, newest first.
func (s *Store) List(ctx context.Context, resource change.Resource, q ListQuery) (Page, error) {
	t, err := s.table(resource)
	if err != nil {
		return Page{}, err
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	where, args, err := q.Filter.where()
	if err != nil {
		return Page{}, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+t+where, args...).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("failed to count: %w", err)
	}
	items, err := s.query(ctx, s.db,
		`SELECT id, data, created_at, updated_at FROM `+t+where+` ORDER BY id DESC LIMIT ? OFFSET ?`,
		append(args, q.PageSize, (q.Page-1)*q.PageSize)...,
	)
	if err != nil {
		return Page{}, err
	}
	return Page{
		Items:      items,
		TotalItems: total,
		TotalPages: (total + q.PageSize - 1) / q.PageSize,
		Page:       q.Page,
		PageSize:   q.PageSize,
	}, nil
}

func (s *Store) Create(ctx context.Context, resource change.Resource, data change.Entity) (change.Entity, error) {
	t, err := s.table(resource)
	if err != nil {
		return nil, err
	}
	doc, err := encodeDocument(data)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UnixNano()
	res, err := s.db.ExecContext(ctx, `INSERT INTO `+t+`(data, created_at, updated_at) VALUES (?, ?, ?)`, doc, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read id: %w", err)
	}
	record, err := toEntity(id, doc, now, now)
	if err != nil {
		return nil, err
	}
	s.each(func(h Hooks) { h.AfterCreate(ctx, resource, record.Clone()) })
	return record, nil
}

// Update applies patch to one row with merge-patch semantics: nil values remove fields. The id and timestamps are
// owned by the store and are ignored when present in patch.
func (s *Store) Update(ctx context.Context, resource change.Resource, id string, patch change.Entity) (change.Entity, error) {
	t, err := s.table(resource)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Error("failed to rollback", "err", err)
		}
	}()

	existing, err := s.query(ctx, tx, `SELECT id, data, created_at, updated_at FROM `+t+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return nil, ErrNotFound
	}
	current := existing[0]
	rowID, _ := current["id"].(int64)
	created, _ := current["createdAt"].(time.Time)
	merged := current.Clone()
	for k, v := range patch {
		if isReserved(k) {
			continue
		}
		if v == nil {
			delete(merged, k)
		} else {
			merged[k] = v
		}
	}
	doc, err := encodeDocument(merged)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UnixNano()
	if _, err := tx.ExecContext(ctx, `UPDATE `+t+` SET data = ?, updated_at = ? WHERE id = ?`, doc, now, id); err != nil {
		return nil, fmt.Errorf("failed to update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	record, err := toEntity(rowID, doc, created.UnixNano(), now)
	if err != nil {
		return nil, err
	}
	s.each(func(h Hooks) { h.AfterUpdate(ctx, resource, record.Clone()) })
	return record, nil
}

func (s *Store) Destroy(ctx context.Context, resource change.Resource, id string) (change.Entity, error) {
	t, err := s.table(resource)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Error("failed to rollback", "err", err)
		}
	}()

	existing, err := s.query(ctx, tx, `SELECT id, data, created_at, updated_at FROM `+t+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return nil, ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+t+` WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	record := existing[0]
	s.each(func(h Hooks) { h.AfterDestroy(ctx, resource, record.Clone()) })
	return record, nil
}

// BulkUpdate applies patch to every row matching f in a single statement and returns the affected row count.
// The statement itself does not report which rows it touched, so the bulk hooks run inside the same transaction
// and read through it.
func (s *Store) BulkUpdate(ctx context.Context, resource change.Resource, f Filter, patch change.Entity) (int64, error) {
	t, err := s.table(resource)
	if err != nil {
		return 0, err
	}
	if len(f) == 0 {
		return 0, ErrEmptyFilter
	}
	where, args, err := f.where()
	if err != nil {
		return 0, err
	}
	doc, err := encodeDocument(patch)
	if err != nil {
		return 0, err
	}
	m := &Mutation{Resource: resource, Type: change.Update, Filter: f}
	err = s.inBulkTx(ctx, m, func(tx *sql.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx,
			`UPDATE `+t+` SET data = json_patch(data, ?), updated_at = ?`+where,
			append([]any{doc, s.clock.Now().UnixNano()}, args...)...,
		)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to bulk update: %w", err)
	}
	return m.Affected, nil
}

// BulkDestroy deletes every row matching f and returns the affected row count.
func (s *Store) BulkDestroy(ctx context.Context, resource change.Resource, f Filter) (int64, error) {
	t, err := s.table(resource)
	if err != nil {
		return 0, err
	}
	if len(f) == 0 {
		return 0, ErrEmptyFilter
	}
	where, args, err := f.where()
	if err != nil {
		return 0, err
	}
	m := &Mutation{Resource: resource, Type: change.Delete, Filter: f}
	err = s.inBulkTx(ctx, m, func(tx *sql.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx, `DELETE FROM `+t+where, args...)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to bulk delete: %w", err)
	}
	return m.Affected, nil
}

// inBulkTx runs the before hooks, the statement and the after hooks in one transaction, then BulkCommitted once it
// has committed.
func (s *Store) inBulkTx(ctx context.Context, m *Mutation, exec func(tx *sql.Tx) (sql.Result, error)) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Error("failed to rollback", "err", err)
		}
	}()
	txCtx := context.WithValue(ctx, txKey{}, tx)

	before, after := Hooks.BeforeBulkUpdate, Hooks.AfterBulkUpdate
	if m.Type == change.Delete {
		before, after = Hooks.BeforeBulkDestroy, Hooks.AfterBulkDestroy
	}
	s.each(func(h Hooks) { before(h, txCtx, m) })
	res, err := exec(tx)
	if err != nil {
		return err
	}
	m.Affected, _ = res.RowsAffected()
	s.each(func(h Hooks) { after(h, txCtx, m) })
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	s.each(func(h Hooks) { h.BulkCommitted(ctx, m) })
	return nil
}

func (s *Store) each(fn func(h Hooks)) {
	s.mu.RLock()
	hooks := s.hooks
	s.mu.RUnlock()
	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("hook panicked", "err", r)
				}
			}()
			fn(h)
		}()
	}
}

// FormatID renders a row id the way change.Entity.ID does.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
