package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/clock/testclock"

	"github.com/astromechza/livecollections/pkg/change"
)

var dbCounter atomic.Int64

func openTestDB(c *qt.C) *sql.DB {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(c.Name())
	db, err := Open(fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbCounter.Add(1)))
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestStore(c *qt.C) (*Store, *testclock.Clock) {
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s, err := New(context.Background(), openTestDB(c), Config{Clock: clk}, change.Files, change.Users)
	c.Assert(err, qt.IsNil)
	return s, clk
}

type call struct {
	hook     string
	resource change.Resource
	record   change.Entity
	mutation *Mutation
}

type recordingHooks struct {
	calls []call
}

func (r *recordingHooks) AfterCreate(_ context.Context, res change.Resource, e change.Entity) {
	r.calls = append(r.calls, call{hook: "AfterCreate", resource: res, record: e})
}
func (r *recordingHooks) AfterUpdate(_ context.Context, res change.Resource, e change.Entity) {
	r.calls = append(r.calls, call{hook: "AfterUpdate", resource: res, record: e})
}
func (r *recordingHooks) AfterDestroy(_ context.Context, res change.Resource, e change.Entity) {
	r.calls = append(r.calls, call{hook: "AfterDestroy", resource: res, record: e})
}
func (r *recordingHooks) BeforeBulkUpdate(_ context.Context, m *Mutation) {
	r.calls = append(r.calls, call{hook: "BeforeBulkUpdate", resource: m.Resource, mutation: m})
	m.Captured = true
}
func (r *recordingHooks) AfterBulkUpdate(_ context.Context, m *Mutation) {
	r.calls = append(r.calls, call{hook: "AfterBulkUpdate", resource: m.Resource, mutation: m})
}
func (r *recordingHooks) BeforeBulkDestroy(_ context.Context, m *Mutation) {
	r.calls = append(r.calls, call{hook: "BeforeBulkDestroy", resource: m.Resource, mutation: m})
}
func (r *recordingHooks) AfterBulkDestroy(_ context.Context, m *Mutation) {
	r.calls = append(r.calls, call{hook: "AfterBulkDestroy", resource: m.Resource, mutation: m})
}
func (r *recordingHooks) BulkCommitted(_ context.Context, m *Mutation) {
	r.calls = append(r.calls, call{hook: "BulkCommitted", resource: m.Resource, mutation: m})
}

func TestCreateGetDestroy(t *testing.T) {
	c := qt.New(t)
	s, _ := newTestStore(c)
	hooks := &recordingHooks{}
	s.AddHooks(hooks)
	ctx := context.Background()

	created, err := s.Create(ctx, change.Files, change.Entity{"name": "a.txt", "id": "ignored"})
	c.Assert(err, qt.IsNil)
	c.Assert(created["id"], qt.Equals, int64(1))
	c.Assert(created["name"], qt.Equals, "a.txt")
	c.Assert(created["createdAt"], qt.DeepEquals, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	got, err := s.Get(ctx, change.Files, "1")
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, created)

	destroyed, err := s.Destroy(ctx, change.Files, "1")
	c.Assert(err, qt.IsNil)
	c.Assert(destroyed["name"], qt.Equals, "a.txt")

	_, err = s.Get(ctx, change.Files, "1")
	c.Assert(err, qt.ErrorIs, ErrNotFound)
	_, err = s.Destroy(ctx, change.Files, "1")
	c.Assert(err, qt.ErrorIs, ErrNotFound)

	c.Assert(hooks.calls, qt.HasLen, 2)
	c.Assert(hooks.calls[0].hook, qt.Equals, "AfterCreate")
	c.Assert(hooks.calls[1].hook, qt.Equals, "AfterDestroy")
	c.Assert(hooks.calls[1].record["name"], qt.Equals, "a.txt")
}

func TestUpdateMergesAndReportsPostState(t *testing.T) {
	c := qt.New(t)
	s, clk := newTestStore(c)
	hooks := &recordingHooks{}
	s.AddHooks(hooks)
	ctx := context.Background()

	_, err := s.Create(ctx, change.Users, change.Entity{"name": "ann", "role": "admin"})
	c.Assert(err, qt.IsNil)

	clk.Advance(time.Minute)
	updated, err := s.Update(ctx, change.Users, "1", change.Entity{"name": "anne", "role": nil})
	c.Assert(err, qt.IsNil)
	c.Assert(updated["name"], qt.Equals, "anne")
	_, hasRole := updated["role"]
	c.Assert(hasRole, qt.IsFalse)
	c.Assert(updated["updatedAt"], qt.DeepEquals, time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC))
	c.Assert(updated["createdAt"], qt.DeepEquals, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	last := hooks.calls[len(hooks.calls)-1]
	c.Assert(last.hook, qt.Equals, "AfterUpdate")
	c.Assert(last.record["name"], qt.Equals, "anne")

	_, err = s.Update(ctx, change.Users, "42", change.Entity{"name": "x"})
	c.Assert(err, qt.ErrorIs, ErrNotFound)
}

func TestUpdateIgnoresReservedFieldsInPatch(t *testing.T) {
	c := qt.New(t)
	s, clk := newTestStore(c)
	hooks := &recordingHooks{}
	s.AddHooks(hooks)
	ctx := context.Background()

	_, err := s.Create(ctx, change.Files, change.Entity{"name": "a"})
	c.Assert(err, qt.IsNil)

	// an entity as a client decodes it from JSON and sends it back
	clk.Advance(time.Minute)
	updated, err := s.Update(ctx, change.Files, "1", change.Entity{
		"id":        float64(1),
		"createdAt": "2020-01-01T00:00:00Z",
		"updatedAt": "2020-01-01T00:00:00Z",
		"name":      "b",
	})
	c.Assert(err, qt.IsNil)
	c.Assert(updated["id"], qt.Equals, int64(1))
	c.Assert(updated["name"], qt.Equals, "b")
	c.Assert(updated["createdAt"], qt.DeepEquals, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c.Assert(updated["updatedAt"], qt.DeepEquals, time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC))

	last := hooks.calls[len(hooks.calls)-1]
	c.Assert(last.hook, qt.Equals, "AfterUpdate")
	c.Assert(last.record, qt.DeepEquals, updated)

	got, err := s.Get(ctx, change.Files, "1")
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, updated)
}

type txReadingHooks struct {
	recordingHooks
	s      *Store
	before []change.Entity
	after  []change.Entity
}

func (h *txReadingHooks) BeforeBulkDestroy(ctx context.Context, m *Mutation) {
	h.before, _ = h.s.FindAll(ctx, m.Resource, m.Filter)
}

func (h *txReadingHooks) AfterBulkDestroy(ctx context.Context, m *Mutation) {
	h.after, _ = h.s.FindAll(ctx, m.Resource, nil)
}

func TestBulkHooksReadThroughTheMutationTransaction(t *testing.T) {
	c := qt.New(t)
	s, _ := newTestStore(c)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Create(ctx, change.Files, change.Entity{"n": i})
		c.Assert(err, qt.IsNil)
	}
	hooks := &txReadingHooks{s: s}
	s.AddHooks(hooks)

	n, err := s.BulkDestroy(ctx, change.Files, Filter{"n": 1})
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, int64(1))
	c.Assert(hooks.before, qt.HasLen, 1)
	c.Assert(hooks.before[0]["id"], qt.Equals, int64(2))
	// the delete is visible inside the transaction before commit
	c.Assert(hooks.after, qt.HasLen, 2)
}

func TestBulkUpdateRunsHooksAroundStatement(t *testing.T) {
	c := qt.New(t)
	s, _ := newTestStore(c)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		status := "pending"
		if i%2 == 1 {
			status = "done"
		}
		_, err := s.Create(ctx, change.Files, change.Entity{"n": i, "status": status})
		c.Assert(err, qt.IsNil)
	}
	hooks := &recordingHooks{}
	s.AddHooks(hooks)

	n, err := s.BulkUpdate(ctx, change.Files, Filter{"status": "pending"}, change.Entity{"status": "active"})
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, int64(3))

	c.Assert(hooks.calls, qt.HasLen, 3)
	c.Assert(hooks.calls[0].hook, qt.Equals, "BeforeBulkUpdate")
	c.Assert(hooks.calls[1].hook, qt.Equals, "AfterBulkUpdate")
	c.Assert(hooks.calls[2].hook, qt.Equals, "BulkCommitted")
	// the same accumulator is threaded through every hook
	c.Assert(hooks.calls[0].mutation, qt.Equals, hooks.calls[1].mutation)
	c.Assert(hooks.calls[1].mutation, qt.Equals, hooks.calls[2].mutation)
	c.Assert(hooks.calls[2].mutation.Type, qt.Equals, change.Update)
	c.Assert(hooks.calls[2].mutation.Captured, qt.IsTrue)
	c.Assert(hooks.calls[2].mutation.Affected, qt.Equals, int64(3))

	active, err := s.FindAll(ctx, change.Files, Filter{"status": "active"})
	c.Assert(err, qt.IsNil)
	c.Assert(active, qt.HasLen, 3)
	pending, err := s.FindAll(ctx, change.Files, Filter{"status": "pending"})
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.HasLen, 0)
}

func TestBulkDestroy(t *testing.T) {
	c := qt.New(t)
	s, _ := newTestStore(c)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := s.Create(ctx, change.Files, change.Entity{"n": i})
		c.Assert(err, qt.IsNil)
	}
	hooks := &recordingHooks{}
	s.AddHooks(hooks)

	n, err := s.BulkDestroy(ctx, change.Files, Filter{"id": []string{"1", "3"}})
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, int64(2))
	c.Assert(hooks.calls, qt.HasLen, 3)
	c.Assert(hooks.calls[0].mutation, qt.Equals, hooks.calls[2].mutation)
	c.Assert(hooks.calls[2].hook, qt.Equals, "BulkCommitted")
	c.Assert(hooks.calls[2].mutation.Type, qt.Equals, change.Delete)

	rest, err := s.FindAll(ctx, change.Files, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(rest, qt.HasLen, 2)
	c.Assert(rest[0]["id"], qt.Equals, int64(2))
	c.Assert(rest[1]["id"], qt.Equals, int64(4))
}

func TestBulkRequiresFilter(t *testing.T) {
	c := qt.New(t)
	s, _ := newTestStore(c)
	ctx := context.Background()

	_, err := s.BulkUpdate(ctx, change.Files, nil, change.Entity{"x": 1})
	c.Assert(err, qt.ErrorIs, ErrEmptyFilter)
	_, err = s.BulkDestroy(ctx, change.Files, Filter{})
	c.Assert(err, qt.ErrorIs, ErrEmptyFilter)
}

func TestListIsNewestFirstAndPaginated(t *testing.T) {
	c := qt.New(t)
	s, _ := newTestStore(c)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		_, err := s.Create(ctx, change.Files, change.Entity{"n": i, "kind": "doc"})
		c.Assert(err, qt.IsNil)
	}

	page, err := s.List(ctx, change.Files, ListQuery{PageSize: 10, Page: 3, Filter: Filter{"kind": "doc"}})
	c.Assert(err, qt.IsNil)
	c.Assert(page.TotalItems, qt.Equals, 25)
	c.Assert(page.TotalPages, qt.Equals, 3)
	c.Assert(page.Items, qt.HasLen, 5)
	c.Assert(page.Items[0]["id"], qt.Equals, int64(5))
	c.Assert(page.Items[4]["id"], qt.Equals, int64(1))

	first, err := s.List(ctx, change.Files, ListQuery{})
	c.Assert(err, qt.IsNil)
	c.Assert(first.Items, qt.HasLen, DefaultPageSize)
	c.Assert(first.Items[0]["id"], qt.Equals, int64(25))
}

func TestUnknownResourceAndBadFilter(t *testing.T) {
	c := qt.New(t)
	s, _ := newTestStore(c)
	ctx := context.Background()

	_, err := s.FindAll(ctx, "secrets", nil)
	c.Assert(err, qt.ErrorIs, ErrUnknownResource)

	_, err = s.FindAll(ctx, change.Files, Filter{"name') OR 1=1 --": "x"})
	c.Assert(err, qt.ErrorMatches, `invalid filter field .*`)
}

func TestFilterWhere(t *testing.T) {
	c := qt.New(t)

	where, args, err := Filter{"status": "a", "id": []int{1, 2}, "gone": nil, "none": []string{}}.where()
	c.Assert(err, qt.IsNil)
	c.Assert(where, qt.Equals, " WHERE json_extract(data, '$.gone') IS NULL AND id IN (?,?) AND 0 AND json_extract(data, '$.status') = ?")
	c.Assert(args, qt.DeepEquals, []any{1, 2, "a"})
}

type panickingHooks struct{ recordingHooks }

func (p *panickingHooks) AfterCreate(context.Context, change.Resource, change.Entity) { panic("boom") }

func TestHookPanicDoesNotFailWrite(t *testing.T) {
	c := qt.New(t)
	s, _ := newTestStore(c)
	s.AddHooks(&panickingHooks{})
	after := &recordingHooks{}
	s.AddHooks(after)

	_, err := s.Create(context.Background(), change.Files, change.Entity{"name": "x"})
	c.Assert(err, qt.IsNil)
	c.Assert(after.calls, qt.HasLen, 1)
}
