package store

import (
	"context"

	"github.com/astromechza/livecollections/pkg/change"
)

// Hooks observe mutations. They cannot fail the write: implementations log their own failures.
//
// The single-record hooks run after commit. The Before* and After* bulk hooks run inside the bulk mutation's
// transaction, before and after its statement, and reads made through the Store with the ctx they receive go
// through that transaction. They must not write. BulkCommitted runs once the transaction has committed and is
// skipped when it rolls back.
type Hooks interface {
	AfterCreate(ctx context.Context, resource change.Resource, record change.Entity)
	AfterUpdate(ctx context.Context, resource change.Resource, record change.Entity)
	AfterDestroy(ctx context.Context, resource change.Resource, record change.Entity)
	BeforeBulkUpdate(ctx context.Context, m *Mutation)
	AfterBulkUpdate(ctx context.Context, m *Mutation)
	BeforeBulkDestroy(ctx context.Context, m *Mutation)
	AfterBulkDestroy(ctx context.Context, m *Mutation)
	BulkCommitted(ctx context.Context, m *Mutation)
}

// Mutation accumulates state across the hooks of one bulk call. A new one is created for every BulkUpdate and
// BulkDestroy and is never shared between calls.
type Mutation struct {
	Resource change.Resource
	// Type is change.Update for BulkUpdate and change.Delete for BulkDestroy.
	Type   change.Type
	Filter Filter

	// Captured is true once a Before* hook recorded the affected rows.
	Captured bool
	// IDs of the rows matching Filter before a bulk update.
	IDs []string
	// Rows holds the pre-deletion rows of a bulk destroy, or the post-update rows of a bulk update once
	// AfterBulkUpdate has re-queried them.
	Rows []change.Entity
	// Err is set when the pre-mutation capture failed.
	Err error

	// Affected is the row count reported by the database.
	Affected int64
}
