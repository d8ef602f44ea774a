package capture

import (
	"context"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/astromechza/livecollections/pkg/change"
	"github.com/astromechza/livecollections/pkg/config"
	"github.com/astromechza/livecollections/pkg/store"
)

func TestBuildTableFromConfig(t *testing.T) {
	c := qt.New(t)
	var table *Table
	f := newFixture(c, func(s *store.Store) []Registration {
		var err error
		table, err = BuildTable(s, config.Default().Resources)
		c.Assert(err, qt.IsNil)
		return nil
	})
	c.Assert(table.Resources(), qt.DeepEquals, []change.Resource{change.AuditLogs, change.Files, change.Users})

	_, ok := table.Lookup(change.AuditLogs, change.Create)
	c.Assert(ok, qt.IsTrue)
	_, ok = table.Lookup(change.AuditLogs, change.Delete)
	c.Assert(ok, qt.IsFalse)

	users, ok := table.Lookup(change.Users, change.Update)
	c.Assert(ok, qt.IsTrue)
	c.Assert(users.Redact, qt.DeepEquals, []string{"passwordHash"})
	c.Assert(users.Hydrate, qt.IsNotNil)

	_, err := BuildTable(f.store, []config.Resource{{Name: "groups"}})
	c.Assert(err, qt.ErrorMatches, `resource "groups" is not a store table`)
}

func TestUserEventsCarryResolvedAvatar(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, func(s *store.Store) []Registration {
		table, err := BuildTable(s, config.Default().Resources)
		c.Assert(err, qt.IsNil)
		return []Registration{table.entries[change.Users]}
	})
	ctx := context.Background()

	file, err := f.store.Create(ctx, change.Files, change.Entity{"name": "me.png", "checksum": "sha256:abc"})
	c.Assert(err, qt.IsNil)
	_, err = f.store.Create(ctx, change.Users, change.Entity{
		"name":         "ada",
		"passwordHash": "secret",
		AvatarField:    file["id"],
	})
	c.Assert(err, qt.IsNil)
	// a dangling reference still emits
	_, err = f.store.Create(ctx, change.Users, change.Entity{"name": "bob", AvatarField: 999})
	c.Assert(err, qt.IsNil)

	events := f.pub.take()
	c.Assert(events, qt.HasLen, 2)
	c.Assert(events[0].Entity[Avatar], qt.DeepEquals, map[string]any{
		"id":       file["id"],
		"name":     "me.png",
		"checksum": "sha256:abc",
	})
	_, hasHash := events[0].Entity["passwordHash"]
	c.Assert(hasHash, qt.IsFalse)
	_, hasAvatar := events[1].Entity[Avatar]
	c.Assert(hasAvatar, qt.IsFalse)
	c.Assert(events[1].Entity["name"], qt.Equals, "bob")
}
