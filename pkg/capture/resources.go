package capture

import (
	"context"
	"fmt"

	"github.com/astromechza/livecollections/pkg/change"
	"github.com/astromechza/livecollections/pkg/config"
	"github.com/astromechza/livecollections/pkg/store"
)

// AvatarField on a user references a files record. HydrateAvatar resolves it into the Avatar field.
const (
	AvatarField = "avatarFileId"
	Avatar      = "avatar"
)

// BuildTable registers every configured resource against the store.
func BuildTable(st *store.Store, resources []config.Resource) (*Table, error) {
	regs := make([]Registration, 0, len(resources))
	for _, r := range resources {
		if !st.Has(r.Name) {
			return nil, fmt.Errorf("resource %q is not a store table", r.Name)
		}
		reg := Registration{
			Resource: r.Name,
			Events:   r.Mask(),
			Query:    st.Finder(r.Name),
			Redact:   r.Redact,
		}
		if r.Name == change.Users && st.Has(change.Files) {
			reg.Hydrate = HydrateAvatar(st)
		}
		regs = append(regs, reg)
	}
	return NewTable(regs...)
}

// HydrateAvatar replaces the user's avatar with a summary of the referenced file.
func HydrateAvatar(st *store.Store) HydrateFunc {
	return func(ctx context.Context, e change.Entity) (change.Entity, error) {
		ref, ok := change.Entity{"id": e[AvatarField]}.ID()
		if !ok {
			return e, nil
		}
		file, err := st.Get(ctx, change.Files, ref)
		if err != nil {
			return e, fmt.Errorf("failed to resolve avatar %s: %w", ref, err)
		}
		e[Avatar] = map[string]any{
			"id":       file["id"],
			"name":     file["name"],
			"checksum": file["checksum"],
		}
		return e, nil
	}
}
