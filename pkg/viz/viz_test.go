package viz

import (
	"bytes"
	"os"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/goccy/go-graphviz"

	"github.com/astromechza/livecollections/pkg/change"
	"github.com/astromechza/livecollections/pkg/registry"
)

func TestRenderRegistry(t *testing.T) {
	c := qt.New(t)
	snap := registry.Snapshot{
		Connections: []string{"0b7f4c1a-aaaa", "9d2e77f0-bbbb"},
		Resources: map[change.Resource][]string{
			change.Files:     {"0b7f4c1a-aaaa", "9d2e77f0-bbbb"},
			change.AuditLogs: {"9d2e77f0-bbbb"},
		},
	}
	var buff bytes.Buffer
	c.Assert(RenderRegistry(snap, graphviz.SVG, &buff), qt.IsNil)
	out := buff.String()
	c.Assert(out, qt.Contains, "<svg")
	c.Assert(out, qt.Contains, "files (2)")
	c.Assert(out, qt.Contains, "audit_logs (1)")
	c.Assert(out, qt.Contains, "0b7f4c1a")
}

func TestRenderToTemp(t *testing.T) {
	c := qt.New(t)
	path, err := RenderToTemp(registry.Snapshot{})
	c.Assert(err, qt.IsNil)
	defer os.Remove(path)
	raw, err := os.ReadFile(path)
	c.Assert(err, qt.IsNil)
	c.Assert(string(raw), qt.Contains, "<svg")
}
