// Package viz renders the live subscription graph: one node per connection, one node per resource, and an edge
// for every subscription.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/livecollections/pkg/change"
	"github.com/astromechza/livecollections/pkg/registry"
)

func RenderRegistry(snap registry.Snapshot, format graphviz.Format, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()
	graph.SetRankDir(cgraph.LRRank)

	connNodes := make(map[string]*cgraph.Node, len(snap.Connections))
	for _, id := range snap.Connections {
		n, err := graph.CreateNode("conn:" + id)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		label := id
		if len(label) > 8 {
			label = label[:8]
		}
		n.SetLabel(label)
		connNodes[id] = n
	}

	resources := make([]change.Resource, 0, len(snap.Resources))
	for r := range snap.Resources {
		resources = append(resources, r)
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i] < resources[j] })

	var edgeCounter int
	for _, r := range resources {
		subscribers := snap.Resources[r]
		rn, err := graph.CreateNode("resource:" + string(r))
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		rn.SetShape(cgraph.BoxShape)
		rn.SetLabel(fmt.Sprintf("%s (%d)", r, len(subscribers)))

		for _, id := range subscribers {
			cn, ok := connNodes[id]
			if !ok {
				continue
			}
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), cn, rn); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, format, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

func RenderRegistryToSvg(snap registry.Snapshot, outputPath string) error {
	var buff bytes.Buffer
	if err := RenderRegistry(snap, graphviz.SVG, &buff); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

func RenderToTemp(snap registry.Snapshot) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderRegistryToSvg(snap, tf); err != nil {
		return "", err
	}
	return tf, nil
}
