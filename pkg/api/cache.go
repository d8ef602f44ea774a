package api

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/astromechza/livecollections/pkg/change"
)

// responseCache holds encoded list responses keyed by resource and query. Entries of a resource are dropped on any
// change to it. A generation per resource stops a list computed before an invalidation from being stored after it.
type responseCache struct {
	entries *lru.Cache

	mu          sync.Mutex
	generations map[change.Resource]uint64
}

func newResponseCache(size int) (*responseCache, error) {
	entries, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &responseCache{entries: entries, generations: make(map[change.Resource]uint64)}, nil
}

func cacheKey(resource change.Resource, rawQuery string) string {
	return string(resource) + "?" + rawQuery
}

func (c *responseCache) get(resource change.Resource, rawQuery string) ([]byte, bool) {
	v, ok := c.entries.Get(cacheKey(resource, rawQuery))
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (c *responseCache) generation(resource change.Resource) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[resource]
}

func (c *responseCache) put(resource change.Resource, rawQuery string, gen uint64, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[resource] != gen {
		return
	}
	c.entries.Add(cacheKey(resource, rawQuery), body)
}

func (c *responseCache) invalidate(resource change.Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[resource]++
	prefix := string(resource) + "?"
	for _, k := range c.entries.Keys() {
		if s, ok := k.(string); ok && strings.HasPrefix(s, prefix) {
			c.entries.Remove(k)
		}
	}
}

func (c *responseCache) len() int {
	return c.entries.Len()
}
