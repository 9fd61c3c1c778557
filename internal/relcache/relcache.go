// Package relcache keeps open relation handles by name so that per-handle
// state, like the rightmost-leaf hint of an index, survives between calls.
package relcache

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
	"golang.org/x/sync/singleflight"
)

const DefaultCapacity = 128

func hashName(name string) uint32 {
	return uint32(xxhash.Sum64String(name))
}

// Stats counts lookups since the cache was built.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Cache is a bounded LRU of handles. Concurrent misses on one name share a
// single load.
type Cache[V any] struct {
	lru   *freelru.SyncedLRU[string, V]
	group singleflight.Group
	log   *slog.Logger

	hits, misses, evictions atomic.Uint64
}

func New[V any](capacity int, log *slog.Logger) (*Cache[V], error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if log == nil {
		log = slog.Default()
	}
	lru, err := freelru.NewSynced[string, V](uint32(capacity), hashName)
	if err != nil {
		return nil, fmt.Errorf("relcache: %w", err)
	}
	c := &Cache[V]{lru: lru, log: log}
	lru.SetOnEvict(func(name string, _ V) {
		c.evictions.Add(1)
		c.log.Debug("relcache.evict", "rel", name)
	})
	return c, nil
}

// Get returns the cached handle for name, calling load on a miss.
func (c *Cache[V]) Get(name string, load func() (V, error)) (V, error) {
	if v, ok := c.lru.Get(name); ok {
		c.hits.Add(1)
		return v, nil
	}
	res, err, _ := c.group.Do(name, func() (any, error) {
		if v, ok := c.lru.Get(name); ok {
			c.hits.Add(1)
			return v, nil
		}
		c.misses.Add(1)
		v, err := load()
		if err != nil {
			return nil, err
		}
		c.lru.Add(name, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Peek returns the cached handle without loading.
func (c *Cache[V]) Peek(name string) (V, bool) {
	return c.lru.Peek(name)
}

// Invalidate forgets name. The next Get loads it again.
func (c *Cache[V]) Invalidate(name string) {
	c.lru.Remove(name)
}

func (c *Cache[V]) Purge() {
	c.lru.Purge()
}

func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
