// Package decodecache keeps decoded animated emotes in a bounded LRU and fans
// frame signals out to every view showing a given emote.
package decodecache

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultCapacity is the number of decoded emotes kept when no capacity is given.
const DefaultCapacity = 128

// ReleaseFunc is called exactly once for every value that leaves the cache.
type ReleaseFunc[V any] func(id string, v V)

type evicted[V any] struct {
	id    string
	value V
}

// Stats are cumulative counters of one Cache.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Cache is an LRU of decoded image handles keyed by emote id. Values that
// leave the cache through capacity eviction, replacement, Invalidate or Purge
// are handed to the release function outside the LRU lock but while holding
// the lock of their key, so a release never overlaps a Get or Add of the same
// id.
type Cache[V any] struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[string, V]
	pending []evicted[V]

	keys    keyedMutex
	release ReleaseFunc[V]

	hits, misses, evictions atomic.Uint64
}

// New returns a cache holding at most capacity values. A capacity <= 0 uses
// DefaultCapacity; release may be nil.
func New[V any](capacity int, release ReleaseFunc[V]) *Cache[V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache[V]{release: release}
	// only fails for a non-positive size
	c.lru, _ = simplelru.NewLRU[string, V](capacity, func(id string, v V) {
		c.pending = append(c.pending, evicted[V]{id: id, value: v})
	})
	return c
}

// Get returns the value for id and marks it recently used.
func (c *Cache[V]) Get(id string) (V, bool) {
	unlock := c.keys.lock(id)
	defer unlock()

	c.mu.Lock()
	v, ok := c.lru.Get(id)
	c.mu.Unlock()

	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Add inserts or replaces the value for id. A replaced value is released.
func (c *Cache[V]) Add(id string, v V) {
	unlock := c.keys.lock(id)
	c.mu.Lock()
	if c.lru.Contains(id) {
		c.lru.Remove(id)
	}
	c.lru.Add(id, v)
	out := c.takePending()
	c.mu.Unlock()

	c.releaseAll(id, out, unlock)
}

// GetOrLoad returns the cached value for id or stores the result of load.
// Concurrent callers for one id wait for the first load. A failed load is
// not cached.
func (c *Cache[V]) GetOrLoad(id string, load func() (V, error)) (V, error) {
	unlock := c.keys.lock(id)

	c.mu.Lock()
	if v, ok := c.lru.Get(id); ok {
		c.mu.Unlock()
		unlock()
		c.hits.Add(1)
		return v, nil
	}
	c.mu.Unlock()
	c.misses.Add(1)

	v, err := load()
	if err != nil {
		unlock()
		var zero V
		return zero, err
	}

	c.mu.Lock()
	c.lru.Add(id, v)
	out := c.takePending()
	c.mu.Unlock()

	c.releaseAll(id, out, unlock)
	return v, nil
}

// Invalidate drops id and releases its value. It reports whether id was cached.
func (c *Cache[V]) Invalidate(id string) bool {
	unlock := c.keys.lock(id)
	c.mu.Lock()
	present := c.lru.Remove(id)
	out := c.takePending()
	c.mu.Unlock()

	c.releaseAll(id, out, unlock)
	return present
}

// Purge releases every cached value.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	c.lru.Purge()
	out := c.takePending()
	c.mu.Unlock()

	c.releaseAll("", out, func() {})
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Keys returns the cached ids from oldest to newest.
func (c *Cache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

func (c *Cache[V]) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Evictions: c.evictions.Load()}
}

// takePending must be called with c.mu held.
func (c *Cache[V]) takePending() []evicted[V] {
	out := c.pending
	c.pending = nil
	return out
}

// releaseAll releases evicted values. Values of held (whose key lock the
// caller owns) are released first; the lock is then dropped before taking the
// lock of any other key, so at most one key lock is held at a time.
func (c *Cache[V]) releaseAll(held string, out []evicted[V], unlock func()) {
	var others []evicted[V]
	for _, e := range out {
		if held != "" && e.id == held {
			c.releaseOne(e)
			continue
		}
		others = append(others, e)
	}
	unlock()

	for _, e := range others {
		u := c.keys.lock(e.id)
		c.releaseOne(e)
		u()
	}
}

func (c *Cache[V]) releaseOne(e evicted[V]) {
	c.evictions.Add(1)
	if c.release != nil {
		c.release(e.id, e.value)
	}
}

// keyedMutex hands out one mutex per key, dropping it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*refMutex{}
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
