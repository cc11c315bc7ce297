// Package cache provides the node arena: decoded index nodes indexed by their
// log address.
//
// Nodes are pure functions of their on-disk bytes and addresses are never
// reused, so an entry never goes stale and can be evicted at any time. The
// cache is safe for concurrent use; readers share it while the single
// writer populates it.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/aalhour/segdb/internal/btree"
	"github.com/aalhour/segdb/internal/dbformat"
)

// NodeCache is a thread-safe LRU of decoded nodes with a capacity counted in
// nodes. A capacity of 0 disables caching.
type NodeCache struct {
	mu       sync.Mutex
	capacity int
	table    map[dbformat.Address]*list.Element
	lru      *list.List // front is most recently used

	// Statistics
	hits   atomic.Uint64
	misses atomic.Uint64
}

type lruEntry struct {
	addr dbformat.Address
	node *btree.Node
}

// getEntry extracts an lruEntry from a list element. The list only ever
// stores *lruEntry.
func getEntry(elem *list.Element) *lruEntry {
	entry, _ := elem.Value.(*lruEntry)
	return entry
}

// New creates a node cache holding up to capacity nodes.
func New(capacity int) *NodeCache {
	return &NodeCache{
		capacity: max(capacity, 0),
		table:    make(map[dbformat.Address]*list.Element),
		lru:      list.New(),
	}
}

// Get returns the node cached for addr.
func (c *NodeCache) Get(addr dbformat.Address) (*btree.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.table[addr]; ok {
		c.lru.MoveToFront(elem)
		c.hits.Add(1)
		return getEntry(elem).node, true
	}
	c.misses.Add(1)
	return nil, false
}

// Put caches n under addr. The caller must not modify n afterwards.
func (c *NodeCache) Put(addr dbformat.Address, n *btree.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity == 0 {
		return
	}
	if elem, ok := c.table[addr]; ok {
		getEntry(elem).node = n
		c.lru.MoveToFront(elem)
		return
	}
	for c.lru.Len() >= c.capacity {
		c.evictOne()
	}
	c.table[addr] = c.lru.PushFront(&lruEntry{addr: addr, node: n})
}

// Erase drops addr from the cache.
func (c *NodeCache) Erase(addr dbformat.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.table[addr]; ok {
		c.removeEntry(elem)
	}
}

// EraseSegment drops every node stored in the segment with the given
// ordinal.
func (c *NodeCache) EraseSegment(ordinal uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for addr, elem := range c.table {
		if addr.Ordinal() == ordinal {
			c.removeEntry(elem)
		}
	}
}

// SetCapacity changes the capacity, evicting as needed.
func (c *NodeCache) SetCapacity(capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.capacity = max(capacity, 0)
	for c.lru.Len() > c.capacity {
		c.evictOne()
	}
}

// Capacity returns the maximum number of cached nodes.
func (c *NodeCache) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// Len returns the number of cached nodes.
func (c *NodeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}

// Clear drops every entry.
func (c *NodeCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table = make(map[dbformat.Address]*list.Element)
	c.lru.Init()
}

// HitCount returns the number of cache hits.
func (c *NodeCache) HitCount() uint64 { return c.hits.Load() }

// MissCount returns the number of cache misses.
func (c *NodeCache) MissCount() uint64 { return c.misses.Load() }

// HitRate returns the cache hit rate (0.0 to 1.0).
func (c *NodeCache) HitRate() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total)
}

// evictOne evicts the least recently used entry.
// Must be called with mu held.
func (c *NodeCache) evictOne() {
	if e := c.lru.Back(); e != nil {
		c.removeEntry(e)
	}
}

// removeEntry removes an entry from the cache.
// Must be called with mu held.
func (c *NodeCache) removeEntry(elem *list.Element) {
	delete(c.table, getEntry(elem).addr)
	c.lru.Remove(elem)
}
