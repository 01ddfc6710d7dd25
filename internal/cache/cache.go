// Package cache implements the compiled-query cache: a bounded map
// from (query text, output mode) to a compiled query unit, evicted by
// LRU. Ownership of a unit is independent of cache membership; an
// in-flight request holding a unit keeps it alive past eviction with
// no reference counting needed.
package cache

import (
	"container/list"
	"sync"

	"github.com/gelsrv/edgecore/internal/queryunit"
)

type key struct {
	text string
	mode string
}

type entry struct {
	key  key
	unit *queryunit.Unit
}

// Cache is a bounded, LRU-evicted (query text, output mode) -> unit map.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	index    map[key]*list.Element
}

// New creates a cache holding at most capacity entries.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[key]*list.Element),
	}
}

// Lookup returns the cached unit for (text, mode), promoting it to
// most-recently-used, or nil if absent.
func (c *Cache) Lookup(text, mode string) *queryunit.Unit {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key{text, mode}]
	if !ok {
		return nil
	}
	c.order.MoveToFront(el)
	return el.Value.(*entry).unit
}

// Insert stores unit under (text, mode) if the unit is cacheable,
// evicting the least-recently-used entry once over capacity. A second
// insert under the same key replaces the stored pointer; lookups
// observe whichever unit was inserted last.
func (c *Cache) Insert(text, mode string, unit *queryunit.Unit) {
	if unit == nil || !unit.Cacheable {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{text, mode}
	if el, ok := c.index[k]; ok {
		el.Value.(*entry).unit = unit
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&entry{key: k, unit: unit})
	c.index[k] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(*entry).key)
	}
}

// Len returns the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
