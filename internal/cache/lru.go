package cache

import (
	"container/list"
)

type entry[K comparable, V any] struct {
	key   K
	value V
}

// LRU is a bounded map that evicts the least recently used entry once it
// holds more than its capacity. Every operation is O(1). LRU is not safe for
// concurrent use; callers own the synchronization.
type LRU[K comparable, V any] struct {
	items    map[K]*list.Element // O(1) lookups
	order    *list.List          // front is most recently used
	capacity int

	evictions uint64
}

// NewLRU returns an LRU holding at most capacity entries. A capacity below one
// is treated as one.
func NewLRU[K comparable, V any](capacity int) *LRU[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU[K, V]{
		items:    make(map[K]*list.Element, capacity),
		order:    list.New(),
		capacity: capacity,
	}
}

// Get returns the value for key and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	node, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.MoveToFront(node)
	return node.Value.(*entry[K, V]).value, true
}

// Peek returns the value for key without touching its recency.
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	node, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return node.Value.(*entry[K, V]).value, true
}

// Add inserts or updates key and marks it most recently used. It reports
// whether an older entry was evicted to make room.
func (c *LRU[K, V]) Add(key K, value V) bool {
	if node, ok := c.items[key]; ok {
		node.Value.(*entry[K, V]).value = value
		c.order.MoveToFront(node)
		return false
	}

	// Reuse the back node when full so no allocation happens at steady state.
	if len(c.items) >= c.capacity {
		node := c.order.Back()
		old := node.Value.(*entry[K, V])
		delete(c.items, old.key)
		old.key = key
		old.value = value
		c.order.MoveToFront(node)
		c.items[key] = node
		c.evictions++
		return true
	}

	c.items[key] = c.order.PushFront(&entry[K, V]{key: key, value: value})
	return false
}

// Remove deletes key if present.
func (c *LRU[K, V]) Remove(key K) bool {
	node, ok := c.items[key]
	if !ok {
		return false
	}
	c.order.Remove(node)
	delete(c.items, key)
	return true
}

// Oldest returns the least recently used key.
func (c *LRU[K, V]) Oldest() (K, bool) {
	node := c.order.Back()
	if node == nil {
		var zero K
		return zero, false
	}
	return node.Value.(*entry[K, V]).key, true
}

// Resize changes the capacity, evicting least recently used entries until the
// cache fits. It returns the number of entries evicted.
func (c *LRU[K, V]) Resize(capacity int) int {
	if capacity < 1 {
		capacity = 1
	}
	c.capacity = capacity

	evicted := 0
	for len(c.items) > c.capacity {
		node := c.order.Back()
		c.order.Remove(node)
		delete(c.items, node.Value.(*entry[K, V]).key)
		evicted++
	}
	c.evictions += uint64(evicted)
	return evicted
}

// Keys returns keys from most to least recently used.
func (c *LRU[K, V]) Keys() []K {
	keys := make([]K, 0, len(c.items))
	for node := c.order.Front(); node != nil; node = node.Next() {
		keys = append(keys, node.Value.(*entry[K, V]).key)
	}
	return keys
}

// Len returns the number of entries.
func (c *LRU[K, V]) Len() int { return len(c.items) }

// Cap returns the current capacity.
func (c *LRU[K, V]) Cap() int { return c.capacity }

// Evictions returns how many entries were evicted over the cache lifetime.
func (c *LRU[K, V]) Evictions() uint64 { return c.evictions }
