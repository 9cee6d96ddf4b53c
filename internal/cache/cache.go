package cache

import (
	"sync"
)

// Cache defines a generic keyed store.
type Cache[K comparable, V any] interface {
	// Get retrieves a value from the cache.
	Get(key K) (V, bool)
	// Put stores a value in the cache, replacing any previous value.
	Put(key K, value V)
	// Delete removes a value and reports whether it was present.
	Delete(key K) bool
	// Size returns the number of items in the cache.
	Size() int
}

// MapCache is a simple in-memory implementation of Cache. Values pass through
// clone on the way in and out so callers never share storage with the cache.
type MapCache[K comparable, V any] struct {
	data  map[K]V
	clone func(V) V
	mu    sync.RWMutex
}

// NewMapCache creates an empty cache. A nil clone stores values as given.
func NewMapCache[K comparable, V any](clone func(V) V) *MapCache[K, V] {
	if clone == nil {
		clone = func(v V) V { return v }
	}
	return &MapCache[K, V]{
		data:  make(map[K]V),
		clone: clone,
	}
}

func (c *MapCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if v, ok := c.data[key]; ok {
		return c.clone(v), true
	}
	var zero V
	return zero, false
}

func (c *MapCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = c.clone(value)
}

func (c *MapCache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.data[key]; !ok {
		return false
	}
	delete(c.data, key)
	return true
}

func (c *MapCache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Clear empties the cache and returns how many items were dropped.
func (c *MapCache[K, V]) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.data)
	c.data = make(map[K]V)
	return n
}

// Snapshot returns a cloned copy of every entry.
func (c *MapCache[K, V]) Snapshot() map[K]V {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[K]V, len(c.data))
	for k, v := range c.data {
		out[k] = c.clone(v)
	}
	return out
}
