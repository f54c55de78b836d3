package eventbox

import (
	"container/list"
	"sync"
)

type (
	// lruCache tracks the most recently used projections by aggregate key.
	// Entries carry their own mutex so a slow load for one aggregate never
	// blocks commands against another
	lruCache[T any] struct {
		entries map[string]*list.Element
		order   *list.List
		maxSize int
		mu      sync.Mutex
	}

	constructor[T any] func() T

	cacheEntry[T any] struct {
		value T
		key   string
		mu    sync.Mutex
	}
)

const DefaultCacheSize = 4096

func newLRUCache[T any](maxSize int) *lruCache[T] {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &lruCache[T]{
		entries: map[string]*list.Element{},
		order:   list.New(),
		maxSize: maxSize,
	}
}

// Get returns the entry for key, creating it with cons when absent. The
// entry moves to the front of the eviction order either way
func (c *lruCache[T]) Get(key string, cons constructor[T]) *cacheEntry[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(*cacheEntry[T])
	}

	entry := &cacheEntry[T]{key: key, value: cons()}
	c.entries[key] = c.order.PushFront(entry)
	for c.order.Len() > c.maxSize {
		c.evictOldest()
	}
	return entry
}

// Remove drops the entry for key, if present
func (c *lruCache[T]) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
		delete(c.entries, key)
	}
}

func (c *lruCache[T]) evictOldest() {
	back := c.order.Back()
	if back == nil {
		return
	}
	c.order.Remove(back)
	delete(c.entries, back.Value.(*cacheEntry[T]).key)
}
