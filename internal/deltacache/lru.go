package deltacache

import (
	"container/list"
	"sync"
)

// maxHistoryPerKey bounds the FIFO snapshot history kept per canonical
// key; older entries are dropped once a key exceeds this depth.
const maxHistoryPerKey = 5

// Cache is the bounded, LRU-evicted collection of per-key snapshot
// histories. One writer per key (the HTTP handler that just fetched that
// page); many concurrent readers via their own fetches.
type Cache struct {
	mu       sync.Mutex
	limit    int
	order    *list.List // front = most recently used
	elements map[string]*list.Element
	history  map[string][]PageSnapshot
}

// NewCache builds a Cache bounded to at most limit distinct keys.
func NewCache(limit int) *Cache {
	return &Cache{
		limit:    limit,
		order:    list.New(),
		elements: make(map[string]*list.Element),
		history:  make(map[string][]PageSnapshot),
	}
}

// Append records snap as the newest entry for key, evicting the oldest
// history entry past the per-key cap and, if key is new and the cache is
// at capacity, evicting the least-recently-used key entirely.
func (c *Cache) Append(key string, snap PageSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.elements[key]; ok {
		c.order.MoveToFront(el)
	} else {
		if c.limit > 0 && len(c.elements) >= c.limit {
			c.evictOldest()
		}
		c.elements[key] = c.order.PushFront(key)
	}

	hist := append(c.history[key], snap)
	if len(hist) > maxHistoryPerKey {
		hist = hist[len(hist)-maxHistoryPerKey:]
	}
	c.history[key] = hist
}

func (c *Cache) evictOldest() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	key := oldest.Value.(string)
	c.order.Remove(oldest)
	delete(c.elements, key)
	delete(c.history, key)
}

// FindByContentHash returns the most recent snapshot in key's history
// whose ContentHash equals since, searching newest-first.
func (c *Cache) FindByContentHash(key, since string) (PageSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hist := c.history[key]
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].ContentHash == since {
			return hist[i], true
		}
	}
	return PageSnapshot{}, false
}

// KeyCount reports the number of distinct keys currently tracked.
func (c *Cache) KeyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.elements)
}

// HistoryLen reports the history depth for key, for tests.
func (c *Cache) HistoryLen(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history[key])
}
