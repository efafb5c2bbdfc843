// ABOUTME: Size-limited, time-windowed cache of the last fingerprint seen per key.
// ABOUTME: Used by notifiers to drop repeated identical events for the same subject.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry is one key's last fingerprint and when it was recorded.
type entry struct {
	key         string
	fingerprint string
	seen        time.Time
}

// Cache remembers the most recent fingerprint for each key. Entries are kept
// in a list ordered by last update (oldest at front) so expiry and eviction
// both work from the front.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	window  time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache that treats a fingerprint as a repeat for window after
// it was recorded and holds at most maxSize keys.
func New(window time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		window:  window,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Repeat records fingerprint for key and reports whether it matches the
// fingerprint already recorded for key within the window. A repeat does not
// extend the window.
func (c *Cache) Repeat(key, fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expireLocked(now)

	if elem, ok := c.entries[key]; ok {
		e, _ := elem.Value.(*entry)
		if e.fingerprint == fingerprint {
			return true
		}
		e.fingerprint = fingerprint
		e.seen = now
		c.order.MoveToBack(elem)
		return false
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[key] = c.order.PushBack(&entry{key: key, fingerprint: fingerprint, seen: now})
	return false
}

// Forget drops key so its next fingerprint is never a repeat.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
		delete(c.entries, key)
	}
}

// Len returns the number of unexpired keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(c.now())
	return len(c.entries)
}

// expireLocked removes entries older than the window. Must be called with mu held.
func (c *Cache) expireLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e, _ := front.Value.(*entry)
		if now.Sub(e.seen) < c.window {
			return
		}
		c.order.Remove(front)
		delete(c.entries, e.key)
	}
}

// evictOldestLocked removes the least recently updated entry. Must be called with mu held.
func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e, _ := front.Value.(*entry)
	c.order.Remove(front)
	delete(c.entries, e.key)
}
