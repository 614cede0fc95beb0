// ABOUTME: Thread-safe TTL cache mapping idempotency keys to the turns they produced.
// ABOUTME: A retried request with the same key replays the recorded turn instead of running again.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry stores the state of one idempotency key.
type entry struct {
	timestamp time.Time
	element   *list.Element
	// turnID is empty while the first request is still running.
	turnID string
}

// Cache is a TTL-based, size-limited map from idempotency keys to turn IDs.
// Insertion order is kept in a linked list so the oldest key is evicted in O(1).
type Cache struct {
	mu      sync.Mutex
	keys    map[string]*entry
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the specified TTL and maximum size.
// A background goroutine periodically removes expired keys.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		keys:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Claim reserves a key for a new request. It returns claimed=true when the key
// is new or expired. Otherwise it returns the turn ID recorded for the key,
// which is empty while the original request is still in flight.
func (c *Cache) Claim(key string) (turnID string, claimed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.keys[key]; ok && c.now().Sub(e.timestamp) < c.ttl {
		return e.turnID, false
	}
	c.storeLocked(key, "")
	return "", true
}

// Complete records the turn produced for a claimed key.
func (c *Cache) Complete(key, turnID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(key, turnID)
}

// Release forgets a key so the request can be retried, e.g. after it was
// rejected before a turn was created.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.keys[key]; ok {
		c.order.Remove(e.element)
		delete(c.keys, key)
	}
}

// Len returns the number of keys held, including expired ones not yet cleaned up.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

// storeLocked sets a key, evicting the oldest when at capacity. Must be called with mu held.
func (c *Cache) storeLocked(key, turnID string) {
	now := c.now()

	if e, exists := c.keys[key]; exists {
		e.timestamp = now
		e.turnID = turnID
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.keys) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.keys[key] = &entry{
		timestamp: now,
		element:   elem,
		turnID:    turnID,
	}
}

// evictOldest removes the oldest key. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.keys, key)
}

// cleanup runs in a background goroutine, periodically removing expired keys.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.keys {
		if now.Sub(e.timestamp) > c.ttl {
			c.order.Remove(e.element)
			delete(c.keys, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
