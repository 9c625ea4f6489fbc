// ABOUTME: Thread-safe TTL cache for suppressing duplicate prompt submissions.
// ABOUTME: Keys are session id plus client message id; oldest entries evict first.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache tracks recently seen prompt keys so a client retrying a request
// (reconnect, double-tap, proxy replay) does not start a second turn.
// Insertion order is kept in a linked list for O(1) capacity eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // oldest key at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size. A background
// goroutine sweeps expired entries every sweepInterval.
func New(ttl, sweepInterval time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep(sweepInterval)
	return c
}

// Key builds the cache key for a client message within a session. Message
// ids are only required to be unique per session, so both parts go in.
func Key(sessionID, messageID string) string {
	return sessionID + "\x00" + messageID
}

// CheckAndMark atomically checks whether the key was already seen and marks
// it if not. Returns true for a duplicate, false if the key is new and now
// marked. A single atomic operation so concurrent retries cannot both pass.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok && time.Since(e.seenAt) < c.ttl {
		return true
	}

	now := time.Now()
	if e, ok := c.seen[key]; ok {
		// Expired entry for the same key; refresh in place.
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return false
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	elem := c.order.PushBack(key)
	c.seen[key] = &entry{seenAt: now, element: elem}
	return false
}

// Forget drops a key so a later submission with the same id is not
// treated as a duplicate. Called when a turn fails to start after the
// key was marked; the client's honest retry must pass.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.seen[key]; ok {
		c.order.Remove(e.element)
		delete(c.seen, key)
	}
}

// Len reports the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.seen {
		if now.Sub(e.seenAt) > c.ttl {
			c.order.Remove(e.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background sweep goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}
