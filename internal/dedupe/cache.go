// ABOUTME: TTL tracking set for connector-assigned ids of locally-sent replies
// ABOUTME: Lets the inbound path drop the asynchronous "sent by self" echo

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry stores the timestamp and eviction-list element for a tracked id.
type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache is a TTL-based, size-limited id set. The reply path marks the
// connector-assigned id of every message sent from this desk; when the
// connector later reports the same send back as an outgoing event,
// Check recognizes it and the echo is dropped instead of re-ingested.
// Insertion order is kept in a list so the oldest id goes first when
// the set is full.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   *list.List // ids in mark order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a tracking set with the given TTL and maximum size.
// A background goroutine periodically removes expired ids.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.expireLoop()
	return c
}

// Mark records an id, refreshing its TTL if already tracked and
// evicting the oldest id when the set is at capacity.
func (c *Cache) Mark(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.entries[id]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.entries, front.Value.(string))
		}
	}

	c.entries[id] = &entry{seenAt: now, element: c.order.PushBack(id)}
}

// Check reports whether id was marked within the TTL.
func (c *Cache) Check(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[id]
	return ok && time.Since(e.seenAt) < c.ttl
}

// expireLoop periodically removes expired ids until Close.
func (c *Cache) expireLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

// expire removes expired entries. Marks move ids to the back of the
// order list, so the front is always the stalest and the walk can stop
// at the first live entry.
func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		id := front.Value.(string)
		if now.Sub(c.entries[id].seenAt) <= c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.entries, id)
	}
}

// Close stops the background expiry goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
