// ABOUTME: TTL + capacity bounded replay cache for inbound frame ids.
// ABOUTME: A frame id resent within the window is a replay, not a new command.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Cache remembers recently seen frame ids so that client retries of the
// same frame (reconnect replays, flaky networks) are acknowledged but
// not re-executed. Entries expire after a TTL; at capacity the oldest
// entry is evicted first.
type Cache struct {
	mu     sync.Mutex
	ids    map[string]*entry
	order  *list.List // oldest at front
	ttl    time.Duration
	cap    int
	done   chan struct{}
	closed bool
}

type entry struct {
	seenAt time.Time
	elem   *list.Element
}

// NewCache creates a replay cache. A background sweeper drops expired
// ids so the map does not grow unbounded on quiet connections.
func NewCache(ttl time.Duration, capacity int) *Cache {
	c := &Cache{
		ids:   make(map[string]*entry),
		order: list.New(),
		ttl:   ttl,
		cap:   capacity,
		done:  make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Replayed atomically records the key and reports whether it was
// already present and unexpired. The single lock-held check-and-record
// avoids the race of a separate lookup followed by an insert.
func (c *Cache) Replayed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.ids[key]; ok && time.Since(e.seenAt) < c.ttl {
		e.seenAt = time.Now()
		c.order.MoveToBack(e.elem)
		return true
	}
	c.recordLocked(key)
	return false
}

// Len reports the current number of tracked ids.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

func (c *Cache) recordLocked(key string) {
	if e, ok := c.ids[key]; ok {
		e.seenAt = time.Now()
		c.order.MoveToBack(e.elem)
		return
	}
	if len(c.ids) >= c.cap {
		if front := c.order.Front(); front != nil {
			old, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.ids, old)
		}
	}
	c.ids[key] = &entry{seenAt: time.Now(), elem: c.order.PushBack(key)}
}

func (c *Cache) sweep() {
	interval := c.ttl
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.expire()
		}
	}
}

func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-c.ttl)
	for front := c.order.Front(); front != nil; {
		key, _ := front.Value.(string)
		e := c.ids[key]
		if e == nil || e.seenAt.After(cutoff) {
			break
		}
		next := front.Next()
		c.order.Remove(front)
		delete(c.ids, key)
		front = next
	}
}

// Close stops the background sweeper. Safe to call twice.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}
