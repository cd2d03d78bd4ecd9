package cache

import (
	"container/list"
	"sync"
	"time"
)

var _ Cache[int] = (*LRUCache[int])(nil)

// LRUCache bounds entries by count and by per-entry deadline. Set uses the
// cache TTL; SetUntil carries a caller deadline, such as an idempotency
// record's own expiry.
type LRUCache[T any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	clock    func() time.Time
	index    map[string]*list.Element
	order    *list.List // front is most recently used
}

type lruEntry[T any] struct {
	key      string
	value    T
	deadline time.Time
}

func (e *lruEntry[T]) expired(now time.Time) bool {
	return !now.Before(e.deadline)
}

func NewLRUCache[T any](capacity int, ttl time.Duration) *LRUCache[T] {
	return &LRUCache[T]{
		capacity: max(capacity, 1),
		ttl:      ttl,
		clock:    time.Now,
		index:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// WithClock replaces the time source.
func (c *LRUCache[T]) WithClock(now func() time.Time) *LRUCache[T] {
	c.mu.Lock()
	c.clock = now
	c.mu.Unlock()
	return c
}

func (c *LRUCache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	el, ok := c.index[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*lruEntry[T])
	if e.expired(c.clock()) {
		c.unlink(el)
		return zero, false
	}
	c.order.MoveToFront(el)
	return e.value, true
}

func (c *LRUCache[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(key, value, c.clock().Add(c.ttl))
}

// SetUntil stores value until deadline. A deadline already passed is a no-op.
func (c *LRUCache[T]) SetUntil(key string, value T, deadline time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.clock().Before(deadline) {
		return
	}
	c.put(key, value, deadline)
}

func (c *LRUCache[T]) put(key string, value T, deadline time.Time) {
	e := &lruEntry[T]{key: key, value: value, deadline: deadline}
	if el, ok := c.index[key]; ok {
		el.Value = e
		c.order.MoveToFront(el)
		return
	}
	c.index[key] = c.order.PushFront(e)
	for c.order.Len() > c.capacity {
		c.unlink(c.order.Back())
	}
}

func (c *LRUCache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.unlink(el)
	}
}

func (c *LRUCache[T]) unlink(el *list.Element) {
	delete(c.index, el.Value.(*lruEntry[T]).key)
	c.order.Remove(el)
}

// CleanExpired drops every entry past its deadline and reports how many.
func (c *LRUCache[T]) CleanExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	n := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*lruEntry[T]).expired(now) {
			c.unlink(el)
			n++
		}
		el = prev
	}
	return n
}

func (c *LRUCache[T]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}
