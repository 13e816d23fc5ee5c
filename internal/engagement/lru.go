package engagement

import (
	"container/list"
	"time"
)

type lruEntry[V any] struct {
	key     string
	value   V
	touched time.Time
}

// lru is a capacity bounded map ordered by last touch. It is not safe for
// concurrent use; Store serializes access.
type lru[V any] struct {
	capacity int
	idleTTL  time.Duration
	items    map[string]*list.Element
	order    *list.List // front is most recently touched
}

func newLRU[V any](capacity int, idleTTL time.Duration) *lru[V] {
	if capacity <= 0 {
		capacity = 10000
	}
	return &lru[V]{
		capacity: capacity,
		idleTTL:  idleTTL,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *lru[V]) peek(key string) (*lruEntry[V], bool) {
	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	return elem.Value.(*lruEntry[V]), true
}

func (c *lru[V]) touch(key string, now time.Time) (*lruEntry[V], bool) {
	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	ent := elem.Value.(*lruEntry[V])
	ent.touched = now
	c.order.MoveToFront(elem)
	return ent, true
}

// put inserts a new entry, evicting the least recently touched entries when
// over capacity. It returns the number evicted.
func (c *lru[V]) put(key string, value V, now time.Time) int {
	if _, ok := c.touch(key, now); ok {
		c.items[key].Value.(*lruEntry[V]).value = value
		return 0
	}
	c.items[key] = c.order.PushFront(&lruEntry[V]{key: key, value: value, touched: now})

	evicted := 0
	for c.order.Len() > c.capacity {
		c.remove(c.order.Back())
		evicted++
	}
	return evicted
}

// sweep drops entries idle for longer than idleTTL.
func (c *lru[V]) sweep(now time.Time) int {
	if c.idleTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-c.idleTTL)
	removed := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*lruEntry[V]).touched.Before(cutoff) {
			c.remove(elem)
			removed++
		}
		elem = prev
	}
	return removed
}

func (c *lru[V]) remove(elem *list.Element) {
	ent := elem.Value.(*lruEntry[V])
	c.order.Remove(elem)
	delete(c.items, ent.key)
}

func (c *lru[V]) len() int {
	return c.order.Len()
}
