// ABOUTME: Bounded first-delivery filter over event ids
// ABOUTME: One atomic CheckAndMark call; expired ids age out in-line, no background sweep

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry pairs an id with the moment it was first applied. Entries never
// refresh: a duplicate within the window keeps the original timestamp, so
// the insertion list stays ordered by age.
type entry struct {
	id     string
	seenAt time.Time
}

// Cache answers one question for a consuming session: has this event id been
// applied already? Push and poll may deliver the same id, and the session
// applies it on the first answer only. Bounded by TTL and size; aged and
// surplus ids fall off the front of the insertion list.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // entries oldest-first
	ttl     time.Duration
	maxSize int
}

// New creates a cache that forgets ids after ttl, holding at most maxSize.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// CheckAndMark reports whether the id was already applied, marking it when
// it was not. The check and the mark are one critical section: when push and
// poll deliveries race on the same id, exactly one caller gets false.
func (c *Cache) CheckAndMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expireLocked()

	if _, dup := c.index[id]; dup {
		return true
	}

	if len(c.index) >= c.maxSize {
		c.dropLocked(c.order.Front())
	}
	c.index[id] = c.order.PushBack(entry{id: id, seenAt: time.Now()})
	return false
}

// Len returns the number of live ids.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expireLocked()
	return len(c.index)
}

// expireLocked drops ids older than the TTL. The list is ordered by first
// sighting, so expiry only ever eats from the front. Must hold mu.
func (c *Cache) expireLocked() {
	cutoff := time.Now().Add(-c.ttl)
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if front.Value.(entry).seenAt.After(cutoff) {
			return
		}
		c.dropLocked(front)
	}
}

// dropLocked removes one element from both the list and the index.
// Must hold mu.
func (c *Cache) dropLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	c.order.Remove(elem)
	delete(c.index, elem.Value.(entry).id)
}
