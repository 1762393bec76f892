package speechcache

import (
	"container/list"
	"time"
)

// CacheEntry is one pre-rendered TTS utterance (spec §4.7).
type CacheEntry struct {
	CacheKey   string
	AudioBytes []byte
	DurationMs int64
	SizeBytes  int
	Metadata   map[string]any
	CreatedAt  time.Time
}

// lru is an ordered-map LRU with a capacity and size bound, evicting from
// the least-recently-used end on insert. Grounded on the teacher's
// FileStore dedup/refcount maps in spirit (hand-rolled map-backed indexing
// rather than a third-party cache library — none appears anywhere in the
// example corpus) but adapted to an in-process ordered structure since the
// spec needs LRU touch-on-hit semantics FileStore itself doesn't.
type lru struct {
	maxEntries int
	maxBytes   int

	order    *list.List               // front = most recently used
	elements map[string]*list.Element // cache_key -> list element
	sizeUsed int
}

func newLRU(maxEntries, maxBytesTotal int) *lru {
	return &lru{
		maxEntries: maxEntries,
		maxBytes:   maxBytesTotal,
		order:      list.New(),
		elements:   make(map[string]*list.Element),
	}
}

func (c *lru) get(key string) (*CacheEntry, bool) {
	el, ok := c.elements[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*CacheEntry), true
}

// insert adds entry, evicting from the back until both bounds are
// satisfied. Re-inserting an existing key replaces it.
func (c *lru) insert(entry *CacheEntry) {
	if el, ok := c.elements[entry.CacheKey]; ok {
		c.sizeUsed -= el.Value.(*CacheEntry).SizeBytes
		c.order.Remove(el)
		delete(c.elements, entry.CacheKey)
	}

	el := c.order.PushFront(entry)
	c.elements[entry.CacheKey] = el
	c.sizeUsed += entry.SizeBytes

	for c.overCapacity() {
		c.evictOldest()
	}
}

func (c *lru) overCapacity() bool {
	if c.maxEntries > 0 && c.order.Len() > c.maxEntries {
		return true
	}
	if c.maxBytes > 0 && c.sizeUsed > c.maxBytes {
		return true
	}
	return false
}

func (c *lru) evictOldest() {
	back := c.order.Back()
	if back == nil {
		return
	}
	c.removeElement(back)
}

func (c *lru) removeElement(el *list.Element) {
	entry := el.Value.(*CacheEntry)
	c.order.Remove(el)
	delete(c.elements, entry.CacheKey)
	c.sizeUsed -= entry.SizeBytes
}

func (c *lru) remove(key string) {
	if el, ok := c.elements[key]; ok {
		c.removeElement(el)
	}
}

func (c *lru) removeOlderThan(cutoff time.Time) []string {
	var removed []string
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		entry := el.Value.(*CacheEntry)
		if entry.CreatedAt.Before(cutoff) {
			removed = append(removed, entry.CacheKey)
			c.removeElement(el)
		}
		el = prev
	}
	return removed
}

func (c *lru) clear() []string {
	keys := make([]string, 0, len(c.elements))
	for k := range c.elements {
		keys = append(keys, k)
	}
	c.order.Init()
	c.elements = make(map[string]*list.Element)
	c.sizeUsed = 0
	return keys
}
