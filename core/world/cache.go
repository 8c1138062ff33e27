package world

import "container/list"

// chunkCache is an LRU of resident chunks keyed by chunk index. Entries
// for which pinned reports true are skipped by eviction, so the cache may
// temporarily exceed its capacity while many chunks are dirty.
type chunkCache struct {
	capacity int
	ll       *list.List
	items    map[int]*list.Element
	pinned   func(idx int) bool
	onEvict  func(idx int)
}

type cacheItem struct {
	idx   int
	chunk *Chunk
}

func newChunkCache(capacity int, pinned func(int) bool) *chunkCache {
	return &chunkCache{
		capacity: max(capacity, 1),
		ll:       list.New(),
		items:    make(map[int]*list.Element),
		pinned:   pinned,
	}
}

func (c *chunkCache) get(idx int) (*Chunk, bool) {
	el, ok := c.items[idx]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheItem).chunk, true
}

// put inserts or refreshes idx, then evicts unpinned entries from the
// cold end until the cache fits. It returns the number evicted.
func (c *chunkCache) put(idx int, ch *Chunk) int {
	if el, ok := c.items[idx]; ok {
		el.Value.(*cacheItem).chunk = ch
		c.ll.MoveToFront(el)
		return 0
	}
	c.items[idx] = c.ll.PushFront(&cacheItem{idx: idx, chunk: ch})
	return c.shrink()
}

func (c *chunkCache) shrink() int {
	evicted := 0
	el := c.ll.Back()
	for c.ll.Len() > c.capacity && el != nil {
		prev := el.Prev()
		item := el.Value.(*cacheItem)
		if c.pinned == nil || !c.pinned(item.idx) {
			c.ll.Remove(el)
			delete(c.items, item.idx)
			if c.onEvict != nil {
				c.onEvict(item.idx)
			}
			evicted++
		}
		el = prev
	}
	return evicted
}

func (c *chunkCache) len() int { return c.ll.Len() }

func (c *chunkCache) reset() {
	c.ll.Init()
	clear(c.items)
}
