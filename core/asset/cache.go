package asset

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/meigma/worldstore/core/internal/storetype"
)

// Cache defaults.
const (
	DefaultCacheEntries       = 256
	DefaultCacheBytes   int64 = 64 << 20
)

// Cache is a bounded LRU of asset bytes limited by both entry count and
// total bytes. Entries held with Acquire are never evicted until
// released. It is safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	maxBytes   int64
	now        func() time.Time
	ll         *list.List
	items      map[uint32]*list.Element
	bytes      int64
	evictions  uint64
}

type cached struct {
	id       uint32
	data     []byte
	refs     int
	lastUsed time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithMaxEntries sets the slot count (default 256).
func WithMaxEntries(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithMaxBytes sets the byte budget (default 64 MiB).
func WithMaxBytes(n int64) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}

// WithCacheClock overrides the time source for last-used stamps.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCache creates an empty cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		maxEntries: DefaultCacheEntries,
		maxBytes:   DefaultCacheBytes,
		now:        time.Now,
		ll:         list.New(),
		items:      make(map[uint32]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the bytes for id and marks it most recently used. The
// returned slice must not be modified.
func (c *Cache) Get(id uint32) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	return c.touch(el).data, true
}

// Acquire is Get plus a reference that pins the entry until Release.
func (c *Cache) Acquire(id uint32) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	e := c.touch(el)
	e.refs++
	return e.data, true
}

// Release drops a reference taken by Acquire.
func (c *Cache) Release(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		if e := el.Value.(*cached); e.refs > 0 {
			e.refs--
		}
	}
}

func (c *Cache) touch(el *list.Element) *cached {
	c.ll.MoveToFront(el)
	e := el.Value.(*cached)
	e.lastUsed = c.now()
	return e
}

// Put inserts or replaces id, evicting least recently used unreferenced
// entries to make room. It fails with ErrOutOfMemory when data alone
// exceeds the byte budget or when pinned entries leave no room.
func (c *Cache) Put(id uint32, data []byte) error {
	size := int64(len(data))
	if size > c.maxBytes {
		return fmt.Errorf("%w: asset %d is %d bytes, cache holds %d", storetype.ErrOutOfMemory, id, size, c.maxBytes)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[id]; ok {
		e := el.Value.(*cached)
		if !c.makeRoom(0, size-int64(len(e.data)), el) {
			return fmt.Errorf("%w: no evictable room for asset %d", storetype.ErrOutOfMemory, id)
		}
		c.bytes += size - int64(len(e.data))
		e.data = data
		c.touch(el)
		return nil
	}
	if !c.makeRoom(1, size, nil) {
		return fmt.Errorf("%w: no evictable room for asset %d", storetype.ErrOutOfMemory, id)
	}
	c.items[id] = c.ll.PushFront(&cached{id: id, data: data, lastUsed: c.now()})
	c.bytes += size
	return nil
}

// makeRoom evicts from the cold end until slots more entries and extra
// more bytes fit. keep is never evicted. Nothing is evicted unless the
// whole request can be satisfied.
func (c *Cache) makeRoom(slots int, extra int64, keep *list.Element) bool {
	needSlots := c.ll.Len() + slots - c.maxEntries
	needBytes := c.bytes + extra - c.maxBytes
	if needSlots <= 0 && needBytes <= 0 {
		return true
	}

	var victims []*list.Element
	freedSlots, freedBytes := 0, int64(0)
	for el := c.ll.Back(); el != nil && (freedSlots < needSlots || freedBytes < needBytes); el = el.Prev() {
		e := el.Value.(*cached)
		if el == keep || e.refs > 0 {
			continue
		}
		victims = append(victims, el)
		freedSlots++
		freedBytes += int64(len(e.data))
	}
	if freedSlots < needSlots || freedBytes < needBytes {
		return false
	}
	for _, el := range victims {
		e := el.Value.(*cached)
		c.ll.Remove(el)
		delete(c.items, e.id)
		c.bytes -= int64(len(e.data))
		c.evictions++
	}
	return true
}

// Remove drops id unless it is referenced. It reports whether the entry
// is gone.
func (c *Cache) Remove(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return true
	}
	e := el.Value.(*cached)
	if e.refs > 0 {
		return false
	}
	c.ll.Remove(el)
	delete(c.items, id)
	c.bytes -= int64(len(e.data))
	return true
}

// Contains reports whether id is cached without touching it.
func (c *Cache) Contains(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[id]
	return ok
}

// LastUsed returns when id was last read or written.
func (c *Cache) LastUsed(id uint32) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return time.Time{}, false
	}
	return el.Value.(*cached).lastUsed, true
}

// Len returns the number of cached assets.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Bytes returns the total size of cached assets.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// MaxBytes returns the byte budget.
func (c *Cache) MaxBytes() int64 { return c.maxBytes }

// MaxEntries returns the slot count.
func (c *Cache) MaxEntries() int { return c.maxEntries }

// Evictions returns the number of entries evicted to make room.
func (c *Cache) Evictions() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}
