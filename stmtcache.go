package mssql

import (
	"container/list"

	"github.com/cespare/xxhash/v2"
)

// DefaultStmtCacheCapacity bounds the per-connection prepared handle
// cache unless the connector overrides it.
const DefaultStmtCacheCapacity = 100

// stmtKey fingerprints the verbatim SQL text plus the parameter type
// signature. No normalisation: two textually different statements are
// two cache entries even if they only differ in whitespace.
func stmtKey(sql string, paramSig string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(sql)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(paramSig)
	return h.Sum64()
}

type stmtEntry struct {
	key    uint64
	handle int32
}

// stmtCache is a strict LRU of server-side prepared statement handles.
// A connection owns its cache exclusively, so no locking. Handles are
// never shared across connections.
type stmtCache struct {
	capacity int
	entries  map[uint64]*list.Element
	lru      *list.List // front = most recently used
}

func newStmtCache(capacity int) *stmtCache {
	if capacity <= 0 {
		capacity = DefaultStmtCacheCapacity
	}
	return &stmtCache{
		capacity: capacity,
		entries:  make(map[uint64]*list.Element, capacity),
		lru:      list.New(),
	}
}

func (c *stmtCache) len() int { return len(c.entries) }

// get returns the cached handle and refreshes its recency.
func (c *stmtCache) get(key uint64) (int32, bool) {
	el, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*stmtEntry).handle, true
}

// evictIfFull drops the least recently used entry when the cache has
// no room for one more, returning its handle so the caller can
// sp_unprepare it. The release must reach the wire before the new
// statement's sp_prepare, so this runs ahead of the prepare round trip.
func (c *stmtCache) evictIfFull() (evicted int32, hasEvicted bool) {
	if len(c.entries) < c.capacity {
		return 0, false
	}
	back := c.lru.Back()
	if back == nil {
		return 0, false
	}
	entry := back.Value.(*stmtEntry)
	delete(c.entries, entry.key)
	c.lru.Remove(back)
	return entry.handle, true
}

// put stores a freshly prepared handle. If the cache is full the least
// recently used entry is dropped and its handle returned so the caller
// can sp_unprepare it on a best-effort basis.
func (c *stmtCache) put(key uint64, handle int32) (evicted int32, hasEvicted bool) {
	if el, ok := c.entries[key]; ok {
		el.Value.(*stmtEntry).handle = handle
		c.lru.MoveToFront(el)
		return 0, false
	}
	if len(c.entries) >= c.capacity {
		back := c.lru.Back()
		if back != nil {
			entry := back.Value.(*stmtEntry)
			delete(c.entries, entry.key)
			c.lru.Remove(back)
			evicted, hasEvicted = entry.handle, true
		}
	}
	c.entries[key] = c.lru.PushFront(&stmtEntry{key: key, handle: handle})
	return evicted, hasEvicted
}

// clear drops every entry without touching the server. Used after a
// connection reset or close: the server has already discarded the
// handles, so sp_unprepare would only fail.
func (c *stmtCache) clear() {
	c.entries = make(map[uint64]*list.Element, c.capacity)
	c.lru.Init()
}
