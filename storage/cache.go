package storage

// cacheKey identifies one cached record by (type index, id), matching
// spec.md §4.4.
type cacheKey struct {
	typeIndex int
	id        uint32
}

type cacheEntry struct {
	key    cacheKey
	tomb   bool // true: a DELETE tombstone, no payload
	record any
	tick   uint64
	used   bool // false = empty slot
}

// lruCache is a small, bounded, linearly-scanned associative table keyed by
// (type index, id). spec.md §4.4 is explicit that the scan is intentional:
// "cache sizes are small (default 16, typical ≤ 256) and code-size-critical.
// No hashing dependency is required" — so unlike the teacher's
// storage/lru.go (a doubly-linked list + hash map sized for thousands of
// 4KB pages), this cache is a flat slice walked front-to-back, exactly the
// shape spec.md's design notes describe ("the cache is a flat array").
//
// It carries no mutex of its own: per spec.md §5, cache state is "mutated
// only under the [instance] mutex," so the owning Store relies on the
// caller (api.DB) having already acquired that single per-instance lock for
// the whole operation.
type lruCache struct {
	entries  []cacheEntry
	tick     uint64
	hits     uint64
	misses   uint64
	capacity int
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = 16
	}
	return &lruCache{entries: make([]cacheEntry, capacity), capacity: capacity}
}

// lookup returns the cached entry for key, bumping its access tick on hit.
func (c *lruCache) lookup(key cacheKey) (cacheEntry, bool) {
	for i := range c.entries {
		e := &c.entries[i]
		if e.used && e.key == key {
			c.hits++
			c.tick++
			e.tick = c.tick
			return *e, true
		}
	}
	c.misses++
	return cacheEntry{}, false
}

// insert installs a value entry for key, destroying any prior payload at
// that slot (either the key's own previous value or the evicted victim's)
// via destroy, matching spec.md's "destroying the prior payload via the
// type's destroy callback" coherence rule.
func (c *lruCache) insert(key cacheKey, record any, destroy func(any)) {
	c.store(cacheEntry{key: key, record: record, used: true}, destroy)
}

// insertTombstone installs a DELETE marker for key with no payload.
func (c *lruCache) insertTombstone(key cacheKey, destroy func(any)) {
	c.store(cacheEntry{key: key, tomb: true, used: true}, destroy)
}

func (c *lruCache) store(entry cacheEntry, destroy func(any)) {
	c.tick++
	entry.tick = c.tick

	// Replace an existing slot for this key, if any.
	for i := range c.entries {
		e := &c.entries[i]
		if e.used && e.key == entry.key {
			if destroy != nil && e.record != nil {
				destroy(e.record)
			}
			c.entries[i] = entry
			return
		}
	}
	// Use an empty slot if one exists.
	for i := range c.entries {
		if !c.entries[i].used {
			c.entries[i] = entry
			return
		}
	}
	// Evict the least-recently-used slot.
	victim := 0
	for i := 1; i < len(c.entries); i++ {
		if c.entries[i].tick < c.entries[victim].tick {
			victim = i
		}
	}
	if destroy != nil && c.entries[victim].record != nil {
		destroy(c.entries[victim].record)
	}
	c.entries[victim] = entry
}

// invalidate removes key from the cache entirely, destroying its payload
// via destroy. Store.applyRewrite uses it for every id a direct rewrite
// touched; checkpoint empties the whole table with clear instead.
func (c *lruCache) invalidate(key cacheKey, destroy func(any)) {
	for i := range c.entries {
		e := &c.entries[i]
		if e.used && e.key == key {
			if destroy != nil && e.record != nil {
				destroy(e.record)
			}
			c.entries[i] = cacheEntry{}
			return
		}
	}
}

// invalidateType removes every cached entry belonging to typeIndex,
// destroying each payload via destroy, and leaves every other type's
// entries untouched. Used by a filter-delete/filter-modify pass, which can
// touch an unbounded, unknown set of ids within one type.
func (c *lruCache) invalidateType(typeIndex int, destroy func(any)) {
	for i := range c.entries {
		e := &c.entries[i]
		if e.used && e.key.typeIndex == typeIndex {
			if destroy != nil && e.record != nil {
				destroy(e.record)
			}
			c.entries[i] = cacheEntry{}
		}
	}
}

// clear destroys every cached payload and empties the table. Called after a
// successful checkpoint, per spec.md §4.4's coherence rule. destroy is
// invoked per entry with that entry's own key so the caller can dispatch to
// the right type's destroy callback — the cache holds entries for every
// registered type at once, not just one.
func (c *lruCache) clear(destroy func(key cacheKey, record any)) {
	for i := range c.entries {
		e := &c.entries[i]
		if e.used && destroy != nil && e.record != nil {
			destroy(e.key, e.record)
		}
		c.entries[i] = cacheEntry{}
	}
}

func (c *lruCache) stats() (hits, misses uint64, size, capacity int) {
	size = 0
	for _, e := range c.entries {
		if e.used {
			size++
		}
	}
	return c.hits, c.misses, size, c.capacity
}
