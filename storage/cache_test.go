package storage

import "testing"

func TestLRUCacheInsertAndLookup(t *testing.T) {
	c := newLRUCache(2)
	k1 := cacheKey{typeIndex: 0, id: 1}
	k2 := cacheKey{typeIndex: 0, id: 2}

	c.insert(k1, "one", nil)
	c.insert(k2, "two", nil)

	if e, ok := c.lookup(k1); !ok || e.record != "one" {
		t.Fatalf("lookup k1 = %v, %v", e, ok)
	}
	if hits, _, _, _ := c.stats(); hits != 1 {
		t.Fatalf("expected 1 hit, got %d", hits)
	}
}

func TestLRUCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newLRUCache(2)
	k1 := cacheKey{typeIndex: 0, id: 1}
	k2 := cacheKey{typeIndex: 0, id: 2}
	k3 := cacheKey{typeIndex: 0, id: 3}

	c.insert(k1, "one", nil)
	c.insert(k2, "two", nil)
	c.lookup(k1) // bump k1's tick so k2 becomes the LRU victim
	c.insert(k3, "three", nil)

	if _, ok := c.lookup(k2); ok {
		t.Fatal("expected k2 to have been evicted")
	}
	if e, ok := c.lookup(k1); !ok || e.record != "one" {
		t.Fatal("expected k1 to survive eviction")
	}
	if e, ok := c.lookup(k3); !ok || e.record != "three" {
		t.Fatal("expected k3 to be present")
	}
}

func TestLRUCacheTombstoneShadowsValue(t *testing.T) {
	c := newLRUCache(4)
	k := cacheKey{typeIndex: 0, id: 7}

	c.insert(k, "value", nil)
	c.insertTombstone(k, nil)

	e, ok := c.lookup(k)
	if !ok {
		t.Fatal("expected tombstone entry to be present")
	}
	if !e.tomb {
		t.Fatal("expected entry to be a tombstone")
	}
}

func TestLRUCacheDestroyCallbackFiresOnEvictAndReplace(t *testing.T) {
	c := newLRUCache(1)
	k1 := cacheKey{typeIndex: 0, id: 1}
	k2 := cacheKey{typeIndex: 0, id: 2}

	var destroyed []any
	destroy := func(v any) { destroyed = append(destroyed, v) }

	c.insert(k1, "one", destroy)
	c.insert(k2, "two", destroy) // evicts k1, capacity is 1

	if len(destroyed) != 1 || destroyed[0] != "one" {
		t.Fatalf("expected 'one' destroyed on eviction, got %v", destroyed)
	}

	c.insert(k2, "two-updated", destroy) // replaces k2's own slot
	if len(destroyed) != 2 || destroyed[1] != "two" {
		t.Fatalf("expected 'two' destroyed on replace, got %v", destroyed)
	}
}

func TestLRUCacheClearDestroysEverything(t *testing.T) {
	c := newLRUCache(4)
	c.insert(cacheKey{id: 1}, "a", nil)
	c.insert(cacheKey{id: 2}, "b", nil)

	var destroyed []any
	c.clear(func(key cacheKey, v any) { destroyed = append(destroyed, v) })

	if len(destroyed) != 2 {
		t.Fatalf("expected 2 destroyed, got %d", len(destroyed))
	}
	if _, ok := c.lookup(cacheKey{id: 1}); ok {
		t.Fatal("expected cache to be empty after clear")
	}
}
