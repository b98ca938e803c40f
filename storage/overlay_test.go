package storage

import (
	"path/filepath"
	"testing"
)

// writeMainFile seeds a main file directly via the rewrite engine so overlay
// tests can set up a baseline without going through Store.
func writeMainFile(t *testing.T, db string, types []TypeDescriptor, records map[uint32]*widget) []uint32 {
	t.Helper()
	tmp := db + ".tmp"
	bak := db + ".bak"
	counts := make([]uint32, len(types))
	eng := newRewriteEngine(types, db, tmp, bak, counts)
	plan := newRewritePlan(0)
	for id, w := range records {
		plan.upsert(id, w)
	}
	newCounts, _, err := eng.Run(map[int]*rewritePlan{0: plan})
	if err != nil {
		t.Fatalf("seed main file: %v", err)
	}
	return newCounts
}

func TestOverlayCacheTakesPrecedenceOverMainFile(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "test.db")
	types := []TypeDescriptor{widgetDescriptor{}}
	counts := writeMainFile(t, db, types, map[uint32]*widget{1: {ID: 1, Name: "from-disk"}})

	cache := newLRUCache(4)
	cache.insert(cacheKey{typeIndex: 0, id: 1}, &widget{ID: 1, Name: "from-cache"}, nil)
	ov := &overlay{path: db, cache: cache}

	rec, result, err := ov.Get(types, 0, 1, counts)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if result != resultFound {
		t.Fatalf("expected resultFound, got %v", result)
	}
	if rec.(*widget).Name != "from-cache" {
		t.Fatalf("expected cache entry to win, got %+v", rec)
	}
}

func TestOverlayWALTakesPrecedenceOverMainFile(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "test.db")
	types := []TypeDescriptor{widgetDescriptor{}}
	counts := writeMainFile(t, db, types, map[uint32]*widget{1: {ID: 1, Name: "from-disk"}})

	wal, err := OpenWAL(filepath.Join(dir, "test.db.wal"), 100, 1<<20, 0, nil)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	defer wal.Close()

	payload, err := encodeRecordForTest(widgetDescriptor{}, &widget{ID: 1, Name: "from-wal"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := wal.Append(OpUpdate, 0, 1, payload); err != nil {
		t.Fatalf("append: %v", err)
	}

	ov := &overlay{path: db, wal: wal}
	rec, result, err := ov.Get(types, 0, 1, counts)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if result != resultFound {
		t.Fatalf("expected resultFound, got %v", result)
	}
	if rec.(*widget).Name != "from-wal" {
		t.Fatalf("expected WAL entry to win, got %+v", rec)
	}
}

func TestOverlayWALDeleteTombstonesMainFileRecord(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "test.db")
	types := []TypeDescriptor{widgetDescriptor{}}
	counts := writeMainFile(t, db, types, map[uint32]*widget{1: {ID: 1, Name: "from-disk"}})

	wal, err := OpenWAL(filepath.Join(dir, "test.db.wal"), 100, 1<<20, 0, nil)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	defer wal.Close()
	if err := wal.Append(OpDelete, 0, 1, nil); err != nil {
		t.Fatalf("append delete: %v", err)
	}

	ov := &overlay{path: db, wal: wal}
	_, result, err := ov.Get(types, 0, 1, counts)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if result != resultDeleted {
		t.Fatalf("expected resultDeleted, got %v", result)
	}
}

func TestOverlayForEachOverlaysWALAndAppendsInserts(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "test.db")
	types := []TypeDescriptor{widgetDescriptor{}}
	counts := writeMainFile(t, db, types, map[uint32]*widget{
		1: {ID: 1, Name: "main-1"},
		2: {ID: 2, Name: "main-2"},
	})

	wal, err := OpenWAL(filepath.Join(dir, "test.db.wal"), 100, 1<<20, 0, nil)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	defer wal.Close()

	p1, _ := encodeRecordForTest(widgetDescriptor{}, &widget{ID: 1, Name: "main-1-updated"})
	wal.Append(OpUpdate, 0, 1, p1)
	wal.Append(OpDelete, 0, 2, nil)
	p3, _ := encodeRecordForTest(widgetDescriptor{}, &widget{ID: 3, Name: "wal-only-insert"})
	wal.Append(OpAdd, 0, 3, p3)

	ov := &overlay{path: db, wal: wal}
	var names []string
	err = ov.ForEach(types, 0, counts, func(r any) (bool, error) {
		names = append(names, r.(*widget).Name)
		return true, nil
	})
	if err != nil {
		t.Fatalf("foreach: %v", err)
	}
	want := []string{"main-1-updated", "wal-only-insert"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
}

func TestOverlaySkipsPriorTypeSections(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "test.db")
	types := []TypeDescriptor{widgetDescriptor{}, widgetDescriptor{}}
	tmp := db + ".tmp"
	bak := db + ".bak"
	eng := newRewriteEngine(types, db, tmp, bak, []uint32{0, 0})
	p0 := newRewritePlan(0)
	p0.upsert(1, &widget{ID: 1, Name: "type0"})
	p1 := newRewritePlan(1)
	p1.upsert(1, &widget{ID: 1, Name: "type1"})
	counts, _, err := eng.Run(map[int]*rewritePlan{0: p0, 1: p1})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	ov := &overlay{path: db}
	rec, result, err := ov.Get(types, 1, 1, counts)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if result != resultFound || rec.(*widget).Name != "type1" {
		t.Fatalf("expected type1's own record, got %+v (%v)", rec, result)
	}
}

func encodeRecordForTest(td TypeDescriptor, record any) ([]byte, error) {
	return encodeRecord(td, record)
}
