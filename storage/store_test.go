package storage

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func openTestStore(t *testing.T, dir string, enableWAL, enableCache bool) *Store {
	t.Helper()
	s, err := Open(Options{
		DBPath:      filepath.Join(dir, "test.db"),
		EnableWAL:   enableWAL,
		WALMaxEntries: 4,
		EnableCache: enableCache,
		CacheSize:   8,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.RegisterType(widgetDescriptor{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return s
}

func TestStoreAssignsSequentialIDs(t *testing.T) {
	s := openTestStore(t, t.TempDir(), true, true)
	defer s.Close()

	for i := 1; i <= 3; i++ {
		id, err := s.Add(0, &widget{Name: "w"})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if id != uint32(i) {
			t.Fatalf("expected sequential id %d, got %d", i, id)
		}
	}
}

func TestStoreReadsThroughWALBeforeCheckpoint(t *testing.T) {
	s := openTestStore(t, t.TempDir(), true, true)
	defer s.Close()

	id, err := s.Add(0, &widget{Name: "staged"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	rec, err := s.Get(0, id)
	if err != nil {
		t.Fatalf("get before checkpoint: %v", err)
	}
	if rec.(*widget).Name != "staged" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if s.wal.EntryCount() == 0 {
		t.Fatal("expected the add to still be sitting in the WAL, not yet checkpointed")
	}
}

func TestStoreUpdatePrecedenceSurvivesCheckpointAndReopen(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, true, true)

	id, err := s.Add(0, &widget{Name: "v1"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Update(0, id, &widget{Name: "v2"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(Options{
		DBPath:      filepath.Join(dir, "test.db"),
		EnableWAL:   true,
		EnableCache: true,
	})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.RegisterType(widgetDescriptor{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	rec, err := reopened.Get(0, id)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	want := &widget{ID: id, Name: "v2"}
	if diff := cmp.Diff(want, rec.(*widget)); diff != "" {
		t.Fatalf("expected update to have survived checkpoint+reopen (-want +got):\n%s", diff)
	}
}

// TestStoreDeleteWhereRemovesNonMatchingRecords is spec.md §8 scenario 5:
// add 6 items with active = (i mod 2 == 0), delete_where(keep_active)
// removes 3, count is 3, and exactly the odd-indexed records are gone.
func TestStoreDeleteWhereRemovesNonMatchingRecords(t *testing.T) {
	s := openTestStore(t, t.TempDir(), true, true)
	defer s.Close()

	var ids []uint32
	for i := 0; i < 6; i++ {
		id, err := s.Add(0, &widget{Name: "item", Weight: int32(i), Active: i%2 == 0})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		ids = append(ids, id)
	}

	keepActive := func(record any) bool { return record.(*widget).Active }
	removed, err := s.DeleteWhere(0, keepActive)
	if err != nil {
		t.Fatalf("delete_where: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 records removed, got %d", removed)
	}

	count, err := s.Count(0)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected count 3 after delete_where, got %d", count)
	}

	for i, id := range ids {
		exists, err := s.Exists(0, id)
		if err != nil {
			t.Fatalf("exists: %v", err)
		}
		wantExists := i%2 == 0
		if exists != wantExists {
			t.Fatalf("id %d (weight %d): expected exists=%v, got %v", id, i, wantExists, exists)
		}
	}
}

func TestStoreUpdateWhereMutatesMatchingRecordsInPlace(t *testing.T) {
	s := openTestStore(t, t.TempDir(), true, true)
	defer s.Close()

	var ids []uint32
	for i := 0; i < 4; i++ {
		id, err := s.Add(0, &widget{Name: "item", Weight: int32(i)})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		ids = append(ids, id)
	}

	isHeavy := func(record any) bool { return record.(*widget).Weight >= 2 }
	doubleWeight := func(record any) { w := record.(*widget); w.Weight *= 2 }
	modified, err := s.UpdateWhere(0, isHeavy, doubleWeight)
	if err != nil {
		t.Fatalf("update_where: %v", err)
	}
	if modified != 2 {
		t.Fatalf("expected 2 records modified, got %d", modified)
	}

	for i, id := range ids {
		rec, err := s.Get(0, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		wantWeight := int32(i)
		if i >= 2 {
			wantWeight *= 2
		}
		if got := rec.(*widget).Weight; got != wantWeight {
			t.Fatalf("id %d: expected weight %d, got %d", id, wantWeight, got)
		}
	}
}

// TestStoreDeleteWhereFoldsPendingWALFirst confirms a filter-delete issued
// while adds are still only staged in the WAL sees them too.
func TestStoreDeleteWhereFoldsPendingWALFirst(t *testing.T) {
	s := openTestStore(t, t.TempDir(), true, true)
	defer s.Close()

	for i := 0; i < 3; i++ {
		if _, err := s.Add(0, &widget{Name: "item", Weight: int32(i), Active: i%2 == 0}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if s.wal.EntryCount() == 0 {
		t.Fatal("expected the adds to still be staged in the WAL")
	}

	keepActive := func(record any) bool { return record.(*widget).Active }
	if _, err := s.DeleteWhere(0, keepActive); err != nil {
		t.Fatalf("delete_where: %v", err)
	}

	count, err := s.Count(0)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 active records to survive, got %d", count)
	}
}

func TestStoreRecoversAfterAbandonedHandle(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, true, true)

	for i := 0; i < 20; i++ {
		if _, err := s.Add(0, &widget{Name: "w"}); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	// Simulate a crash: abandon the handle without an explicit Close/checkpoint.

	reopened, err := Open(Options{
		DBPath:      filepath.Join(dir, "test.db"),
		EnableWAL:   true,
		EnableCache: true,
	})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.RegisterType(widgetDescriptor{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	count, err := reopened.Count(0)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 20 {
		t.Fatalf("expected 20 records after reopening the abandoned store, got %d", count)
	}
}

func TestStoreCountReflectsPendingWALWithoutCheckpoint(t *testing.T) {
	s := openTestStore(t, t.TempDir(), true, true)
	defer s.Close()

	// Two adds and one delete stay under openTestStore's 4-entry
	// checkpoint threshold, so all three entries remain in the WAL.
	for i := 0; i < 2; i++ {
		if _, err := s.Add(0, &widget{Name: "w"}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := s.Delete(0, 2); err != nil {
		t.Fatalf("delete: %v", err)
	}

	count, err := s.Count(0)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 (2 added, 1 deleted, none checkpointed), got %d", count)
	}
}

func TestStoreWithoutWALAppliesDirectly(t *testing.T) {
	s := openTestStore(t, t.TempDir(), false, false)
	defer s.Close()

	id, err := s.Add(0, &widget{Name: "direct"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if s.wal != nil {
		t.Fatal("expected no WAL when EnableWAL is false")
	}
	rec, err := s.Get(0, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.(*widget).Name != "direct" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestStoreGetMissingRecordReturnsErrNotFound(t *testing.T) {
	s := openTestStore(t, t.TempDir(), true, true)
	defer s.Close()

	if _, err := s.Get(0, 999); err == nil {
		t.Fatal("expected an error for a missing id")
	}
}

func TestStoreAutomaticCheckpointOnWALThreshold(t *testing.T) {
	s := openTestStore(t, t.TempDir(), true, false)
	defer s.Close()

	// WALMaxEntries is 4 in openTestStore; the 4th add should trigger an
	// automatic checkpoint per spec.md §4.2.
	for i := 0; i < 4; i++ {
		if _, err := s.Add(0, &widget{Name: "w"}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if s.wal.EntryCount() != 0 {
		t.Fatalf("expected the WAL to have been checkpointed automatically, has %d entries", s.wal.EntryCount())
	}
}
