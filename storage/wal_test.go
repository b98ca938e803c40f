package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func tempWAL(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db.wal")
}

func TestWALOpenCreatesFreshHeader(t *testing.T) {
	path := tempWAL(t)
	w, err := OpenWAL(path, 100, 64*1024, 0, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	if w.EntryCount() != 0 {
		t.Fatalf("expected 0 entries, got %d", w.EntryCount())
	}
}

func TestWALAppendAndReload(t *testing.T) {
	path := tempWAL(t)
	w, err := OpenWAL(path, 100, 64*1024, 42, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := w.Append(OpAdd, 0, 1, []byte("payload-one")); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := w.Append(OpUpdate, 0, 1, []byte("payload-one-updated")); err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if err := w.Append(OpDelete, 0, 2, nil); err != nil {
		t.Fatalf("append 3: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenWAL(path, 100, 64*1024, 42, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	entries := reopened.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries after reload, got %d", len(entries))
	}
	if entries[1].Op != OpUpdate || string(entries[1].Payload) != "payload-one-updated" {
		t.Fatalf("unexpected entry 1: %+v", entries[1])
	}
	if entries[2].Op != OpDelete || entries[2].ID != 2 {
		t.Fatalf("unexpected entry 2: %+v", entries[2])
	}
}

func TestWALShouldCheckpointByEntryCount(t *testing.T) {
	path := tempWAL(t)
	w, err := OpenWAL(path, 2, 1<<30, 0, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	if w.ShouldCheckpoint() {
		t.Fatal("fresh WAL should not need a checkpoint")
	}
	w.Append(OpAdd, 0, 1, []byte("x"))
	if w.ShouldCheckpoint() {
		t.Fatal("1 entry under max of 2 should not need a checkpoint")
	}
	w.Append(OpAdd, 0, 2, []byte("x"))
	if !w.ShouldCheckpoint() {
		t.Fatal("2 entries at max of 2 should need a checkpoint")
	}
}

func TestWALResetClearsEntries(t *testing.T) {
	path := tempWAL(t)
	w, err := OpenWAL(path, 100, 64*1024, 0, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	w.Append(OpAdd, 0, 1, []byte("x"))
	if err := w.Reset(999); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if w.EntryCount() != 0 {
		t.Fatalf("expected 0 entries after reset, got %d", w.EntryCount())
	}
}

func TestWALCorruptTailIsTruncatedOnReload(t *testing.T) {
	path := tempWAL(t)
	w, err := OpenWAL(path, 100, 64*1024, 0, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	w.Append(OpAdd, 0, 1, []byte("good"))
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Append a garbage trailing byte to simulate a torn write.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("reopen for corruption: %v", err)
	}
	if _, err := f.Write([]byte{0xFF, 0xFF, 0xFF}); err != nil {
		t.Fatalf("write corruption: %v", err)
	}
	f.Close()

	reopened, err := OpenWAL(path, 100, 64*1024, 0, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if len(reopened.Entries()) != 1 {
		t.Fatalf("expected the 1 valid entry to survive, got %d", len(reopened.Entries()))
	}
}
