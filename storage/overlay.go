package storage

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
)

// overlay answers reads by combining, in order, the cache, the WAL, and the
// main file — spec.md §4.3's read-path precedence: "check the cache first;
// on a miss, scan the WAL for the most recent entry touching that key; on a
// further miss, fall through to the main file's section for that type."
// It holds no mutable state of its own beyond the cache/WAL handles it was
// built with; Store owns the type table and per-type counts and passes
// both into every call, so overlay stays a pure read-path helper.
type overlay struct {
	cache *lruCache
	wal   *WAL
	path  string
}

// lookupResult distinguishes "found live," "found tombstoned," and
// "absent everywhere" so callers (Get vs. Exists vs. ForEach) can each
// apply the distinction spec.md requires: a tombstoned key both from the
// cache and from a WAL DELETE entry is a definitive "not found," not a
// fall-through to the main file.
type lookupResult int

const (
	resultMiss lookupResult = iota
	resultFound
	resultDeleted
)

// Get resolves one (typeIndex, id) through the full overlay precedence.
// types and counts are the Store's whole type table and current per-type
// live-record counts, needed to seek the main file past every earlier
// type's section before this type's section can be scanned.
func (o *overlay) Get(types []TypeDescriptor, typeIndex int, id uint32, counts []uint32) (any, lookupResult, error) {
	td := types[typeIndex]
	key := cacheKey{typeIndex: typeIndex, id: id}

	if o.cache != nil {
		if entry, ok := o.cache.lookup(key); ok {
			if entry.tomb {
				return nil, resultDeleted, nil
			}
			return entry.record, resultFound, nil
		}
	}

	if o.wal != nil {
		if entry, found := latestWALEntry(o.wal.Entries(), typeIndex, id); found {
			if entry.Op == OpDelete {
				o.cacheInsertTombstone(key)
				return nil, resultDeleted, nil
			}
			record, err := decodeWALPayload(td, entry)
			if err != nil {
				return nil, resultMiss, err
			}
			o.cacheInsert(key, record)
			return record, resultFound, nil
		}
	}

	record, found, err := o.scanMainFile(types, typeIndex, id, counts)
	if err != nil {
		return nil, resultMiss, err
	}
	if !found {
		return nil, resultMiss, nil
	}
	o.cacheInsert(key, record)
	return record, resultFound, nil
}

// Exists reports whether (typeIndex, id) resolves to a live record. It runs
// the same lookup as Get, decoding the record and filling the cache the same
// way, and is used by Store.Exists, Store.Update and Store.Delete.
func (o *overlay) Exists(types []TypeDescriptor, typeIndex int, id uint32, counts []uint32) (bool, error) {
	_, result, err := o.Get(types, typeIndex, id, counts)
	return result == resultFound, err
}

// ForEach visits every live record of one type, overlaying WAL mutations
// on top of the main file's section and skipping tombstoned or
// WAL-only-deleted ids, matching spec.md §4.3's "iteration order is
// main-file order for untouched records, with WAL-inserted records
// surfaced afterward."
func (o *overlay) ForEach(types []TypeDescriptor, typeIndex int, counts []uint32, visit func(record any) (keepGoing bool, err error)) error {
	td := types[typeIndex]
	existingCount := uint32(0)
	if typeIndex < len(counts) {
		existingCount = counts[typeIndex]
	}

	walOverrides := make(map[uint32]*WALEntry)
	var walInsertOrder []uint32
	if o.wal != nil {
		entries := o.wal.Entries()
		for i := range entries {
			e := &entries[i]
			if int(e.TypeIndex) != typeIndex {
				continue
			}
			if _, seen := walOverrides[e.ID]; !seen {
				walInsertOrder = append(walInsertOrder, e.ID)
			}
			walOverrides[e.ID] = e // last write wins: entries are walked oldest-first
		}
	}

	seenFromMain := make(map[uint32]bool, existingCount)
	if existingCount > 0 {
		f, err := os.Open(o.path)
		if err != nil {
			return fmt.Errorf("%w: open %s: %v", ErrIO, o.path, err)
		}
		defer f.Close()

		if _, err := f.Seek(int64(MainHeaderSize+len(counts)*4), 0); err != nil {
			return fmt.Errorf("%w: seek past header: %v", ErrIO, err)
		}
		br := bufio.NewReader(f)
		if err := skipPriorSections(br, types, typeIndex, counts); err != nil {
			return err
		}
		scratch := td.New()
		for i := uint32(0); i < existingCount; i++ {
			r := newBinReader(br, DefaultStringCap)
			if init, ok := td.(Initializer); ok {
				init.Init(scratch)
			}
			if err := td.Read(r, scratch); err != nil {
				return fmt.Errorf("reading %s record %d: %w", td.Name(), i, err)
			}
			id := td.GetID(scratch)
			seenFromMain[id] = true

			if override, ok := walOverrides[id]; ok {
				if override.Op == OpDelete {
					continue
				}
				overridden, err := decodeWALPayload(td, override)
				if err != nil {
					return err
				}
				keepGoing, err := visit(overridden)
				if err != nil || !keepGoing {
					return err
				}
				continue
			}
			keepGoing, err := visit(scratch)
			if err != nil || !keepGoing {
				return err
			}
		}
	}

	for _, id := range walInsertOrder {
		if seenFromMain[id] {
			continue
		}
		e := walOverrides[id]
		if e.Op == OpDelete {
			continue
		}
		record, err := decodeWALPayload(td, e)
		if err != nil {
			return err
		}
		keepGoing, err := visit(record)
		if err != nil || !keepGoing {
			return err
		}
	}
	return nil
}

func (o *overlay) cacheInsert(key cacheKey, record any) {
	if o.cache != nil {
		o.cache.insert(key, record, nil)
	}
}

func (o *overlay) cacheInsertTombstone(key cacheKey) {
	if o.cache != nil {
		o.cache.insertTombstone(key, nil)
	}
}

// latestWALEntry finds the most recent (last-appended) entry touching
// (typeIndex, id), implementing "most-recent-entry-wins."
func latestWALEntry(entries []WALEntry, typeIndex int, id uint32) (*WALEntry, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if int(entries[i].TypeIndex) == typeIndex && entries[i].ID == id {
			return &entries[i], true
		}
	}
	return nil, false
}

// scanMainFile performs the fallback linear scan of one type's live
// section, stopping as soon as the target id is found.
func (o *overlay) scanMainFile(types []TypeDescriptor, typeIndex int, id uint32, counts []uint32) (any, bool, error) {
	existingCount := uint32(0)
	if typeIndex < len(counts) {
		existingCount = counts[typeIndex]
	}
	if existingCount == 0 {
		return nil, false, nil
	}
	f, err := os.Open(o.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: open %s: %v", ErrIO, o.path, err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(MainHeaderSize+len(counts)*4), 0); err != nil {
		return nil, false, fmt.Errorf("%w: seek past header: %v", ErrIO, err)
	}
	br := bufio.NewReader(f)
	if err := skipPriorSections(br, types, typeIndex, counts); err != nil {
		return nil, false, err
	}
	td := types[typeIndex]
	scratch := td.New()
	for i := uint32(0); i < existingCount; i++ {
		r := newBinReader(br, DefaultStringCap)
		if init, ok := td.(Initializer); ok {
			init.Init(scratch)
		}
		if err := td.Read(r, scratch); err != nil {
			return nil, false, fmt.Errorf("reading %s record %d: %w", td.Name(), i, err)
		}
		if td.GetID(scratch) == id {
			return scratch, true, nil
		}
	}
	return nil, false, nil
}

// skipPriorSections advances br, already positioned at the start of the
// main file's body (immediately after header+counts), past every type
// section before typeIndex. It prefers each type's Skipper capability
// (spec.md §4.3's "a type-specific skip function, or a full
// read-and-discard when skip is absent") so types that don't need their
// fields materialized to be skipped avoid the allocation of a scratch
// record entirely.
func skipPriorSections(br *bufio.Reader, types []TypeDescriptor, typeIndex int, counts []uint32) error {
	for i := 0; i < typeIndex; i++ {
		td := types[i]
		count := uint32(0)
		if i < len(counts) {
			count = counts[i]
		}
		r := newBinReader(br, DefaultStringCap)
		if skipper, ok := td.(Skipper); ok {
			for j := uint32(0); j < count; j++ {
				if err := skipper.Skip(r); err != nil {
					return fmt.Errorf("skipping %s record %d: %w", td.Name(), j, err)
				}
			}
			continue
		}
		scratch := td.New()
		for j := uint32(0); j < count; j++ {
			if init, ok := td.(Initializer); ok {
				init.Init(scratch)
			}
			if err := td.Read(r, scratch); err != nil {
				return fmt.Errorf("skipping (via read) %s record %d: %w", td.Name(), j, err)
			}
		}
	}
	return nil
}

// decodeWALPayload materializes a fresh record from a WAL entry's raw
// payload bytes, guarding against an empty payload on a non-delete op,
// which indicates a truncated or corrupt entry that should surface as
// ErrCorrupt rather than a confusing downstream decode error.
func decodeWALPayload(td TypeDescriptor, entry *WALEntry) (any, error) {
	if len(entry.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload for %s record %d", ErrCorrupt, td.Name(), entry.ID)
	}
	record := td.New()
	r := newBinReader(bufio.NewReader(bytes.NewReader(entry.Payload)), DefaultStringCap)
	if init, ok := td.(Initializer); ok {
		init.Init(record)
	}
	if err := td.Read(r, record); err != nil {
		return nil, fmt.Errorf("decoding walled %s record %d: %w", td.Name(), entry.ID, err)
	}
	return record, nil
}
