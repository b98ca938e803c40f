package storage

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"
)

// Options configures a Store, mirroring spec.md §6's configuration option
// list. api.Config builds one of these from its own, user-facing surface;
// Options itself stays storage-package-local so callers outside this
// module never depend on its shape directly.
type Options struct {
	DBPath   string
	TmpPath  string // default: DBPath + ".tmp"
	BakPath  string // default: DBPath + ".bak"
	WALPath  string // default: DBPath + ".wal"

	EnableWAL     bool
	WALMaxEntries uint32 // default 100
	WALMaxSize    int64  // default 64 KiB

	EnableCache bool
	CacheSize   int // default 16

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.TmpPath == "" {
		o.TmpPath = o.DBPath + ".tmp"
	}
	if o.BakPath == "" {
		o.BakPath = o.DBPath + ".bak"
	}
	if o.WALPath == "" {
		o.WALPath = o.DBPath + ".wal"
	}
	if o.WALMaxEntries == 0 {
		o.WALMaxEntries = 100
	}
	if o.WALMaxSize == 0 {
		o.WALMaxSize = 64 * 1024
	}
	if o.CacheSize == 0 {
		o.CacheSize = 16
	}
	if o.Logger == nil {
		o.Logger = discardLogger()
	}
	return o
}

// registeredType pairs a TypeDescriptor with the mutable bookkeeping the
// Store keeps per type: its position in registration order (the stable
// type_index spec.md §3 calls for) and the next id to hand out.
type registeredType struct {
	desc   TypeDescriptor
	nextID uint32
}

// Store is the database instance described in spec.md §3: the registered
// type table, per-type counts and id counters, the optional WAL, the
// optional cache, and the paths the rewrite engine swaps between. It holds
// no internal mutex of its own — per spec.md §5, the whole instance is
// already serialized by one caller-held mutex (concurrency.Mutex in the
// api package), so every method here assumes exclusive access for its
// duration.
type Store struct {
	opts   Options
	types  []registeredType
	counts []uint32

	wal   *WAL
	cache *lruCache
	ov    *overlay

	mainCRC         uint32
	recoveryPending bool
	log             *slog.Logger
}

// Open reconstructs in-memory state from the main file header and, if WAL
// is enabled, loads (but does not yet replay) WAL metadata — spec.md §3's
// lifecycle: "deferring replay until types are registered, because payload
// parsing requires read callbacks."
func Open(opts Options) (*Store, error) {
	opts = opts.withDefaults()
	if opts.DBPath == "" {
		return nil, fmt.Errorf("%w: DBPath is required", ErrInvalidArg)
	}

	if err := resolvePaths(opts.DBPath, opts.TmpPath, opts.BakPath); err != nil {
		return nil, err
	}

	hdr, ok, err := readMainHeader(opts.DBPath)
	if err != nil {
		return nil, err
	}
	mainCRC := uint32(0)
	if ok {
		mainCRC = hdr.integrityCRC
	}

	s := &Store{
		opts:    opts,
		mainCRC: mainCRC,
		log:     opts.Logger,
	}

	if opts.EnableCache {
		s.cache = newLRUCache(opts.CacheSize)
	}

	if opts.EnableWAL {
		w, err := OpenWAL(opts.WALPath, opts.WALMaxEntries, opts.WALMaxSize, mainCRC, opts.Logger)
		if err != nil {
			return nil, err
		}
		s.wal = w
		if w.EntryCount() > 0 {
			s.recoveryPending = true
		}
	}

	s.ov = &overlay{cache: s.cache, wal: s.wal, path: opts.DBPath}
	return s, nil
}

// RegisterType adds a type to the table, assigning it the next stable
// type_index (its position). Registration must happen after Open and
// before any CRUD call touching this type, per spec.md §3.
func (s *Store) RegisterType(td TypeDescriptor) (int, error) {
	if td == nil {
		return 0, fmt.Errorf("%w: nil type descriptor", ErrInvalidArg)
	}
	idx := len(s.types)
	counts, err := readCounts(s.opts.DBPath, idx+1)
	if err != nil {
		return 0, err
	}
	// next_id is recomputed precisely below by scanMaxID: the counts
	// vector alone under-reports the true id high-water mark once deletes
	// have happened, since it only tracks how many records remain.
	s.types = append(s.types, registeredType{desc: td})
	s.counts = counts

	maxID, err := s.scanMaxID(idx, td)
	if err != nil {
		return 0, err
	}
	s.types[idx].nextID = maxID
	return idx, nil
}

// scanMaxID finds the highest id ever observed for a freshly registered
// type, across both the main file's existing section and any WAL entries
// referencing it, so next_id[type] > max(id) holds immediately even before
// a pending checkpoint has run (spec.md §3 invariant).
func (s *Store) scanMaxID(typeIndex int, td TypeDescriptor) (uint32, error) {
	var maxID uint32
	count := uint32(0)
	if typeIndex < len(s.counts) {
		count = s.counts[typeIndex]
	}
	if count > 0 {
		err := s.ov.ForEach(typesOf(s.types), typeIndex, s.counts, func(record any) (bool, error) {
			if id := td.GetID(record); id > maxID {
				maxID = id
			}
			return true, nil
		})
		if err != nil {
			return 0, err
		}
	}
	if s.wal != nil {
		for _, e := range s.wal.Entries() {
			if int(e.TypeIndex) == typeIndex && e.ID > maxID {
				maxID = e.ID
			}
		}
	}
	return maxID, nil
}

func typesOf(rts []registeredType) []TypeDescriptor {
	out := make([]TypeDescriptor, len(rts))
	for i, rt := range rts {
		out[i] = rt.desc
	}
	return out
}

func (s *Store) descriptorAt(typeIndex int) (TypeDescriptor, error) {
	if typeIndex < 0 || typeIndex >= len(s.types) {
		return nil, fmt.Errorf("%w: type index %d", ErrNotRegistered, typeIndex)
	}
	return s.types[typeIndex].desc, nil
}

// ensureRecovered folds a pending WAL (loaded at Open before any type was
// registered) into the main file exactly once, on the first CRUD call
// after registration — spec.md §4.2's "recovery on open" contract.
func (s *Store) ensureRecovered() error {
	if !s.recoveryPending {
		return nil
	}
	if err := s.Checkpoint(); err != nil {
		return err
	}
	s.recoveryPending = false
	return nil
}

func (s *Store) countAt(typeIndex int) uint32 {
	if typeIndex < len(s.counts) {
		return s.counts[typeIndex]
	}
	return 0
}

// Add assigns a fresh monotonically increasing id to record, stages or
// applies the insert, and returns the new id.
func (s *Store) Add(typeIndex int, record any) (uint32, error) {
	td, err := s.descriptorAt(typeIndex)
	if err != nil {
		return 0, err
	}
	if err := s.ensureRecovered(); err != nil {
		return 0, err
	}

	id := s.types[typeIndex].nextID + 1
	td.SetID(record, id)

	if err := s.stageOrApply(typeIndex, OpAdd, id, record); err != nil {
		return 0, err
	}
	s.types[typeIndex].nextID = id
	return id, nil
}

// Update replaces the record at (typeIndex, id) in place. It returns
// ErrNotFound if no such record is currently visible.
func (s *Store) Update(typeIndex int, id uint32, record any) error {
	td, err := s.descriptorAt(typeIndex)
	if err != nil {
		return err
	}
	if err := s.ensureRecovered(); err != nil {
		return err
	}
	exists, err := s.ov.Exists(typesOf(s.types), typeIndex, id, s.counts)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s id %d", ErrNotFound, td.Name(), id)
	}
	td.SetID(record, id)
	return s.stageOrApply(typeIndex, OpUpdate, id, record)
}

// Delete removes the record at (typeIndex, id). It returns ErrNotFound if
// no such record is currently visible.
func (s *Store) Delete(typeIndex int, id uint32) error {
	td, err := s.descriptorAt(typeIndex)
	if err != nil {
		return err
	}
	if err := s.ensureRecovered(); err != nil {
		return err
	}
	exists, err := s.ov.Exists(typesOf(s.types), typeIndex, id, s.counts)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s id %d", ErrNotFound, td.Name(), id)
	}
	return s.stageOrApply(typeIndex, OpDelete, id, nil)
}

// Get resolves one record through the full read overlay.
func (s *Store) Get(typeIndex int, id uint32) (any, error) {
	td, err := s.descriptorAt(typeIndex)
	if err != nil {
		return nil, err
	}
	if err := s.ensureRecovered(); err != nil {
		return nil, err
	}
	record, result, err := s.ov.Get(typesOf(s.types), typeIndex, id, s.counts)
	if err != nil {
		return nil, err
	}
	if result != resultFound {
		return nil, fmt.Errorf("%w: %s id %d", ErrNotFound, td.Name(), id)
	}
	return record, nil
}

// Exists reports whether (typeIndex, id) currently resolves to a live
// record.
func (s *Store) Exists(typeIndex int, id uint32) (bool, error) {
	if _, err := s.descriptorAt(typeIndex); err != nil {
		return false, err
	}
	if err := s.ensureRecovered(); err != nil {
		return false, err
	}
	return s.ov.Exists(typesOf(s.types), typeIndex, id, s.counts)
}

// Count implements spec.md §4.3's count algorithm: the main file's
// per-type count, adjusted by a single pass over the WAL that tracks which
// ids have been seen rather than running a signed delta (the spec's
// explicit fix for the source's underflow-prone approach, §9).
func (s *Store) Count(typeIndex int) (int, error) {
	if _, err := s.descriptorAt(typeIndex); err != nil {
		return 0, err
	}
	if err := s.ensureRecovered(); err != nil {
		return 0, err
	}
	count := int(s.countAt(typeIndex))
	if s.wal == nil {
		return count, nil
	}

	lastOp := make(map[uint32]OpCode)
	for _, e := range s.wal.Entries() {
		if int(e.TypeIndex) != typeIndex {
			continue
		}
		lastOp[e.ID] = e.Op
	}
	if len(lastOp) == 0 {
		return count, nil
	}

	// Determine, for each id touched by the WAL, whether it was already
	// present in the main file's section — a plain overlay with no WAL or
	// cache attached walks exactly that pre-overlay view.
	mainHas := make(map[uint32]bool, len(lastOp))
	if s.countAt(typeIndex) > 0 {
		td := s.types[typeIndex].desc
		plain := &overlay{path: s.opts.DBPath}
		err := plain.ForEach(typesOf(s.types), typeIndex, s.counts, func(record any) (bool, error) {
			id := td.GetID(record)
			if _, touched := lastOp[id]; touched {
				mainHas[id] = true
			}
			return true, nil
		})
		if err != nil {
			return 0, err
		}
	}

	for id, op := range lastOp {
		wasInMain := mainHas[id]
		switch op {
		case OpAdd:
			if !wasInMain {
				count++
			}
		case OpDelete:
			if wasInMain {
				count--
			}
			// A delete for an id never in main, whose earlier ADD was
			// also folded into this same lastOp map, nets to zero: lastOp
			// retains only the final op per id, so an id that was
			// ADD-then-DELETE within the WAL was never counted by the
			// ADD branch above in the first place.
		case OpUpdate:
			// no change in count
		}
	}
	return count, nil
}

// ForEach visits every live record of one type through the full overlay.
func (s *Store) ForEach(typeIndex int, visit func(record any) (bool, error)) error {
	if _, err := s.descriptorAt(typeIndex); err != nil {
		return err
	}
	if err := s.ensureRecovered(); err != nil {
		return err
	}
	return s.ov.ForEach(typesOf(s.types), typeIndex, s.counts, visit)
}

// stageOrApply either appends a WAL entry (when WAL is enabled) or invokes
// the rewrite engine directly for a single mutation (when it is not),
// keeping the cache coherent exactly as spec.md §4.4 requires: "WAL append
// is the single point that updates the cache for writes."
func (s *Store) stageOrApply(typeIndex int, op OpCode, id uint32, record any) error {
	td := s.types[typeIndex].desc
	key := cacheKey{typeIndex: typeIndex, id: id}

	if s.wal != nil {
		var payload []byte
		if op != OpDelete {
			p, err := encodeRecord(td, record)
			if err != nil {
				return err
			}
			payload = p
		}
		if err := s.wal.Append(op, uint8(typeIndex), id, payload); err != nil {
			return err
		}
		switch op {
		case OpDelete:
			if s.cache != nil {
				s.cache.insertTombstone(key, destroyFor(td))
			}
		default:
			if s.cache != nil {
				s.cache.insert(key, record, destroyFor(td))
			}
		}
		if s.wal.ShouldCheckpoint() {
			if err := s.Checkpoint(); err != nil {
				s.log.Warn("automatic checkpoint failed", "error", err)
			}
		}
		return nil
	}

	plan := newRewritePlan(typeIndex)
	switch op {
	case OpDelete:
		plan.delete(id)
	default:
		plan.upsert(id, record)
	}
	return s.applyRewrite(map[int]*rewritePlan{typeIndex: plan})
}

// applyRewrite runs the rewrite engine with the given per-type plans and
// adopts the resulting counts and main-file CRC. It also invalidates any
// cached entries the plans touch, since a direct rewrite bypasses the
// WAL's cache-coherence point.
func (s *Store) applyRewrite(plans map[int]*rewritePlan) error {
	engine := newRewriteEngine(typesOf(s.types), s.opts.DBPath, s.opts.TmpPath, s.opts.BakPath, s.counts)
	newCounts, crc, err := engine.Run(plans)
	if err != nil {
		return err
	}
	s.counts = newCounts
	s.mainCRC = crc

	if s.cache != nil {
		for typeIndex, plan := range plans {
			for id := range plan.byID {
				s.cache.invalidate(cacheKey{typeIndex: typeIndex, id: id}, destroyFor(s.types[typeIndex].desc))
			}
		}
	}
	return nil
}

// Checkpoint folds the WAL into the main file: deduplicate per (type, id)
// keeping only the latest op, coerce an UPDATE with no prior ADD/main
// record into an ADD, apply the batch via the rewrite engine, then reset
// the WAL and clear the cache — spec.md §4.2.
func (s *Store) Checkpoint() error {
	if s.wal == nil || s.wal.EntryCount() == 0 {
		return nil // no-op per spec.md §8 boundary behavior
	}

	plans := make(map[int]*rewritePlan)
	for _, e := range s.wal.Entries() {
		typeIndex := int(e.TypeIndex)
		plan, ok := plans[typeIndex]
		if !ok {
			plan = newRewritePlan(typeIndex)
			plans[typeIndex] = plan
		}
		if e.Op == OpDelete {
			plan.delete(e.ID)
			continue
		}
		td, err := s.descriptorAt(typeIndex)
		if err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		record, err := decodeWALPayload(td, &e)
		if err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		plan.upsert(e.ID, record)
	}

	if err := s.applyRewrite(plans); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := s.wal.Reset(s.mainCRC); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if s.cache != nil {
		s.cache.clear(func(key cacheKey, record any) {
			if key.typeIndex < 0 || key.typeIndex >= len(s.types) {
				return
			}
			if destroy := destroyFor(s.types[key.typeIndex].desc); destroy != nil {
				destroy(record)
			}
		})
	}
	s.log.Debug("checkpoint complete", "main_crc", s.mainCRC)
	return nil
}

// DeleteWhere removes every record of typeIndex for which keep returns
// false, in one streaming rewrite pass — spec.md §4.1's filter-delete. Any
// pending WAL entries are folded into the main file first so the predicate
// sees every staged mutation, not just what has already reached it; the
// pass itself always runs directly against the rewrite engine, since a
// predicate is a Go closure and has no WAL-serializable form (spec.md §4.2's
// WAL entries carry a fixed op/type/id/payload shape, unlike filter-delete's
// type-wide scan). It returns the number of records removed.
func (s *Store) DeleteWhere(typeIndex int, keep func(record any) bool) (int, error) {
	if _, err := s.descriptorAt(typeIndex); err != nil {
		return 0, err
	}
	if err := s.ensureRecovered(); err != nil {
		return 0, err
	}
	if s.wal != nil && s.wal.EntryCount() > 0 {
		if err := s.Checkpoint(); err != nil {
			return 0, err
		}
	}

	plan := newRewritePlan(typeIndex)
	plan.setFilterDelete(keep)
	if err := s.applyFilterRewrite(typeIndex, plan); err != nil {
		return 0, err
	}
	return plan.filterDeleted, nil
}

// UpdateWhere applies mutate in place to every record of typeIndex for
// which predicate returns true, in one streaming rewrite pass — spec.md
// §4.1's filter-modify. Like DeleteWhere, it folds any pending WAL first and
// then always runs directly against the rewrite engine. It returns the
// number of records modified.
func (s *Store) UpdateWhere(typeIndex int, predicate func(record any) bool, mutate func(record any)) (int, error) {
	if _, err := s.descriptorAt(typeIndex); err != nil {
		return 0, err
	}
	if err := s.ensureRecovered(); err != nil {
		return 0, err
	}
	if s.wal != nil && s.wal.EntryCount() > 0 {
		if err := s.Checkpoint(); err != nil {
			return 0, err
		}
	}

	plan := newRewritePlan(typeIndex)
	plan.setFilterModify(predicate, mutate)
	if err := s.applyFilterRewrite(typeIndex, plan); err != nil {
		return 0, err
	}
	return plan.filterModified, nil
}

// applyFilterRewrite runs the rewrite engine with a single filter-bearing
// plan and adopts the resulting counts/CRC. Unlike applyRewrite's per-id
// cache invalidation, a filter pass can touch an unbounded, unknown set of
// ids, so the whole cache for this type is cleared instead.
func (s *Store) applyFilterRewrite(typeIndex int, plan *rewritePlan) error {
	engine := newRewriteEngine(typesOf(s.types), s.opts.DBPath, s.opts.TmpPath, s.opts.BakPath, s.counts)
	newCounts, crc, err := engine.Run(map[int]*rewritePlan{typeIndex: plan})
	if err != nil {
		return err
	}
	s.counts = newCounts
	s.mainCRC = crc

	if s.cache != nil {
		s.cache.invalidateType(typeIndex, destroyFor(s.types[typeIndex].desc))
	}
	return nil
}

// Close flushes any pending WAL via checkpoint and releases resources. A
// failed checkpoint does not suppress the WAL file handle's own close: both
// are attempted and their errors aggregated, so a caller sees a stuck file
// descriptor even when the checkpoint itself also failed.
func (s *Store) Close() error {
	if s.wal == nil {
		return nil
	}
	var err error
	err = multierr.Append(err, s.Checkpoint())
	err = multierr.Append(err, s.wal.Close())
	return err
}

// CacheStats reports hit/miss/size/capacity, or ok=false when caching is
// disabled. Supplemented beyond spec.md's literal text per SPEC_FULL.md
// §11, grounded in the reference implementation's Pager.CacheStats.
func (s *Store) CacheStats() (hits, misses uint64, size, capacity int, ok bool) {
	if s.cache == nil {
		return 0, 0, 0, 0, false
	}
	hits, misses, size, capacity = s.cache.stats()
	return hits, misses, size, capacity, true
}

// encodeRecord serializes record through td.Write into a standalone byte
// slice, used to build a WAL entry's payload.
func encodeRecord(td TypeDescriptor, record any) ([]byte, error) {
	var buf bytes.Buffer
	bw := newBinWriter(bufio.NewWriter(&buf))
	if err := td.Write(bw, record); err != nil {
		return nil, fmt.Errorf("encoding %s record: %w", td.Name(), err)
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("flushing encoded %s record: %w", td.Name(), err)
	}
	return buf.Bytes(), nil
}

func destroyFor(td TypeDescriptor) func(any) {
	d, ok := td.(Destroyer)
	if !ok {
		return nil
	}
	return d.Destroy
}
