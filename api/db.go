// Package api is the public entry point for traitdb: open a database,
// register record types, and perform create/read/update/delete/iterate
// operations by type name and numeric id. Modeled on the reference
// implementation's api/db.go (a thin DB struct wrapping the storage
// layer's primitives behind one lock), with the SQL executor/parser/index
// layers it wraps replaced by direct storage.Store calls — this store has
// no query language of its own beyond the thin filter layer in query.go.
package api

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kferreira/traitdb/concurrency"
	"github.com/kferreira/traitdb/query"
	"github.com/kferreira/traitdb/storage"
)

// DB is an open database instance. Every exported method except CacheStats
// acquires the configured Mutex for its full duration (spec.md §5) before
// delegating to
// the storage.Store that holds the actual type table, WAL, cache, and
// paths.
type DB struct {
	store       *storage.Store
	mutex       concurrency.Mutex
	lockTimeout time.Duration
	readOnly    bool
	log         *slog.Logger
	typesByName map[string]int
	descriptors map[string]storage.TypeDescriptor
}

// Open opens or creates a database at cfg.DBPath, applying configuration
// defaults (spec.md §6). Registration of record types must happen next,
// before any CRUD call, via RegisterType.
func Open(cfg Config) (*DB, error) {
	cfg = cfg.withDefaults()
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("%w: DBPath is required", ErrInvalidArg)
	}

	store, err := storage.Open(storage.Options{
		DBPath:        cfg.DBPath,
		TmpPath:       cfg.TmpPath,
		BakPath:       cfg.BakPath,
		WALPath:       cfg.WALPath,
		EnableWAL:     cfg.EnableWAL,
		WALMaxEntries: cfg.WALMaxEntries,
		WALMaxSize:    cfg.WALMaxSize,
		EnableCache:   cfg.EnableCache,
		CacheSize:     cfg.CacheSize,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &DB{
		store:       store,
		mutex:       cfg.Mutex,
		lockTimeout: cfg.LockTimeout,
		readOnly:    cfg.ReadOnly,
		log:         cfg.Logger,
		typesByName: make(map[string]int),
		descriptors: make(map[string]storage.TypeDescriptor),
	}, nil
}

// withLock acquires db's mutex (if configured) for the duration of fn,
// returning storage.ErrTimeout-wrapped on expiry, per spec.md §5.
func (db *DB) withLock(fn func() error) error {
	if db.mutex != nil {
		if err := db.mutex.Lock(db.lockTimeout); err != nil {
			return fmt.Errorf("%w: %v", storage.ErrTimeout, err)
		}
		defer db.mutex.Unlock()
	}
	return fn()
}

// RegisterType binds name to td, assigning it the next stable type_index.
// It must be called after Open and before any CRUD call touching this
// type (spec.md §3's lifecycle).
func (db *DB) RegisterType(name string, td storage.TypeDescriptor) error {
	return db.withLock(func() error {
		if _, exists := db.typesByName[name]; exists {
			return fmt.Errorf("%w: type %q already registered", ErrExists, name)
		}
		idx, err := db.store.RegisterType(td)
		if err != nil {
			return err
		}
		db.typesByName[name] = idx
		db.descriptors[name] = td
		return nil
	})
}

func (db *DB) typeIndex(name string) (int, error) {
	idx, ok := db.typesByName[name]
	if !ok {
		return 0, fmt.Errorf("%w: type %q", ErrNotRegistered, name)
	}
	return idx, nil
}

// Add inserts record under type name, assigning it a fresh id.
func (db *DB) Add(name string, record any) (uint32, error) {
	var id uint32
	err := db.withLock(func() error {
		if db.readOnly {
			return fmt.Errorf("%w: add", ErrReadOnly)
		}
		idx, err := db.typeIndex(name)
		if err != nil {
			return err
		}
		id, err = db.store.Add(idx, record)
		return err
	})
	return id, err
}

// Update replaces the record at (name, id).
func (db *DB) Update(name string, id uint32, record any) error {
	return db.withLock(func() error {
		if db.readOnly {
			return fmt.Errorf("%w: update", ErrReadOnly)
		}
		idx, err := db.typeIndex(name)
		if err != nil {
			return err
		}
		return db.store.Update(idx, id, record)
	})
}

// Delete removes the record at (name, id).
func (db *DB) Delete(name string, id uint32) error {
	return db.withLock(func() error {
		if db.readOnly {
			return fmt.Errorf("%w: delete", ErrReadOnly)
		}
		idx, err := db.typeIndex(name)
		if err != nil {
			return err
		}
		return db.store.Delete(idx, id)
	})
}

// DeleteWhere removes every record of type name for which keep returns
// false, in one streaming rewrite pass (spec.md §4.1's filter-delete). It
// returns the number of records removed.
func (db *DB) DeleteWhere(name string, keep func(record any) bool) (int, error) {
	var removed int
	err := db.withLock(func() error {
		if db.readOnly {
			return fmt.Errorf("%w: delete_where", ErrReadOnly)
		}
		idx, err := db.typeIndex(name)
		if err != nil {
			return err
		}
		removed, err = db.store.DeleteWhere(idx, keep)
		return err
	})
	return removed, err
}

// UpdateWhere applies mutate in place to every record of type name for
// which predicate returns true, in one streaming rewrite pass (spec.md
// §4.1's filter-modify). It returns the number of records modified.
func (db *DB) UpdateWhere(name string, predicate func(record any) bool, mutate func(record any)) (int, error) {
	var modified int
	err := db.withLock(func() error {
		if db.readOnly {
			return fmt.Errorf("%w: update_where", ErrReadOnly)
		}
		idx, err := db.typeIndex(name)
		if err != nil {
			return err
		}
		modified, err = db.store.UpdateWhere(idx, predicate, mutate)
		return err
	})
	return modified, err
}

// Get resolves one record by (name, id).
func (db *DB) Get(name string, id uint32) (any, error) {
	var record any
	err := db.withLock(func() error {
		idx, err := db.typeIndex(name)
		if err != nil {
			return err
		}
		record, err = db.store.Get(idx, id)
		return err
	})
	return record, err
}

// Exists reports whether (name, id) currently resolves to a live record.
func (db *DB) Exists(name string, id uint32) (bool, error) {
	var exists bool
	err := db.withLock(func() error {
		idx, err := db.typeIndex(name)
		if err != nil {
			return err
		}
		exists, err = db.store.Exists(idx, id)
		return err
	})
	return exists, err
}

// Count returns the number of live records of type name.
func (db *DB) Count(name string) (int, error) {
	var count int
	err := db.withLock(func() error {
		idx, err := db.typeIndex(name)
		if err != nil {
			return err
		}
		count, err = db.store.Count(idx)
		return err
	})
	return count, err
}

// ForEach visits every live record of type name. visit returning false
// stops iteration early without error.
func (db *DB) ForEach(name string, visit func(record any) (keepGoing bool, err error)) error {
	return db.withLock(func() error {
		idx, err := db.typeIndex(name)
		if err != nil {
			return err
		}
		return db.store.ForEach(idx, visit)
	})
}

// Checkpoint explicitly folds the WAL into the main file. A no-op if WAL
// is disabled or empty.
func (db *DB) Checkpoint() error {
	return db.withLock(func() error {
		if db.readOnly {
			return fmt.Errorf("%w: checkpoint", ErrReadOnly)
		}
		return db.store.Checkpoint()
	})
}

// Vacuum is an alias for Checkpoint exposed under the name spec.md's
// mutation descriptor enumerates ("no-op vacuum"): it folds any pending WAL
// entries into the main file in one rewrite pass. When the WAL is disabled
// or empty it does nothing; it never runs a rewrite pass with no mutation.
func (db *DB) Vacuum() error {
	return db.Checkpoint()
}

// Exec runs q (see the query package) against this database, invoking
// visit for each matching record. The target type must have been
// registered with a storage.QueryableDescriptor for q to evaluate field
// conditions against it.
func (db *DB) Exec(q *query.Query, visit func(record any) (keepGoing bool, err error)) error {
	return db.withLock(func() error {
		fields, err := db.fieldLookup(q.TypeName)
		if err != nil {
			return err
		}
		return q.Exec(lockedSource{db}, fields, visit)
	})
}

// QueryCount runs q purely to count matches, ignoring its Limit/Offset.
func (db *DB) QueryCount(q *query.Query) (int, error) {
	var count int
	err := db.withLock(func() error {
		fields, err := db.fieldLookup(q.TypeName)
		if err != nil {
			return err
		}
		count, err = q.Count(lockedSource{db}, fields)
		return err
	})
	return count, err
}

// lockedSource adapts DB to query.Source for use from inside a call that
// already holds db's mutex (Exec/QueryCount): it calls straight through to
// the storage layer instead of db.ForEach, which would otherwise try to
// reacquire the same non-reentrant mutex and deadlock.
type lockedSource struct{ db *DB }

func (s lockedSource) ForEach(typeName string, visit func(record any) (bool, error)) error {
	idx, err := s.db.typeIndex(typeName)
	if err != nil {
		return err
	}
	return s.db.store.ForEach(idx, visit)
}

func (db *DB) fieldLookup(typeName string) (query.FieldLookup, error) {
	td, ok := db.descriptors[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: type %q", ErrNotRegistered, typeName)
	}
	qd, ok := td.(storage.QueryableDescriptor)
	if !ok {
		return nil, fmt.Errorf("%w: type %q has no queryable fields", ErrInvalidArg, typeName)
	}
	return qd, nil
}

// CacheStats reports cache hit/miss/size/capacity, or ok=false if caching
// is disabled. It reads the counters without acquiring the Mutex.
func (db *DB) CacheStats() (hits, misses uint64, size, capacity int, ok bool) {
	return db.store.CacheStats()
}

// Close flushes any pending WAL via checkpoint and releases resources.
func (db *DB) Close() error {
	return db.withLock(func() error {
		return db.store.Close()
	})
}
