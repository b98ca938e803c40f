package api

import "github.com/kferreira/traitdb/storage"

// Error sentinels are defined once in the storage package (spec.md §6's
// taxonomy) and re-exported here so callers of the public api package
// never need to import storage directly just to call errors.Is against
// them.
var (
	ErrInvalidArg    = storage.ErrInvalidArg
	ErrNoMem         = storage.ErrNoMem
	ErrNotFound      = storage.ErrNotFound
	ErrExists        = storage.ErrExists
	ErrIO            = storage.ErrIO
	ErrCorrupt       = storage.ErrCorrupt
	ErrFull          = storage.ErrFull
	ErrTimeout       = storage.ErrTimeout
	ErrNotRegistered = storage.ErrNotRegistered
	ErrReadOnly      = storage.ErrReadOnly
)
