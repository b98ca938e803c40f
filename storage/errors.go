package storage

import "errors"

// Sentinel errors matching the taxonomy in spec.md §6. Callers should test
// with errors.Is, since every returned error is wrapped with call-site
// context via fmt.Errorf("%w: ...", ...), mirroring the "pager: %w" wrapping
// convention in storage/pager.go of the reference implementation.
var (
	ErrInvalidArg    = errors.New("invalid argument")
	ErrNoMem         = errors.New("allocation failed")
	ErrNotFound      = errors.New("record not found")
	ErrExists        = errors.New("record already exists")
	ErrIO            = errors.New("i/o error")
	ErrCorrupt       = errors.New("corrupt data")
	ErrFull          = errors.New("type table full")
	ErrTimeout       = errors.New("lock acquisition timed out")
	ErrNotRegistered = errors.New("type not registered")
	ErrReadOnly      = errors.New("database is read-only")
)
