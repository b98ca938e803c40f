package api

import (
	"log/slog"
	"os"
	"time"

	"github.com/kferreira/traitdb/concurrency"
)

// Config is the public, user-facing configuration surface enumerated in
// spec.md §6. Unlike storage.Options (internal to the storage package),
// Config also carries the ambient concerns SPEC_FULL.md §2 adds: the
// instance's Mutex and its slog.Logger.
type Config struct {
	// DBPath is the main file's path. Required.
	DBPath string

	// TmpPath defaults to DBPath + ".tmp"; BakPath to DBPath + ".bak".
	TmpPath string
	BakPath string

	// Mutex serializes every public operation for the duration of the
	// call (spec.md §5). Defaults to concurrency.NoneMutex{} — spec.md §6:
	// "mutex (default: none)" — meaning an unconfigured DB assumes the
	// caller already guarantees single-threaded access. Pass a
	// concurrency.NewTimeoutMutex() to opt into locking for concurrent
	// callers.
	Mutex      concurrency.Mutex
	LockTimeout time.Duration // only meaningful with a locking Mutex; default concurrency.DefaultTimeout (5s)

	// EnableWAL turns on write-ahead logging; WALPath defaults to
	// DBPath + ".wal". WALMaxEntries/WALMaxSize configure checkpoint
	// thresholds (defaults 100 entries / 64 KiB).
	EnableWAL     bool
	WALPath       string
	WALMaxEntries uint32
	WALMaxSize    int64

	// EnableCache turns on the bounded LRU read cache; CacheSize
	// defaults to 16.
	EnableCache bool
	CacheSize   int

	// ReadOnly rejects every mutating call with ErrReadOnly, the
	// supplemented open mode from SPEC_FULL.md §11.
	ReadOnly bool

	// Logger receives structured diagnostic events: at Warn, a discarded WAL
	// header, a WAL entry CRC mismatch and a failed automatic checkpoint; at
	// Debug, each WAL append and each completed checkpoint. Defaults to a
	// logger writing to
	// os.Stderr at Info level; pass slog.New(slog.NewTextHandler(io.Discard, nil))
	// to silence it entirely.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.LockTimeout <= 0 {
		c.LockTimeout = concurrency.DefaultTimeout
	}
	if c.Mutex == nil {
		c.Mutex = concurrency.NoneMutex{}
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return c
}
