package storage

import (
	"io"
	"log/slog"
)

// discardLogger is the fallback used wherever a *slog.Logger parameter is
// nil, so every logging call site in this package can assume a non-nil
// logger without a separate nil check. api.Config wires in a real logger
// (or one pointed at os.Stderr by default); storage-level constructors that
// are also exercised directly by tests fall back to this silent one.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
