package storage

import (
	"fmt"
	"os"
)

// resolvePaths implements spec.md §4.5's on-open recovery: prefer db, then
// db.tmp, then db.bak. It is idempotent and safe to call both when the
// Store opens and before every rewrite pass, since a crash between any two
// syscalls of a prior atomic swap can leave the primary missing.
func resolvePaths(dbPath, tmpPath, bakPath string) error {
	dbExists := fileExists(dbPath)
	if !dbExists {
		if fileExists(tmpPath) {
			if err := os.Rename(tmpPath, dbPath); err != nil {
				return fmt.Errorf("%w: recover %s from %s: %v", ErrIO, dbPath, tmpPath, err)
			}
			return nil
		}
		if fileExists(bakPath) {
			if err := os.Rename(bakPath, dbPath); err != nil {
				return fmt.Errorf("%w: recover %s from %s: %v", ErrIO, dbPath, bakPath, err)
			}
			return nil
		}
		return nil // brand-new database
	}
	// db is present: any .tmp left over is from an interrupted rewrite that
	// never reached the final rename and must not be mistaken for live data.
	if fileExists(tmpPath) {
		_ = os.Remove(tmpPath)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
