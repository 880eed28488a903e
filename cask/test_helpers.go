package cask

import (
	"os"
	"testing"
)

// SetupTempCask opens a Cask in a fresh temp directory and registers its
// cleanup (close then remove) with tb.
func SetupTempCask(tb testing.TB, opts ...Option) (db *Cask, path string, cleanup func()) {
	path, err := os.MkdirTemp("", "cask_test_*")
	if err != nil {
		tb.Fatalf("MkdirTemp failed: %v", err)
	}

	db, err = Open(path, opts...)
	if err != nil {
		_ = os.RemoveAll(path)
		tb.Fatalf("Open(%q) failed: %v", path, err)
	}

	cleanup = func() {
		_ = db.Close()
		_ = os.RemoveAll(path)
	}
	tb.Cleanup(cleanup)

	return db, path, cleanup
}
