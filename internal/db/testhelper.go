package db

import (
	"path/filepath"
	"testing"
)

// OpenTestArchive opens a migrated archive in t.TempDir() and registers
// cleanup.
func OpenTestArchive(t *testing.T) *Archive {
	t.Helper()

	a, err := OpenArchive(filepath.Join(t.TempDir(), "history.sqlite"), 4)
	if err != nil {
		t.Fatalf("open test archive: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}
