package store

import (
	"os"
	"path/filepath"
	"testing"
)

// newTestStore opens a migrated store on a per-test temp database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "results.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.MigrateUp(testMigrationsDir(t)); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	return s
}

// testMigrationsDir locates db/migrations relative to this package.
func testMigrationsDir(t *testing.T) string {
	t.Helper()
	for _, cand := range []string{"../../db/migrations", "../db/migrations", "db/migrations"} {
		if _, err := os.Stat(cand); err == nil {
			return cand
		}
	}
	t.Fatal("cannot find db/migrations - run tests from repository root")
	return ""
}
