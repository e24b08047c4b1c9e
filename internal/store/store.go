// Package store persists sweep runs, their per-point optics results and the
// raw probe trajectories in a sqlite database.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps the results database.
type Store struct {
	*sql.DB
}

// Open opens (creating if needed) the results database and applies the
// connection pragmas. Schema management belongs to the migration layer.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// WAL plus a busy timeout so concurrent point recording does not trip
	// over the single writer lock.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return &Store{db}, nil
}
