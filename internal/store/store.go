// Package store wraps the four SQLite databases the engine appends to:
// orderbook events, sensor observations, hourly forecasts, and the trade
// (positions + order submission) log. Each store serializes its own writes;
// no component reads another component's store at runtime.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// open opens a SQLite database, enables WAL, and applies schema DDL.
// The file is created if missing.
func open(path, schemaDDL string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}

	// WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration: %w", err)
	}

	return db, nil
}

// UTCMicro renders a timestamp as UTC ISO-8601 with microsecond precision,
// the format every table in the system stores.
func UTCMicro(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000-07:00")
}
