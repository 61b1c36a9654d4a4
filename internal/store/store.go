// Package store provides durable storage for the process-lifetime tracker
// service: a monotonic pid counter and the set of pids currently allocated,
// backed by pure-Go SQLite so a restart never reissues a pid.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite database for process-tracker storage.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at dbPath.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return d, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS process_counter (
			id    INTEGER PRIMARY KEY CHECK (id = 0),
			value INTEGER NOT NULL DEFAULT 0
		);
		INSERT OR IGNORE INTO process_counter (id, value) VALUES (0, 0);

		CREATE TABLE IF NOT EXISTS allocated_pids (
			pid        INTEGER PRIMARY KEY,
			allocated_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
	`)
	return err
}

// NextPID atomically increments and returns the durable process id counter.
func (d *DB) NextPID() (int64, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE process_counter SET value = value + 1 WHERE id = 0`); err != nil {
		return 0, fmt.Errorf("store: increment counter: %w", err)
	}
	var pid int64
	if err := tx.QueryRow(`SELECT value FROM process_counter WHERE id = 0`).Scan(&pid); err != nil {
		return 0, fmt.Errorf("store: read counter: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO allocated_pids (pid) VALUES (?)`, pid); err != nil {
		return 0, fmt.Errorf("store: record pid: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	return pid, nil
}

// ReleasePID removes pid from the allocated set, called when a tracked
// process's pipe closes. It is not an error to release an unknown pid.
func (d *DB) ReleasePID(pid int64) error {
	_, err := d.db.Exec(`DELETE FROM allocated_pids WHERE pid = ?`, pid)
	if err != nil {
		return fmt.Errorf("store: release pid %d: %w", pid, err)
	}
	return nil
}

// LiveCount returns the number of currently allocated pids.
func (d *DB) LiveCount() (int, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM allocated_pids`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}
