package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// Registers the "sqlite3" driver.
	_ "github.com/mattn/go-sqlite3"
)

// Open returns a handle to the SQLite database at path, creating the file and
// its directory if needed. The database runs in WAL journal mode so readers
// are not blocked by the replication writer.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_busy_timeout=5000&_foreign_keys=on&_journal=WAL&_sync=NORMAL",
		path,
	)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open failed: %w", err)
	}

	// Ping to verify the connection is alive immediately after opening.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping failed after open: %w", err)
	}

	return db, nil
}

// Checkpoint flushes the write-ahead log into the main database file.
func Checkpoint(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA wal_checkpoint(FULL)"); err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	return nil
}
