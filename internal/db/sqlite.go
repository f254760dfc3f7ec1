package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// sqliteBusyTimeout bounds how long a connection waits on a lock before
	// surfacing SQLITE_BUSY. State writes are small, so contention clears
	// quickly.
	sqliteBusyTimeout = 5 * time.Second

	// sqliteReaderConns sizes the read pool. WAL mode lets these run
	// concurrently with the single writer.
	sqliteReaderConns = 4
)

// OpenSQLite opens the write side of the state store: one connection in WAL
// mode so optimistic-lock writes serialize in the driver instead of failing
// with SQLITE_BUSY. The database file and its directory are created on first
// use.
func OpenSQLite(path string) (*sql.DB, error) {
	path = absSQLitePath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := touchSQLiteFile(path); err != nil {
		return nil, fmt.Errorf("failed to create state file: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path, int(sqliteBusyTimeout/time.Millisecond))
	writer, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	return writer, nil
}

// OpenSQLiteReader opens the read side: a pool of read-only connections that
// see WAL snapshots without blocking the writer. journal_mode and synchronous
// are database-level settings already applied by the writer.
func OpenSQLiteReader(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		absSQLitePath(path), int(sqliteBusyTimeout/time.Millisecond))
	reader, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only state store: %w", err)
	}
	reader.SetMaxOpenConns(sqliteReaderConns)
	reader.SetMaxIdleConns(sqliteReaderConns)
	return reader, nil
}

func touchSQLiteFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// absSQLitePath resolves the path so the writer and reader DSNs agree on one
// database file regardless of the working directory.
func absSQLitePath(path string) string {
	if path == "" {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
