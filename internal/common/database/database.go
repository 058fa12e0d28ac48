// Package database provides SQLite connection management for the gateway's
// persistent state. Each database file gets a single-connection writer pool
// and a small read-only pool; WAL mode lets readers proceed alongside the
// writer.
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// defaultReaderConns is the number of concurrent read connections.
	// SQLite WAL mode allows many readers alongside a single writer.
	defaultReaderConns = 4
)

// DB bundles the writer and reader pools for one SQLite database file.
type DB struct {
	// Writer is a single-connection pool. All writes go through it, which
	// serializes them and avoids SQLITE_BUSY.
	Writer *sqlx.DB

	// Reader is a read-only pool sized for concurrent queries.
	Reader *sqlx.DB

	path string
}

// Open opens (creating if needed) the SQLite database at dbPath and returns
// writer and reader pools.
func Open(dbPath string) (*DB, error) {
	normalizedPath := normalizePath(dbPath)
	if err := ensureDir(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	if err := ensureFile(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	// Writer DSN settings:
	// - foreign_keys=on: enforce FK constraints consistently.
	// - busy_timeout: wait briefly on locks to reduce transient "database is locked".
	// - journal_mode=WAL: better read concurrency with a single writer.
	// - synchronous=NORMAL: reasonable durability/perf tradeoff for app workloads.
	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		normalizedPath,
		int(defaultBusyTimeout/time.Millisecond),
	)
	writer, err := sqlx.Open("sqlite3", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	// Reader DSN: read-only mode. journal_mode and synchronous are
	// database-level settings established by the writer.
	readerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		normalizedPath,
		int(defaultBusyTimeout/time.Millisecond),
	)
	reader, err := sqlx.Open("sqlite3", readerDSN)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	reader.SetMaxOpenConns(defaultReaderConns)
	reader.SetMaxIdleConns(defaultReaderConns)

	return &DB{Writer: writer, Reader: reader, path: normalizedPath}, nil
}

// OpenInMemory opens a shared in-memory database. Both pools point at the
// same connection since there is no file for a read-only pool to attach to.
// Intended for tests.
func OpenInMemory() (*DB, error) {
	db, err := sqlx.Open("sqlite3", "file::memory:?_foreign_keys=on&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &DB{Writer: db, Reader: db, path: ":memory:"}, nil
}

// Path returns the filesystem path of the database file.
func (d *DB) Path() string {
	return d.path
}

// Close closes both pools.
func (d *DB) Close() error {
	var firstErr error
	if d.Reader != nil && d.Reader != d.Writer {
		if err := d.Reader.Close(); err != nil {
			firstErr = err
		}
	}
	if d.Writer != nil {
		if err := d.Writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureFile(dbPath string) error {
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
