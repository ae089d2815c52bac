package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Database wraps the SQL handle for easier swapping/testing.
type Database struct {
	DB *sql.DB
}

// New opens (and creates if needed) the SQLite database at path.
// ":memory:" opens a private in-memory database.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	if path != ":memory:" {
		// an in-memory database lives only as long as its connection
		db.SetConnMaxLifetime(time.Hour)
	}

	return &Database{DB: db}, nil
}

// Open is New followed by ApplyMigrations.
func Open(path string) (*Database, error) {
	d, err := New(path)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(d); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the underlying DB handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
