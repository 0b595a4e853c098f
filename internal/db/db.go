// Package db owns the schema (spec §3) and the session-factory contract
// that lets services degrade cleanly on shutdown (spec §4.1).
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// DB wraps the underlying *sql.DB with the driver-selection and pragma
// tuning the teacher applies (internal/db/db.go), generalized to Kagan's
// dual-driver story: mattn/go-sqlite3 (cgo) by default, modernc.org/sqlite
// (pure Go) when KAGAN_DB_DRIVER=modernc — useful for cross-compiled or
// CGO_ENABLED=0 builds.
type DB struct {
	conn   *sql.DB
	driver string
}

// New opens (creating if necessary) the SQLite database at databaseURL.
func New(databaseURL string) (*DB, error) {
	driver := "sqlite3"
	if os.Getenv("KAGAN_DB_DRIVER") == "modernc" {
		driver = "sqlite"
	}

	dbDir := filepath.Dir(databaseURL)
	if dbDir != "." && dbDir != "" {
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
		}
	}

	var conn *sql.DB
	var err error
	maxRetries := 5
	baseDelay := 100 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		conn, err = sql.Open(driver, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(5)

		if pingErr := conn.Ping(); pingErr != nil {
			if attempt == maxRetries-1 {
				return nil, fmt.Errorf("failed to ping database after %d attempts: %w", maxRetries, pingErr)
			}
			conn.Close()
			time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
			continue
		}
		break
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return &DB{conn: conn, driver: driver}, nil
}

func (d *DB) Close() error {
	d.conn.SetMaxOpenConns(0)
	d.conn.SetMaxIdleConns(0)
	d.conn.SetConnMaxLifetime(0)
	return d.conn.Close()
}

func (d *DB) Conn() *sql.DB { return d.conn }

// Migrate runs the goose-managed migrations, then the additive
// schema-compatibility pass (spec §4.1).
func (d *DB) Migrate() error {
	if err := RunMigrations(d.conn); err != nil {
		return err
	}
	return RunSchemaCompat(d.conn)
}
