package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	e "github.com/cs2valuation/pricecache/errors"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS skin_prices (
    market_hash_name TEXT NOT NULL,
    app_id INTEGER NOT NULL,
    price REAL NOT NULL CHECK (price >= 0),
    currency TEXT NOT NULL,
    last_updated TIMESTAMP NOT NULL,
    last_scraped TIMESTAMP NOT NULL,
    update_count INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (market_hash_name, app_id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_skin_prices_last_updated
    ON skin_prices (last_updated)`,
	`CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,
}

// NewSQLite wraps an open SQLite handle
func NewSQLite(db *sql.DB) *SQLStore {
	return newSQLStore(db, dialect{
		name:     EngineSQLite,
		schema:   sqliteSchema,
		classify: classifySQLite,
	})
}

// OpenSQLite opens (creating if needed) the database file at path
func OpenSQLite(path string) (*SQLStore, error) {
	if path == "" {
		return nil, e.New("OpenSQLite", e.Unknown, "sqlite_path is empty")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, e.Wrap("OpenSQLite", e.ConnectionLost, err)
		}
	}

	db, err := sql.Open(
		"sqlite3",
		fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path),
	)
	if err != nil {
		return nil, e.Wrap("OpenSQLite", e.Unknown, err)
	}

	// One writer at a time is all SQLite allows; a single connection keeps
	// the busy handler out of the picture
	db.SetMaxOpenConns(1)

	s := NewSQLite(db)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func classifySQLite(err error) e.ErrCode {
	if code, ok := classifyCommon(err); ok {
		return code
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint:
			return e.ConstraintViolation
		case sqlite3.ErrCantOpen,
			sqlite3.ErrIoErr,
			sqlite3.ErrBusy,
			sqlite3.ErrLocked,
			sqlite3.ErrNotADB:
			return e.ConnectionLost
		}
	}

	return e.Unknown
}
