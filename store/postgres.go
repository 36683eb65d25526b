package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/lib/pq"

	e "github.com/cs2valuation/pricecache/errors"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS skin_prices (
    market_hash_name TEXT NOT NULL,
    app_id BIGINT NOT NULL,
    price DOUBLE PRECISION NOT NULL CHECK (price >= 0),
    currency TEXT NOT NULL,
    last_updated TIMESTAMPTZ NOT NULL,
    last_scraped TIMESTAMPTZ NOT NULL,
    update_count BIGINT NOT NULL DEFAULT 1,
    PRIMARY KEY (market_hash_name, app_id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_skin_prices_last_updated
    ON skin_prices (last_updated)`,
	`CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
)`,
}

// NewPostgres wraps an open PostgreSQL pool
func NewPostgres(db *sql.DB) *SQLStore {
	return newSQLStore(db, dialect{
		name:     EnginePostgres,
		schema:   postgresSchema,
		classify: classifyPostgres,
	})
}

// OpenPostgres connects to the database described by c. An unreachable
// server is not fatal: the store starts out failing with ConnectionLost and the
// caller runs degraded until it comes back.
func OpenPostgres(c Config) (*SQLStore, error) {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	db, err := sql.Open(
		"postgres",
		fmt.Sprintf(
			"user=%s dbname=%s host=%s port=%d password=%s sslmode=%s connect_timeout=5",
			c.Username,
			c.Database,
			c.Host,
			c.Port,
			c.Password,
			sslMode,
		),
	)
	if err != nil {
		return nil, e.Wrap("OpenPostgres", e.Unknown, err)
	}

	// PostgreSQL max is 100, we need to be below that limit as there may be
	// connections from monitoring apps or a migration in progress
	db.SetMaxOpenConns(90)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := NewPostgres(db)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		if !e.Is(err, e.ConnectionLost) {
			db.Close()
			return nil, err
		}
		glog.Warningf("PostgreSQL at %s:%d is not reachable yet: %v", c.Host, c.Port, err)
	}

	return s, nil
}

// classifyPostgres maps lib/pq errors onto the store error codes. SQLSTATE
// class 08 is a connection exception, 57P01-57P03 are server shutdown or
// startup, class 23 is an integrity constraint violation.
func classifyPostgres(err error) e.ErrCode {
	if code, ok := classifyCommon(err); ok {
		return code
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08":
			return e.ConnectionLost
		case "23":
			return e.ConstraintViolation
		}
		switch pqErr.Code {
		case "57P01", "57P02", "57P03":
			return e.ConnectionLost
		}
	}

	return e.Unknown
}
