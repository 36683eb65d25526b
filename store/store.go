/*
Package store persists price records and scheduler metadata.

Two engines satisfy the same Store contract: an embedded SQLite file for single
instance deployments and PostgreSQL for everything else. The engine is picked
once, by configuration, when the process starts. Both engines order, bound and
classify errors the same way, so nothing above this package needs to know
which one it is talking to.

Every mutation is an insert-or-update keyed on (market_hash_name, app_id), so
concurrent writers never need a read-modify-write under an external lock.
*/
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	e "github.com/cs2valuation/pricecache/errors"
	"github.com/cs2valuation/pricecache/models"
)

// Engine names accepted in the [store] engine config key
const (
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
)

// Store is the durable key to record table plus its metadata table
type Store interface {
	// Get returns the record for key, or a NotFound error
	Get(ctx context.Context, key models.Key) (models.PriceRecord, error)

	// Put records a successful refresh: inserts the record with an update
	// count of 1, or updates price and timestamps and increments the count.
	// The currency of an existing record never changes.
	Put(ctx context.Context, rec models.PriceRecord) (models.PriceRecord, error)

	// Save writes rec verbatim (insert or update by key), unless the stored
	// copy was confirmed more recently. It reports whether a row was written.
	Save(ctx context.Context, rec models.PriceRecord) (bool, error)

	// Merge writes a refresh made while the store was unreachable. It only
	// replaces a stored copy with an older last update, and the update count
	// never goes down: it becomes the stored count plus one, or the count
	// carried by rec if that is higher. It reports whether a row was written.
	Merge(ctx context.Context, rec models.PriceRecord) (bool, error)

	// MarkScraped advances last_scraped for an existing record
	MarkScraped(ctx context.Context, key models.Key, at time.Time) error

	// ListStale returns up to limit records older than ttl, oldest first
	ListStale(ctx context.Context, ttl time.Duration, limit int) ([]models.PriceRecord, error)

	// Stats counts records, averages prices and counts records confirmed
	// within recent
	Stats(ctx context.Context, recent time.Duration) (models.Stats, error)

	// Page returns up to limit records with keys after the given key, in key
	// order. The zero Key starts from the beginning.
	Page(ctx context.Context, after models.Key, limit int) ([]models.PriceRecord, error)

	GetMetadata(ctx context.Context, key string) (string, error)
	SetMetadata(ctx context.Context, key string, value string) error
	Metadata(ctx context.Context) (map[string]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Config stores the connection information used by Open
type Config struct {
	Engine string

	// SQLite
	Path string

	// PostgreSQL
	Host     string
	Port     int64
	Database string
	Username string
	Password string
	SSLMode  string
}

// Open returns the engine named by c.Engine
func Open(c Config) (*SQLStore, error) {
	switch strings.ToLower(c.Engine) {
	case EngineSQLite, "sqlite3":
		return OpenSQLite(c.Path)
	case EnginePostgres, "postgresql":
		return OpenPostgres(c)
	default:
		return nil, e.New(
			"Open",
			e.Unknown,
			fmt.Sprintf("unknown store engine %q", c.Engine),
		)
	}
}
