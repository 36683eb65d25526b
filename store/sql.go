package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	e "github.com/cs2valuation/pricecache/errors"
	"github.com/cs2valuation/pricecache/models"
)

// dialect is what differs between the engines. Queries are shared: both
// engines accept $n placeholders, ON CONFLICT upserts and RETURNING. SQLite
// numbers $n parameters by first appearance, so every query must first use
// them in ascending order.
type dialect struct {
	name     string
	schema   []string
	classify func(error) e.ErrCode
}

// SQLStore implements Store over database/sql
type SQLStore struct {
	db  *sql.DB
	d   dialect
	now func() time.Time

	schemaMu    sync.Mutex
	schemaReady bool
}

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{db: db, d: d, now: time.Now}
}

// Engine is the name of the backing engine
func (s *SQLStore) Engine() string {
	return s.d.name
}

// DB exposes the connection pool
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) fail(function string, err error) error {
	return e.Wrap(function, s.d.classify(err), err)
}

// ready creates the tables the first time the database is reachable. A store
// opened while the database is down creates them on its first good call.
func (s *SQLStore) ready(ctx context.Context) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()

	if s.schemaReady {
		return nil
	}

	for _, q := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return s.fail("ready", err)
		}
	}
	s.schemaReady = true
	return nil
}

const recordColumns = `market_hash_name
      ,app_id
      ,price
      ,currency
      ,last_updated
      ,last_scraped
      ,update_count`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (models.PriceRecord, error) {
	var r models.PriceRecord
	err := row.Scan(
		&r.MarketHashName,
		&r.AppID,
		&r.Price,
		&r.Currency,
		&r.LastUpdated,
		&r.LastScraped,
		&r.UpdateCount,
	)
	if err != nil {
		return r, err
	}
	r.LastUpdated = models.Timestamp(r.LastUpdated)
	r.LastScraped = models.Timestamp(r.LastScraped)
	return r, nil
}

func (s *SQLStore) scanRecords(rows *sql.Rows, function string) ([]models.PriceRecord, error) {
	defer rows.Close()

	out := []models.PriceRecord{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, s.fail(function, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(function, err)
	}
	return out, nil
}

// Get implements Store
func (s *SQLStore) Get(ctx context.Context, key models.Key) (models.PriceRecord, error) {
	if err := s.ready(ctx); err != nil {
		return models.PriceRecord{}, err
	}

	r, err := scanRecord(s.db.QueryRowContext(ctx, `--Get
SELECT `+recordColumns+`
  FROM skin_prices
 WHERE market_hash_name = $1
   AND app_id = $2`,
		key.MarketHashName,
		key.AppID,
	))
	if err == sql.ErrNoRows {
		return r, e.New("Get", e.NotFound, fmt.Sprintf("no price for %s", key))
	}
	if err != nil {
		return r, s.fail("Get", err)
	}
	return r, nil
}

// Put implements Store
func (s *SQLStore) Put(ctx context.Context, rec models.PriceRecord) (models.PriceRecord, error) {
	rec.LastUpdated = models.Timestamp(rec.LastUpdated)
	rec.LastScraped = models.Timestamp(rec.LastScraped)
	if err := rec.Validate(s.now()); err != nil {
		return rec, err
	}
	if err := s.ready(ctx); err != nil {
		return rec, err
	}

	// The WHERE on the update arm refuses a currency change: no row is
	// written and nothing is returned.
	var count int64
	err := s.db.QueryRowContext(ctx, `--Put
INSERT INTO skin_prices (`+recordColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, 1)
    ON CONFLICT (market_hash_name, app_id) DO UPDATE
   SET price = EXCLUDED.price
      ,last_updated = EXCLUDED.last_updated
      ,last_scraped = EXCLUDED.last_scraped
      ,update_count = skin_prices.update_count + 1
 WHERE skin_prices.currency = EXCLUDED.currency
RETURNING update_count`,
		rec.MarketHashName,
		rec.AppID,
		rec.Price,
		rec.Currency,
		rec.LastUpdated,
		rec.LastScraped,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return rec, e.New(
			"Put",
			e.ConstraintViolation,
			fmt.Sprintf("currency of %s cannot change to %s", rec.Key, rec.Currency),
		)
	}
	if err != nil {
		return rec, s.fail("Put", err)
	}

	rec.UpdateCount = count
	return rec, nil
}

// Save implements Store
func (s *SQLStore) Save(ctx context.Context, rec models.PriceRecord) (bool, error) {
	rec.LastUpdated = models.Timestamp(rec.LastUpdated)
	rec.LastScraped = models.Timestamp(rec.LastScraped)
	if err := rec.Validate(s.now()); err != nil {
		return false, err
	}
	if err := s.ready(ctx); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `--Save
INSERT INTO skin_prices (`+recordColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7)
    ON CONFLICT (market_hash_name, app_id) DO UPDATE
   SET price = EXCLUDED.price
      ,last_updated = EXCLUDED.last_updated
      ,last_scraped = EXCLUDED.last_scraped
      ,update_count = EXCLUDED.update_count
 WHERE skin_prices.currency = EXCLUDED.currency
   AND skin_prices.last_updated <= EXCLUDED.last_updated`,
		rec.MarketHashName,
		rec.AppID,
		rec.Price,
		rec.Currency,
		rec.LastUpdated,
		rec.LastScraped,
		rec.UpdateCount,
	)
	if err != nil {
		return false, s.fail("Save", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, s.fail("Save", err)
	}
	return n > 0, nil
}

// Merge implements Store
func (s *SQLStore) Merge(ctx context.Context, rec models.PriceRecord) (bool, error) {
	rec.LastUpdated = models.Timestamp(rec.LastUpdated)
	rec.LastScraped = models.Timestamp(rec.LastScraped)
	if err := rec.Validate(s.now()); err != nil {
		return false, err
	}
	if err := s.ready(ctx); err != nil {
		return false, err
	}

	// A strictly newer last_updated is required so a repeated merge writes
	// nothing and counts nothing
	res, err := s.db.ExecContext(ctx, `--Merge
INSERT INTO skin_prices (`+recordColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7)
    ON CONFLICT (market_hash_name, app_id) DO UPDATE
   SET price = EXCLUDED.price
      ,last_updated = EXCLUDED.last_updated
      ,last_scraped = EXCLUDED.last_scraped
      ,update_count = CASE
           WHEN EXCLUDED.update_count > skin_prices.update_count + 1
           THEN EXCLUDED.update_count
           ELSE skin_prices.update_count + 1
       END
 WHERE skin_prices.currency = EXCLUDED.currency
   AND skin_prices.last_updated < EXCLUDED.last_updated`,
		rec.MarketHashName,
		rec.AppID,
		rec.Price,
		rec.Currency,
		rec.LastUpdated,
		rec.LastScraped,
		rec.UpdateCount,
	)
	if err != nil {
		return false, s.fail("Merge", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, s.fail("Merge", err)
	}
	return n > 0, nil
}

// MarkScraped implements Store
func (s *SQLStore) MarkScraped(ctx context.Context, key models.Key, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `--MarkScraped
UPDATE skin_prices
   SET last_scraped = $1
 WHERE market_hash_name = $2
   AND app_id = $3
   AND last_scraped < $1`,
		models.Timestamp(at),
		key.MarketHashName,
		key.AppID,
	)
	if err != nil {
		return s.fail("MarkScraped", err)
	}
	return nil
}

// ListStale implements Store
func (s *SQLStore) ListStale(
	ctx context.Context,
	ttl time.Duration,
	limit int,
) (
	[]models.PriceRecord,
	error,
) {
	if limit <= 0 {
		return []models.PriceRecord{}, nil
	}
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	// isStale is now - last_updated > ttl, i.e. last_updated < now - ttl
	cutoff := models.Timestamp(s.now().Add(-ttl))

	rows, err := s.db.QueryContext(ctx, `--ListStale
SELECT `+recordColumns+`
  FROM skin_prices
 WHERE last_updated < $1
 ORDER BY last_updated ASC
         ,app_id ASC
         ,market_hash_name ASC
 LIMIT $2`,
		cutoff,
		limit,
	)
	if err != nil {
		return nil, s.fail("ListStale", err)
	}
	return s.scanRecords(rows, "ListStale")
}

// Stats implements Store
func (s *SQLStore) Stats(ctx context.Context, recent time.Duration) (models.Stats, error) {
	var st models.Stats
	if err := s.ready(ctx); err != nil {
		return st, err
	}

	var avg float64
	err := s.db.QueryRowContext(ctx, `--Stats
SELECT COUNT(*)
      ,COALESCE(AVG(price), 0)
      ,COALESCE(SUM(CASE WHEN last_updated > $1 THEN 1 ELSE 0 END), 0)
  FROM skin_prices`,
		models.Timestamp(s.now().Add(-recent)),
	).Scan(
		&st.TotalCount,
		&avg,
		&st.RecentlyUpdatedCount,
	)
	if err != nil {
		return st, s.fail("Stats", err)
	}

	st.AveragePrice = decimal.NewFromFloat(avg).Round(2).InexactFloat64()
	return st, nil
}

// Page implements Store
func (s *SQLStore) Page(
	ctx context.Context,
	after models.Key,
	limit int,
) (
	[]models.PriceRecord,
	error,
) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `--Page
SELECT `+recordColumns+`
  FROM skin_prices
 WHERE app_id > $1
    OR (app_id = $1 AND market_hash_name > $2)
 ORDER BY app_id ASC
         ,market_hash_name ASC
 LIMIT $3`,
		after.AppID,
		after.MarketHashName,
		limit,
	)
	if err != nil {
		return nil, s.fail("Page", err)
	}
	return s.scanRecords(rows, "Page")
}

// GetMetadata implements Store
func (s *SQLStore) GetMetadata(ctx context.Context, key string) (string, error) {
	if err := s.ready(ctx); err != nil {
		return "", err
	}

	var value string
	err := s.db.QueryRowContext(ctx, `--GetMetadata
SELECT value
  FROM metadata
 WHERE key = $1`,
		key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", e.New("GetMetadata", e.NotFound, fmt.Sprintf("no metadata for %s", key))
	}
	if err != nil {
		return "", s.fail("GetMetadata", err)
	}
	return value, nil
}

// SetMetadata implements Store
func (s *SQLStore) SetMetadata(ctx context.Context, key string, value string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `--SetMetadata
INSERT INTO metadata (key, value, updated_at)
VALUES ($1, $2, $3)
    ON CONFLICT (key) DO UPDATE
   SET value = EXCLUDED.value
      ,updated_at = EXCLUDED.updated_at`,
		key,
		value,
		models.Timestamp(s.now()),
	)
	if err != nil {
		return s.fail("SetMetadata", err)
	}
	return nil
}

// Metadata implements Store
func (s *SQLStore) Metadata(ctx context.Context) (map[string]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `--Metadata
SELECT key
      ,value
  FROM metadata`)
	if err != nil {
		return nil, s.fail("Metadata", err)
	}
	defer rows.Close()

	m := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, s.fail("Metadata", err)
		}
		m[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("Metadata", err)
	}
	return m, nil
}

// Ping implements Store
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.fail("Ping", err)
	}
	return s.ready(ctx)
}

// Close implements Store
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// classifyCommon recognises failures that mean the same on every engine
func classifyCommon(err error) (e.ErrCode, bool) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return e.NotFound, true
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return e.ConnectionLost, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return e.ConnectionLost, true
	}
	return 0, false
}
