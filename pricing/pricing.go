/*
Package pricing is the single entry point for price lookups.

GetPrice checks the session cache, then the store, and only asks the external
source when neither holds a fresh record. A stale record is always preferred
to no record: when the source fails, the last known price is served and only a
key that has never been priced comes back Unavailable.
*/
package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/cs2valuation/pricecache/cache"
	e "github.com/cs2valuation/pricecache/errors"
	"github.com/cs2valuation/pricecache/fetch"
	"github.com/cs2valuation/pricecache/models"
	"github.com/cs2valuation/pricecache/store"
)

// Backend is the store-access layer the service reads and writes through.
// store.Tiered satisfies it.
type Backend interface {
	Get(ctx context.Context, key models.Key) (models.PriceRecord, error)
	Put(ctx context.Context, rec models.PriceRecord) (models.PriceRecord, error)
	MarkScraped(ctx context.Context, key models.Key, at time.Time) error
	Stats(ctx context.Context, recent time.Duration) (models.Stats, error)
	GetMetadata(ctx context.Context, key string) (string, error)
}

// availability is implemented by backends that can report degraded mode
type availability interface {
	State() store.State
	FallbackLen() int
}

// Config holds the service's tunables
type Config struct {
	// TTL is how long a record stays fresh
	TTL time.Duration

	// FetchTimeout bounds every call to the external source
	FetchTimeout time.Duration
}

// Service implements getPrice, putPrice and getStats. One Service, with its
// own session cache, is built per request worker; the backend is shared.
type Service struct {
	backend Backend
	session cache.Session
	fetcher fetch.Fetcher
	ttl     time.Duration
	now     func() time.Time
}

// NewService wires a Service. A nil session disables session caching.
func NewService(
	backend Backend,
	session cache.Session,
	fetcher fetch.Fetcher,
	cfg Config,
) *Service {
	if session == nil {
		session = cache.Nop{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = models.DefaultTTL
	}
	return &Service{
		backend: backend,
		session: session,
		fetcher: fetch.WithTimeout(fetcher, cfg.FetchTimeout),
		ttl:     cfg.TTL,
		now:     time.Now,
	}
}

// TTL is the staleness window in use
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// GetPrice returns a fresh record for key when it can, the last known record
// when the source fails, and an Unavailable error only when nothing was ever
// stored for key.
func (s *Service) GetPrice(ctx context.Context, key models.Key) (models.PriceRecord, error) {
	if err := models.ValidateKey(key); err != nil {
		return models.PriceRecord{}, err
	}

	var (
		known models.PriceRecord
		found bool
	)

	if rec, ok := s.session.Get(key); ok {
		if !rec.IsStale(s.ttl, s.now()) {
			return rec, nil
		}
		known, found = rec, true
	}

	rec, err := s.backend.Get(ctx, key)
	switch {
	case err == nil:
		if !rec.IsStale(s.ttl, s.now()) {
			s.session.Set(rec)
			return rec, nil
		}
		if !found || rec.LastUpdated.After(known.LastUpdated) {
			known, found = rec, true
		}

	case e.Is(err, e.NotFound):

	default:
		// The lookup failed for this call only; try the source anyway
		glog.Errorf("GetPrice: backend.Get(%s) %+v", key, err)
	}

	q, err := s.fetcher.FetchPrice(ctx, key)
	if err == nil {
		fresh, rerr := s.refresh(ctx, key, known, found, q)
		if rerr == nil {
			return fresh, nil
		}
		err = rerr
	}

	if !found {
		return models.PriceRecord{}, &e.CacheError{
			Function:     "GetPrice",
			ErrorCode:    e.Unavailable,
			ErrorMessage: fmt.Sprintf("no price available for %s", key),
			Err:          err,
		}
	}

	glog.Warningf("GetPrice: serving stale price for %s: %v", key, err)

	if merr := s.backend.MarkScraped(ctx, key, s.now()); merr != nil && !e.Is(merr, e.NotFound) {
		glog.Errorf("GetPrice: backend.MarkScraped(%s) %+v", key, merr)
	}
	return known, nil
}

// refresh turns a quote into a stored record. A write failure still returns
// the fresh record: the price is valid even if it could not be kept.
func (s *Service) refresh(
	ctx context.Context,
	key models.Key,
	known models.PriceRecord,
	found bool,
	q models.Quote,
) (
	models.PriceRecord,
	error,
) {
	var rec models.PriceRecord
	if found {
		var err error
		rec, err = known.Refreshed(q, s.now())
		if err != nil {
			return rec, err
		}
	} else {
		rec = models.NewRecord(key, q, s.now())
	}

	stored, err := s.backend.Put(ctx, rec)
	if err != nil {
		if e.Is(err, e.ConstraintViolation) {
			return rec, err
		}
		glog.Errorf("GetPrice: backend.Put(%s) %+v", key, err)
		s.session.Set(rec)
		return rec, nil
	}

	s.session.Set(stored)
	return stored, nil
}

// PutPrice writes a refreshed record through the backend and replaces the
// session entry for its key
func (s *Service) PutPrice(ctx context.Context, rec models.PriceRecord) (models.PriceRecord, error) {
	stored, err := s.backend.Put(ctx, rec)
	if err != nil {
		s.session.Delete(rec.Key)
		return stored, err
	}

	s.session.Set(stored)
	return stored, nil
}

// GetStats summarises the store and the refresh schedule. While the durable
// store is unreachable the counts are zero and State says degraded.
func (s *Service) GetStats(ctx context.Context) (models.Status, error) {
	var st models.Status

	st.State = store.Healthy.String()
	if a, ok := s.backend.(availability); ok {
		st.FallbackEntries = a.FallbackLen()
	}

	stats, err := s.backend.Stats(ctx, s.ttl)
	switch {
	case err == nil:
		st.Stats = stats
	case e.Is(err, e.ConnectionLost):
	default:
		return st, err
	}

	st.LastScheduledRun = s.metaTime(ctx, models.MetaLastScheduledRun)
	st.NextScheduledRun = s.metaTime(ctx, models.MetaNextScheduledRun)

	if a, ok := s.backend.(availability); ok {
		st.State = a.State().String()
	}
	return st, nil
}

func (s *Service) metaTime(ctx context.Context, key string) *time.Time {
	v, err := s.backend.GetMetadata(ctx, key)
	if err != nil {
		if !e.Is(err, e.NotFound) && !e.Is(err, e.ConnectionLost) {
			glog.Errorf("GetStats: backend.GetMetadata(%s) %+v", key, err)
		}
		return nil
	}

	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		glog.Errorf("GetStats: metadata %s=%q is not a time: %v", key, v, err)
		return nil
	}
	return &t
}
