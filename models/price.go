package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	e "github.com/cs2valuation/pricecache/errors"
)

// DefaultAppID is the Steam application id of Counter-Strike 2
const DefaultAppID int64 = 730

// DefaultTTL is how long a price stays fresh after it was last confirmed
const DefaultTTL time.Duration = 7 * 24 * time.Hour

// Metadata keys used by the refresh scheduler
const (
	MetaLastScheduledRun = "last_scheduled_run"
	MetaNextScheduledRun = "next_scheduled_run"
)

var validate = validator.New()

// Key identifies a priced item. It is immutable for the life of a record.
type Key struct {
	MarketHashName string `json:"marketHashName" validate:"required,max=512"`
	AppID          int64  `json:"appId" validate:"gt=0"`
}

// NewKey trims the market name and applies the default app id when none is
// given
func NewKey(marketHashName string, appID int64) Key {
	if appID <= 0 {
		appID = DefaultAppID
	}
	return Key{
		MarketHashName: strings.TrimSpace(marketHashName),
		AppID:          appID,
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%s", k.AppID, k.MarketHashName)
}

// Less orders keys by app id then market name, which is the order used when
// paging through a store
func (k Key) Less(o Key) bool {
	if k.AppID != o.AppID {
		return k.AppID < o.AppID
	}
	return k.MarketHashName < o.MarketHashName
}

// Quote is what the external price source returns for a key
type Quote struct {
	Price    float64 `json:"price" validate:"gte=0"`
	Currency string  `json:"currency" validate:"required,len=3,uppercase"`
}

// PriceRecord is the cached price of a single item
type PriceRecord struct {
	Key
	Price       float64   `json:"price" validate:"gte=0"`
	Currency    string    `json:"currency" validate:"required,len=3,uppercase"`
	LastUpdated time.Time `json:"lastUpdated"`
	LastScraped time.Time `json:"lastScraped"`
	UpdateCount int64     `json:"updateCount" validate:"gte=0"`
}

// Timestamp normalises t to the precision both store engines persist
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// IsStale reports whether the record is older than ttl at now. It is the only
// test used to decide that a record needs refreshing.
func (r PriceRecord) IsStale(ttl time.Duration, now time.Time) bool {
	return now.Sub(r.LastUpdated) > ttl
}

// NewRecord builds the first record for a key from a successful fetch
func NewRecord(key Key, q Quote, at time.Time) PriceRecord {
	at = Timestamp(at)
	return PriceRecord{
		Key:         key,
		Price:       q.Price,
		Currency:    q.Currency,
		LastUpdated: at,
		LastScraped: at,
	}
}

// Refreshed returns a copy of r carrying the quote's price. Key, currency and
// update count are left alone; the store owns the counter.
func (r PriceRecord) Refreshed(q Quote, at time.Time) (PriceRecord, error) {
	if r.Currency != "" && q.Currency != r.Currency {
		return r, e.New(
			"Refreshed",
			e.ConstraintViolation,
			fmt.Sprintf(
				"currency for %s is %s, quote is in %s",
				r.Key, r.Currency, q.Currency,
			),
		)
	}

	at = Timestamp(at)
	n := r
	n.Price = q.Price
	n.Currency = q.Currency
	n.LastUpdated = at
	n.LastScraped = at
	return n, nil
}

// Validate checks the record before it is written anywhere
func (r PriceRecord) Validate(now time.Time) error {
	if err := validate.Struct(r); err != nil {
		return e.Wrap("Validate", e.ConstraintViolation, err)
	}
	if r.LastUpdated.IsZero() {
		return e.New("Validate", e.ConstraintViolation, "lastUpdated is not set")
	}
	if r.LastUpdated.After(now) {
		return e.New(
			"Validate",
			e.ConstraintViolation,
			fmt.Sprintf("lastUpdated %s is in the future", r.LastUpdated.Format(time.RFC3339)),
		)
	}
	return nil
}

// Validate checks a quote returned by a price source
func (q Quote) Validate() error {
	if err := validate.Struct(q); err != nil {
		return e.Wrap("Validate", e.FetchFailed, err)
	}
	return nil
}

// ValidateKey checks a key supplied by a caller
func ValidateKey(k Key) error {
	if err := validate.Struct(k); err != nil {
		return e.Wrap("ValidateKey", e.ConstraintViolation, err)
	}
	return nil
}

// Stats summarises the durable store
type Stats struct {
	TotalCount           int64   `json:"totalCount"`
	AveragePrice         float64 `json:"averagePrice"`
	RecentlyUpdatedCount int64   `json:"recentlyUpdatedCount"`
}

// Status is Stats plus the refresh schedule and store availability
type Status struct {
	Stats
	LastScheduledRun *time.Time `json:"lastScheduledRun,omitempty"`
	NextScheduledRun *time.Time `json:"nextScheduledRun,omitempty"`
	State            string     `json:"state"`
	FallbackEntries  int        `json:"fallbackEntries"`
}
