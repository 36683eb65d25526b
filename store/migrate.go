package store

import (
	"context"
	"time"

	"github.com/golang/glog"

	e "github.com/cs2valuation/pricecache/errors"
	"github.com/cs2valuation/pricecache/models"
)

// DefaultPageSize is how many records Migrate reads per round trip
const DefaultPageSize = 500

// MigrationResult describes a completed copy
type MigrationResult struct {
	Read             int           `json:"read"`
	Written          int           `json:"written"`
	Skipped          int           `json:"skipped"`
	Failed           int           `json:"failed"`
	Metadata         int           `json:"metadata"`
	DestinationCount int64         `json:"destinationCount"`
	Duration         time.Duration `json:"duration"`
}

// Migrate copies every record and metadata entry from src to dst. Records are
// written verbatim with insert-or-update by key, so the copy can be re-run.
// The one exception to overwriting: a destination row whose last update is
// later than the source's is left alone and counted as skipped. Losing either connection stops the copy, any other
// per-record failure is logged and counted.
func Migrate(
	ctx context.Context,
	src Store,
	dst Store,
	pageSize int,
) (
	res MigrationResult,
	err error,
) {
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	var after models.Key
	for {
		page, err := src.Page(ctx, after, pageSize)
		if err != nil {
			return res, err
		}

		for _, rec := range page {
			res.Read++

			written, err := dst.Save(ctx, rec)
			if err != nil {
				if e.Is(err, e.ConnectionLost) {
					return res, err
				}
				glog.Errorf("Migrate: %s: %v", rec.Key, err)
				res.Failed++
				continue
			}

			if written {
				res.Written++
			} else {
				res.Skipped++
			}
		}

		if glog.V(2) {
			glog.Infof("Migrate: %d records read so far", res.Read)
		}

		if len(page) < pageSize {
			break
		}
		after = page[len(page)-1].Key
	}

	meta, err := src.Metadata(ctx)
	if err != nil {
		return res, err
	}
	for k, v := range meta {
		if err := dst.SetMetadata(ctx, k, v); err != nil {
			return res, err
		}
		res.Metadata++
	}

	st, err := dst.Stats(ctx, models.DefaultTTL)
	if err != nil {
		return res, err
	}
	res.DestinationCount = st.TotalCount

	return res, nil
}
