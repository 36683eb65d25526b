/*
Package fetch defines the external price source consumed by the cache and
provides a Steam Community Market implementation of it.

Callers never use a Fetcher directly: they wrap it with WithTimeout so that a
slow or hung source turns into a FetchFailed error instead of a stuck request.
*/
package fetch

import (
	"context"
	"time"

	e "github.com/cs2valuation/pricecache/errors"
	"github.com/cs2valuation/pricecache/models"
)

// DefaultTimeout bounds a single fetch
const DefaultTimeout = 15 * time.Second

// Fetcher obtains the current price of an item from outside the cache
type Fetcher interface {
	FetchPrice(ctx context.Context, key models.Key) (models.Quote, error)
}

// Func adapts an ordinary function to Fetcher
type Func func(ctx context.Context, key models.Key) (models.Quote, error)

// FetchPrice calls f
func (f Func) FetchPrice(ctx context.Context, key models.Key) (models.Quote, error) {
	return f(ctx, key)
}

type timeoutFetcher struct {
	f       Fetcher
	timeout time.Duration
}

// WithTimeout bounds every call to f by timeout and reports every failure,
// timeouts and invalid quotes included, as FetchFailed. The call returns when
// the timeout passes even if f ignores its context.
func WithTimeout(f Fetcher, timeout time.Duration) Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &timeoutFetcher{f: f, timeout: timeout}
}

type result struct {
	q   models.Quote
	err error
}

func (t *timeoutFetcher) FetchPrice(ctx context.Context, key models.Key) (models.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	ch := make(chan result, 1)
	go func() {
		q, err := t.f.FetchPrice(ctx, key)
		ch <- result{q: q, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if e.Is(r.err, e.FetchFailed) {
				return r.q, r.err
			}
			return r.q, e.Wrap("FetchPrice", e.FetchFailed, r.err)
		}
		if err := r.q.Validate(); err != nil {
			return r.q, err
		}
		return r.q, nil

	case <-ctx.Done():
		return models.Quote{}, e.Wrap("FetchPrice", e.FetchFailed, ctx.Err())
	}
}
