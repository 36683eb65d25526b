package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	e "github.com/cs2valuation/pricecache/errors"
	"github.com/cs2valuation/pricecache/models"
)

func TestWithTimeoutHungFetcher(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	// Ignores its context entirely
	hung := Func(func(ctx context.Context, key models.Key) (models.Quote, error) {
		<-release
		return models.Quote{Price: 1, Currency: "USD"}, nil
	})

	f := WithTimeout(hung, 50*time.Millisecond)

	start := time.Now()
	_, err := f.FetchPrice(context.Background(), models.NewKey("Glove Case", 0))
	if !e.Is(err, e.FetchFailed) {
		t.Errorf("FetchPrice() = %v should be FetchFailed", err)
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Errorf("FetchPrice() took %s to give up", d)
	}
}

func TestWithTimeoutWrapsErrors(t *testing.T) {
	failing := Func(func(ctx context.Context, key models.Key) (models.Quote, error) {
		return models.Quote{}, errors.New("connection reset")
	})

	_, err := WithTimeout(failing, time.Second).FetchPrice(context.Background(), models.NewKey("Glove Case", 0))
	if !e.Is(err, e.FetchFailed) {
		t.Errorf("FetchPrice() = %v should be FetchFailed", err)
	}
}

func TestWithTimeoutValidatesQuotes(t *testing.T) {
	tests := []struct {
		q  models.Quote
		ok bool
	}{
		{models.Quote{Price: 1.25, Currency: "USD"}, true},
		{models.Quote{Price: 0, Currency: "EUR"}, true},
		{models.Quote{Price: -1, Currency: "USD"}, false},
		{models.Quote{Price: 1, Currency: ""}, false},
	}

	for _, test := range tests {
		q := test.q
		f := WithTimeout(Func(func(ctx context.Context, key models.Key) (models.Quote, error) {
			return q, nil
		}), time.Second)

		_, err := f.FetchPrice(context.Background(), models.NewKey("Glove Case", 0))
		if test.ok && err != nil {
			t.Errorf("FetchPrice() returning %+v = %v", q, err)
		}
		if !test.ok && !e.Is(err, e.FetchFailed) {
			t.Errorf("FetchPrice() returning %+v = %v should be FetchFailed", q, err)
		}
	}
}

func TestWithTimeoutHonoursCaller(t *testing.T) {
	blocked := Func(func(ctx context.Context, key models.Key) (models.Quote, error) {
		<-ctx.Done()
		return models.Quote{}, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WithTimeout(blocked, time.Hour).FetchPrice(ctx, models.NewKey("Glove Case", 0))
	if !e.Is(err, e.FetchFailed) {
		t.Errorf("FetchPrice() with a cancelled context = %v should be FetchFailed", err)
	}
}
