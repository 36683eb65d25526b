package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	e "github.com/cs2valuation/pricecache/errors"
	"github.com/cs2valuation/pricecache/models"
)

// Steam defaults
const (
	DefaultSteamURL          = "https://steamcommunity.com/market/priceoverview/"
	DefaultSteamRequestDelay = 1800 * time.Millisecond
)

// steamCurrencies maps ISO codes to the ids the market endpoint expects
var steamCurrencies = map[string]int{
	"USD": 1,
	"GBP": 2,
	"EUR": 3,
	"CHF": 4,
	"RUB": 5,
	"PLN": 6,
	"BRL": 7,
	"JPY": 8,
	"NOK": 9,
	"IDR": 10,
	"MYR": 11,
	"PHP": 12,
	"SGD": 13,
	"THB": 14,
	"VND": 15,
	"KRW": 16,
	"UAH": 18,
	"MXN": 19,
	"CAD": 20,
	"AUD": 21,
	"NZD": 22,
	"CNY": 23,
	"INR": 24,
}

// SteamConfig configures a Steam fetcher
type SteamConfig struct {
	BaseURL      string
	Currency     string
	RequestDelay time.Duration
	Client       *http.Client
}

// Steam reads prices from the Steam Community Market priceoverview endpoint.
// Requests are spaced RequestDelay apart across all callers; the endpoint
// answers 429 well before its documented limits.
type Steam struct {
	client     *http.Client
	baseURL    string
	currency   string
	currencyID int
	limiter    *rate.Limiter
}

// NewSteam returns a Steam fetcher quoting in cfg.Currency
func NewSteam(cfg SteamConfig) (*Steam, error) {
	currency := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "USD"
	}
	id, ok := steamCurrencies[currency]
	if !ok {
		return nil, e.New(
			"NewSteam",
			e.Unknown,
			fmt.Sprintf("currency %s is not traded on the Steam market", currency),
		)
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultSteamURL
	}
	if cfg.RequestDelay <= 0 {
		cfg.RequestDelay = DefaultSteamRequestDelay
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: DefaultTimeout}
	}

	return &Steam{
		client:     cfg.Client,
		baseURL:    cfg.BaseURL,
		currency:   currency,
		currencyID: id,
		limiter:    rate.NewLimiter(rate.Every(cfg.RequestDelay), 1),
	}, nil
}

type priceOverview struct {
	Success     bool   `json:"success"`
	LowestPrice string `json:"lowest_price"`
	MedianPrice string `json:"median_price"`
	Volume      string `json:"volume"`
}

// FetchPrice implements Fetcher. The median price is preferred, the lowest
// listing is used when there were no recent sales.
func (s *Steam) FetchPrice(ctx context.Context, key models.Key) (models.Quote, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return models.Quote{}, e.Wrap("Steam.FetchPrice", e.FetchFailed, err)
	}

	q := url.Values{}
	q.Set("appid", fmt.Sprintf("%d", key.AppID))
	q.Set("currency", fmt.Sprintf("%d", s.currencyID))
	q.Set("market_hash_name", key.MarketHashName)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return models.Quote{}, e.Wrap("Steam.FetchPrice", e.FetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return models.Quote{}, e.Wrap("Steam.FetchPrice", e.FetchFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		glog.Warningf("Steam.FetchPrice: rate limited fetching %s", key)
		return models.Quote{}, e.New("Steam.FetchPrice", e.FetchFailed, "rate limited by steam")
	case resp.StatusCode != http.StatusOK:
		return models.Quote{}, e.New(
			"Steam.FetchPrice",
			e.FetchFailed,
			fmt.Sprintf("steam returned %s for %s", resp.Status, key),
		)
	}

	var po priceOverview
	err = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&po)
	if err != nil {
		return models.Quote{}, e.Wrap("Steam.FetchPrice", e.FetchFailed, err)
	}
	if !po.Success {
		return models.Quote{}, e.New(
			"Steam.FetchPrice",
			e.FetchFailed,
			fmt.Sprintf("steam has no market data for %s", key),
		)
	}

	raw := po.MedianPrice
	if raw == "" {
		raw = po.LowestPrice
	}
	if raw == "" {
		return models.Quote{}, e.New(
			"Steam.FetchPrice",
			e.FetchFailed,
			fmt.Sprintf("steam lists no price for %s", key),
		)
	}

	price, err := ParsePrice(raw)
	if err != nil {
		return models.Quote{}, err
	}

	return models.Quote{Price: price, Currency: s.currency}, nil
}

// ParsePrice reads a formatted market price such as "$1,234.56",
// "R$ 1.234,56" or "1,--€". The last separator followed by one or two digits
// is the decimal point; every other separator groups thousands.
func ParsePrice(s string) (float64, error) {
	s = strings.ReplaceAll(s, "--", "00")

	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' {
			b.WriteRune(r)
		}
	}
	digits := strings.Trim(b.String(), ".,")
	if digits == "" {
		return 0, e.New("ParsePrice", e.FetchFailed, fmt.Sprintf("no digits in price %q", s))
	}

	if i := strings.LastIndexAny(digits, ".,"); i >= 0 {
		frac := digits[i+1:]
		whole := strings.NewReplacer(".", "", ",", "").Replace(digits[:i])
		if len(frac) == 1 || len(frac) == 2 {
			digits = whole + "." + frac
		} else {
			digits = whole + frac
		}
	}

	d, err := decimal.NewFromString(digits)
	if err != nil {
		return 0, e.Wrap("ParsePrice", e.FetchFailed, err)
	}
	return d.Round(2).InexactFloat64(), nil
}
