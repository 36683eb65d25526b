package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/golang/glog"

	e "github.com/cs2valuation/pricecache/errors"
	"github.com/cs2valuation/pricecache/models"
	"github.com/cs2valuation/pricecache/scheduler"
)

// Prices is what the handlers read prices and stats from. pricing.Service
// satisfies it.
type Prices interface {
	GetPrice(ctx context.Context, key models.Key) (models.PriceRecord, error)
	GetStats(ctx context.Context) (models.Status, error)
}

// Updater runs a manual refresh batch. scheduler.Scheduler satisfies it.
type Updater interface {
	ForceUpdate(ctx context.Context, maxItems int) (scheduler.Result, error)
}

// statusFor maps an error to the status returned to the caller
func statusFor(err error) int {
	switch e.Code(err) {
	case e.NotFound:
		return http.StatusNotFound
	case e.ConstraintViolation:
		return http.StatusBadRequest
	case e.Unavailable:
		return http.StatusServiceUnavailable
	case e.BatchInProgress:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PriceHandler is a web handler
func (s *Server) PriceHandler(w http.ResponseWriter, r *http.Request) {
	c := MakeContext(r, w)

	switch c.GetHTTPMethod() {
	case "OPTIONS":
		c.RespondWithOptions([]string{"OPTIONS", "GET", "HEAD"})
		return
	case "GET", "HEAD":
		s.readPrice(c)
		return
	default:
		c.RespondWithStatus(http.StatusMethodNotAllowed)
		return
	}
}

func (s *Server) readPrice(c *Context) {
	appID := s.appID
	if v := c.Request.URL.Query().Get("appid"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			c.RespondWithErrorMessage(
				"The supplied appid ('"+v+"') is not a positive number.",
				http.StatusBadRequest,
			)
			return
		}
		appID = id
	}

	key := models.NewKey(c.RouteVars["market_hash_name"], appID)

	rec, err := s.prices.GetPrice(c.Request.Context(), key)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			glog.Errorf("GetPrice(%s) %+v", key, err)
		}
		c.RespondWithErrorDetail(err, status)
		return
	}

	c.RespondWithData(rec)
}

// StatusHandler is a web handler
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	c := MakeContext(r, w)

	switch c.GetHTTPMethod() {
	case "OPTIONS":
		c.RespondWithOptions([]string{"OPTIONS", "GET", "HEAD"})
		return
	case "GET", "HEAD":
		st, err := s.prices.GetStats(c.Request.Context())
		if err != nil {
			glog.Errorf("GetStats() %+v", err)
			c.RespondWithErrorDetail(err, statusFor(err))
			return
		}
		c.RespondWithData(st)
		return
	default:
		c.RespondWithStatus(http.StatusMethodNotAllowed)
		return
	}
}

// UpdateHandler is a web handler
func (s *Server) UpdateHandler(w http.ResponseWriter, r *http.Request) {
	c := MakeContext(r, w)

	switch c.GetHTTPMethod() {
	case "OPTIONS":
		c.RespondWithOptions([]string{"OPTIONS", "POST"})
		return
	case "POST":
		s.forceUpdate(c)
		return
	default:
		c.RespondWithStatus(http.StatusMethodNotAllowed)
		return
	}
}

func (s *Server) forceUpdate(c *Context) {
	if s.updater == nil {
		c.RespondWithErrorMessage("The refresh scheduler is disabled.", http.StatusServiceUnavailable)
		return
	}

	var maxItems int
	if v := c.Request.URL.Query().Get("max_items"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.RespondWithErrorMessage(
				"The supplied max_items ('"+v+"') is not a positive number.",
				http.StatusBadRequest,
			)
			return
		}
		maxItems = n
	}

	// The batch outlives a client that hangs up; Stop still cancels it
	res, err := s.updater.ForceUpdate(context.WithoutCancel(c.Request.Context()), maxItems)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			glog.Errorf("ForceUpdate(%d) %+v", maxItems, err)
		}
		c.RespondWithErrorDetail(err, status)
		return
	}

	c.RespondWithData(res)
}
