package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"golang.org/x/net/netutil"

	"github.com/cs2valuation/pricecache/models"
)

// DefaultMaxConnections caps concurrently open client connections
const DefaultMaxConnections = 256

// Config configures the HTTP adapter
type Config struct {
	Port           int64
	MaxConnections int

	// AppID is used when a request does not name one
	AppID int64
}

// Server is the HTTP adapter over the price service and the scheduler. A
// nil Updater disables the manual refresh route.
type Server struct {
	prices  Prices
	updater Updater
	appID   int64
	cfg     Config
	router  *mux.Router
	http    *http.Server
}

// New builds the router
func New(cfg Config, prices Prices, updater Updater) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.AppID <= 0 {
		cfg.AppID = models.DefaultAppID
	}

	s := &Server{
		prices:  prices,
		updater: updater,
		appID:   cfg.AppID,
		cfg:     cfg,
	}

	handlers := map[string]func(http.ResponseWriter, *http.Request){
		"/api/v1/prices/{market_hash_name:.+}": s.PriceHandler,
		"/api/v1/status":                       s.StatusHandler,
		"/api/v1/update":                       s.UpdateHandler,
	}

	r := mux.NewRouter()
	for url, handler := range handlers {
		r.HandleFunc(url, handler)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		MakeContext(r, w).RespondWithError(http.StatusNotFound)
	})
	s.router = r

	return s
}

// ServeHTTP makes Server an http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled, then drains open requests
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve is ListenAndServe on an existing listener
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.http = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		if glog.V(2) {
			glog.Infof("Serving on %s, at most %d connections", l.Addr(), s.cfg.MaxConnections)
		}
		errc <- s.http.Serve(netutil.LimitListener(l, s.cfg.MaxConnections))
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("http.Shutdown() %+v", err)
		return err
	}

	if err := <-errc; err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
