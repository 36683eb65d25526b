package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/cs2valuation/pricecache/cache"
	conf "github.com/cs2valuation/pricecache/config"
	"github.com/cs2valuation/pricecache/fallback"
	"github.com/cs2valuation/pricecache/fetch"
	"github.com/cs2valuation/pricecache/pricing"
	"github.com/cs2valuation/pricecache/scheduler"
	"github.com/cs2valuation/pricecache/server"
	"github.com/cs2valuation/pricecache/store"
)

var configPath = flag.String("config", conf.ConfigFilePath, "path to the config file")

func main() {
	// Also used to init glog
	flag.Parse()

	// 100 megabytes max before rolling the log files
	glog.MaxSize = 1024 * 1024 * 100

	cfg, err := conf.Load(*configPath)
	if err != nil {
		glog.Fatal(err)
	}

	// Catch closing signal, stop the scheduler and server and flush logs
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		glog.Error(err)
		glog.Flush()
		os.Exit(1)
	}
	glog.Flush()
}

func run(ctx context.Context, cfg conf.Config) error {
	if glog.V(2) {
		glog.Infof("Initialising %s store", cfg.Store.Engine)
	}
	durable, err := store.Open(store.Config{
		Engine:   cfg.Store.Engine,
		Path:     cfg.Store.SQLitePath,
		Host:     cfg.Store.Host,
		Port:     cfg.Store.Port,
		Database: cfg.Store.Database,
		Username: cfg.Store.Username,
		Password: cfg.Store.Password,
		SSLMode:  cfg.Store.SSLMode,
	})
	if err != nil {
		return err
	}
	defer durable.Close()

	tiered := store.NewTiered(durable, fallback.New(), cfg.Store.ProbeInterval)

	var session cache.Session
	if cfg.Cache.MemcachedHost != "" {
		if glog.V(2) {
			glog.Infof(
				"Initialising cache connection to %s:%d",
				cfg.Cache.MemcachedHost,
				cfg.Cache.MemcachedPort,
			)
		}
		session = cache.NewMemcache(cfg.Cache.MemcachedHost, cfg.Cache.MemcachedPort, cfg.Cache.SessionTTL)
	} else {
		session = cache.NewMemory(cfg.Cache.SessionTTL, cfg.Cache.SessionMaxEntries)
	}

	steam, err := fetch.NewSteam(fetch.SteamConfig{
		BaseURL:      cfg.Steam.BaseURL,
		Currency:     cfg.Steam.Currency,
		RequestDelay: cfg.Steam.RequestDelay,
	})
	if err != nil {
		return err
	}

	prices := pricing.NewService(tiered, session, steam, pricing.Config{
		TTL:          cfg.Cache.TTL,
		FetchTimeout: cfg.Scheduler.FetchTimeout,
	})

	var (
		sched   *scheduler.Scheduler
		updater server.Updater
	)
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.New(
			scheduler.Config{
				Schedule:     cfg.Scheduler.Schedule,
				Poll:         cfg.Scheduler.Poll,
				Location:     cfg.Scheduler.Location,
				BatchSize:    cfg.Scheduler.BatchSize,
				TTL:          cfg.Cache.TTL,
				ItemDelay:    cfg.Scheduler.ItemDelay,
				FetchTimeout: cfg.Scheduler.FetchTimeout,
			},
			tiered,
			prices,
			steam,
		)
		if err != nil {
			return err
		}
		updater = sched
	}

	srv := server.New(
		server.Config{
			Port:           cfg.ListenPort,
			MaxConnections: cfg.MaxConnections,
			AppID:          cfg.Steam.AppID,
		},
		prices,
		updater,
	)

	g, gctx := errgroup.WithContext(ctx)

	if sched != nil {
		if err := sched.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			sched.Stop()
			return nil
		})
	}

	g.Go(func() error {
		if glog.V(2) {
			glog.Infof("Starting server on port %d", cfg.ListenPort)
		}
		return srv.ListenAndServe(gctx)
	})

	return g.Wait()
}
