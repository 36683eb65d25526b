// Command migrate copies every price record and metadata entry from an
// embedded SQLite file into the store named by the config file, normally
// PostgreSQL. It can be re-run: rows are written by key and a destination row
// confirmed more recently than its source is left alone.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	conf "github.com/cs2valuation/pricecache/config"
	"github.com/cs2valuation/pricecache/store"
)

var (
	configPath = flag.String("config", conf.ConfigFilePath, "config file naming the destination store")
	fromSQLite = flag.String("from", "data/prices.db", "SQLite file to copy from")
	pageSize   = flag.Int("page_size", store.DefaultPageSize, "records read per round trip")
)

func main() {
	// Also used to init glog
	flag.Parse()

	// 100 megabytes max before rolling the log files
	glog.MaxSize = 1024 * 1024 * 100

	cfg, err := conf.Load(*configPath)
	if err != nil {
		glog.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate(ctx, cfg); err != nil {
		glog.Error(err)
		glog.Flush()
		os.Exit(1)
	}
	glog.Flush()
}

func migrate(ctx context.Context, cfg conf.Config) error {
	dstConfig := store.Config{
		Engine:   cfg.Store.Engine,
		Path:     cfg.Store.SQLitePath,
		Host:     cfg.Store.Host,
		Port:     cfg.Store.Port,
		Database: cfg.Store.Database,
		Username: cfg.Store.Username,
		Password: cfg.Store.Password,
		SSLMode:  cfg.Store.SSLMode,
	}

	if dstConfig.Engine != store.EnginePostgres && sameFile(dstConfig.Path, *fromSQLite) {
		glog.Fatalf("source and destination are both %s", *fromSQLite)
	}

	var src, dst *store.SQLStore

	g := new(errgroup.Group)
	g.Go(func() (err error) {
		src, err = store.OpenSQLite(*fromSQLite)
		return err
	})
	g.Go(func() (err error) {
		dst, err = store.Open(dstConfig)
		return err
	})
	err := g.Wait()
	if src != nil {
		defer src.Close()
	}
	if dst != nil {
		defer dst.Close()
	}
	if err != nil {
		return err
	}

	glog.Infof("Migrating %s (%s) to %s", *fromSQLite, src.Engine(), dst.Engine())

	res, err := store.Migrate(ctx, src, dst, *pageSize)
	if err != nil {
		glog.Errorf(
			"Migration stopped after %d records (%d written, %d skipped, %d failed): %v",
			res.Read, res.Written, res.Skipped, res.Failed, err,
		)
		return err
	}

	glog.Infof(
		"Migrated %d records in %s: %d written, %d skipped, %d failed, %d metadata entries. Destination holds %d records.",
		res.Read,
		res.Duration,
		res.Written,
		res.Skipped,
		res.Failed,
		res.Metadata,
		res.DestinationCount,
	)
	return nil
}

func sameFile(a, b string) bool {
	aa, err := filepath.Abs(a)
	if err != nil {
		return a == b
	}
	bb, err := filepath.Abs(b)
	if err != nil {
		return a == b
	}
	return aa == bb
}
