package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"
	rc "github.com/robfig/config"
)

// ConfigFilePath is the default path to the config file
const ConfigFilePath string = "/etc/pricecache/api.conf"

// Sections of the config file
const (
	APISection       string = "api"
	StoreSection     string = "store"
	CacheSection     string = "cache"
	SchedulerSection string = "scheduler"
	SteamSection     string = "steam"
)

// Config file keys
const (
	// [api]
	Environment    = "environment"
	ListenPort     = "listen_port"
	MaxConnections = "max_connections"

	// [store]
	StoreEngine      = "engine"
	SQLitePath       = "sqlite_path"
	DatabaseHost     = "database_host"
	DatabasePort     = "database_port"
	DatabaseName     = "database_database"
	DatabaseUsername = "database_username"
	DatabasePassword = "database_password"
	DatabaseSSLMode  = "database_sslmode"
	ProbeIntervalSec = "probe_interval_seconds"

	// [cache]
	TTLDays         = "ttl_days"
	SessionTTLSecs  = "session_ttl_seconds"
	SessionMaxItems = "session_max_entries"
	MemcachedHost   = "memcached_host"
	MemcachedPort   = "memcached_port"

	// [scheduler]
	SchedulerEnabled = "enabled"
	Schedule         = "schedule"
	Poll             = "poll"
	Timezone         = "timezone"
	BatchSize        = "batch_size"
	ItemDelayMS      = "item_delay_ms"
	FetchTimeoutSecs = "fetch_timeout_seconds"

	// [steam]
	SteamURL            = "base_url"
	SteamCurrency       = "currency"
	SteamAppID          = "app_id"
	SteamRequestDelayMS = "request_delay_ms"
)

// Config is the parsed config file
type Config struct {
	Environment    string
	ListenPort     int64
	MaxConnections int

	Store StoreConfig
	Cache CacheConfig

	Scheduler SchedulerConfig
	Steam     SteamConfig
}

// StoreConfig is the [store] section
type StoreConfig struct {
	Engine        string
	SQLitePath    string
	Host          string
	Port          int64
	Database      string
	Username      string
	Password      string
	SSLMode       string
	ProbeInterval time.Duration
}

// CacheConfig is the [cache] section
type CacheConfig struct {
	TTL               time.Duration
	SessionTTL        time.Duration
	SessionMaxEntries int
	MemcachedHost     string
	MemcachedPort     int64
}

// SchedulerConfig is the [scheduler] section
type SchedulerConfig struct {
	Enabled   bool
	Schedule  string
	Poll      string
	Location  *time.Location
	BatchSize int
	ItemDelay time.Duration

	FetchTimeout time.Duration
}

// SteamConfig is the [steam] section
type SteamConfig struct {
	BaseURL      string
	Currency     string
	AppID        int64
	RequestDelay time.Duration
}

// Defaults returns the configuration used for any key the file omits
func Defaults() Config {
	return Config{
		Environment:    "dev",
		ListenPort:     8080,
		MaxConnections: 256,
		Store: StoreConfig{
			Engine:        "sqlite",
			SQLitePath:    "data/prices.db",
			Host:          "localhost",
			Port:          5432,
			Database:      "pricecache",
			Username:      "pricecache",
			SSLMode:       "disable",
			ProbeInterval: 5 * time.Second,
		},
		Cache: CacheConfig{
			TTL:               7 * 24 * time.Hour,
			SessionTTL:        10 * time.Minute,
			SessionMaxEntries: 1000,
			MemcachedPort:     11211,
		},
		Scheduler: SchedulerConfig{
			Enabled:   true,
			Schedule:  "0 0 3 * * MON",
			Poll:      "@every 1m",
			Location:  time.UTC,
			BatchSize: 100,
			ItemDelay: 5 * time.Second,

			FetchTimeout: 15 * time.Second,
		},
		Steam: SteamConfig{
			BaseURL:      "https://steamcommunity.com/market/priceoverview/",
			Currency:     "USD",
			AppID:        730,
			RequestDelay: 1800 * time.Millisecond,
		},
	}
}

// configRequiredStrings must be present whatever the engine
var configRequiredStrings = map[string][]string{
	APISection:   {Environment},
	StoreSection: {StoreEngine},
}

// configRequiredPostgres must be present when the engine is postgres
var configRequiredPostgres = []string{
	DatabaseHost,
	DatabaseName,
	DatabaseUsername,
	DatabasePassword,
}

// Load reads the config file at path over the defaults
func Load(path string) (Config, error) {
	c, err := rc.ReadDefault(path)
	if err != nil {
		return Config{}, fmt.Errorf("config.Load(%s): %w", path, err)
	}
	return parse(c)
}

func parse(c *rc.Config) (Config, error) {
	for section, keys := range configRequiredStrings {
		for _, key := range keys {
			if !c.HasOption(section, key) {
				return Config{}, fmt.Errorf("[%s] %s is required", section, key)
			}
		}
	}

	r := reader{c: c}
	cfg := Defaults()

	// [api]
	cfg.Environment = r.str(APISection, Environment, cfg.Environment)
	cfg.ListenPort = r.int64(APISection, ListenPort, cfg.ListenPort)
	cfg.MaxConnections = r.int(APISection, MaxConnections, cfg.MaxConnections)

	// [store]
	cfg.Store.Engine = strings.ToLower(r.str(StoreSection, StoreEngine, cfg.Store.Engine))
	cfg.Store.SQLitePath = r.str(StoreSection, SQLitePath, cfg.Store.SQLitePath)
	cfg.Store.Host = r.str(StoreSection, DatabaseHost, cfg.Store.Host)
	cfg.Store.Port = r.int64(StoreSection, DatabasePort, cfg.Store.Port)
	cfg.Store.Database = r.str(StoreSection, DatabaseName, cfg.Store.Database)
	cfg.Store.Username = r.str(StoreSection, DatabaseUsername, cfg.Store.Username)
	cfg.Store.Password = r.str(StoreSection, DatabasePassword, cfg.Store.Password)
	cfg.Store.SSLMode = r.str(StoreSection, DatabaseSSLMode, cfg.Store.SSLMode)
	cfg.Store.ProbeInterval = r.seconds(StoreSection, ProbeIntervalSec, cfg.Store.ProbeInterval)

	switch cfg.Store.Engine {
	case "sqlite", "sqlite3":
	case "postgres", "postgresql":
		for _, key := range configRequiredPostgres {
			if !c.HasOption(StoreSection, key) {
				return Config{}, fmt.Errorf("[%s] %s is required for engine %s", StoreSection, key, cfg.Store.Engine)
			}
		}
	default:
		return Config{}, fmt.Errorf("[%s] %s %q is not sqlite or postgres", StoreSection, StoreEngine, cfg.Store.Engine)
	}

	// [cache]
	if days := r.int(CacheSection, TTLDays, 0); days > 0 {
		cfg.Cache.TTL = time.Duration(days) * 24 * time.Hour
	}
	cfg.Cache.SessionTTL = r.seconds(CacheSection, SessionTTLSecs, cfg.Cache.SessionTTL)
	cfg.Cache.SessionMaxEntries = r.int(CacheSection, SessionMaxItems, cfg.Cache.SessionMaxEntries)
	cfg.Cache.MemcachedHost = r.str(CacheSection, MemcachedHost, cfg.Cache.MemcachedHost)
	cfg.Cache.MemcachedPort = r.int64(CacheSection, MemcachedPort, cfg.Cache.MemcachedPort)

	// [scheduler]
	cfg.Scheduler.Enabled = r.bool(SchedulerSection, SchedulerEnabled, cfg.Scheduler.Enabled)
	cfg.Scheduler.Schedule = r.str(SchedulerSection, Schedule, cfg.Scheduler.Schedule)
	cfg.Scheduler.Poll = r.str(SchedulerSection, Poll, cfg.Scheduler.Poll)
	cfg.Scheduler.BatchSize = r.int(SchedulerSection, BatchSize, cfg.Scheduler.BatchSize)
	cfg.Scheduler.ItemDelay = r.millis(SchedulerSection, ItemDelayMS, cfg.Scheduler.ItemDelay)
	cfg.Scheduler.FetchTimeout = r.seconds(SchedulerSection, FetchTimeoutSecs, cfg.Scheduler.FetchTimeout)

	if tz := r.str(SchedulerSection, Timezone, ""); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Config{}, fmt.Errorf("[%s] %s: %w", SchedulerSection, Timezone, err)
		}
		cfg.Scheduler.Location = loc
	}

	// [steam]
	cfg.Steam.BaseURL = r.str(SteamSection, SteamURL, cfg.Steam.BaseURL)
	cfg.Steam.Currency = strings.ToUpper(r.str(SteamSection, SteamCurrency, cfg.Steam.Currency))
	cfg.Steam.AppID = r.int64(SteamSection, SteamAppID, cfg.Steam.AppID)
	cfg.Steam.RequestDelay = r.millis(SteamSection, SteamRequestDelayMS, cfg.Steam.RequestDelay)

	if r.err != nil {
		return Config{}, r.err
	}
	return cfg, nil
}

// reader reads optional keys, keeping the first malformed value it meets
type reader struct {
	c   *rc.Config
	err error
}

func (r *reader) fail(section, key string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("[%s] %s: %w", section, key, err)
	}
	glog.Errorf("config: [%s] %s %+v", section, key, err)
}

func (r *reader) str(section, key, def string) string {
	if !r.c.HasOption(section, key) {
		return def
	}
	s, err := r.c.String(section, key)
	if err != nil {
		r.fail(section, key, err)
		return def
	}
	return strings.TrimSpace(s)
}

func (r *reader) int(section, key string, def int) int {
	if !r.c.HasOption(section, key) {
		return def
	}
	i, err := r.c.Int(section, key)
	if err != nil {
		r.fail(section, key, err)
		return def
	}
	return i
}

func (r *reader) int64(section, key string, def int64) int64 {
	return int64(r.int(section, key, int(def)))
}

func (r *reader) bool(section, key string, def bool) bool {
	if !r.c.HasOption(section, key) {
		return def
	}
	b, err := r.c.Bool(section, key)
	if err != nil {
		r.fail(section, key, err)
		return def
	}
	return b
}

func (r *reader) millis(section, key string, def time.Duration) time.Duration {
	return time.Duration(r.int(section, key, int(def/time.Millisecond))) * time.Millisecond
}

func (r *reader) seconds(section, key string, def time.Duration) time.Duration {
	return time.Duration(r.int(section, key, int(def/time.Second))) * time.Second
}
