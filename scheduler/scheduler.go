/*
Package scheduler keeps the durable store from going stale.

A single Scheduler is built at startup and passed to whatever needs it. A cron
poll checks the persisted next_scheduled_run and, once it has passed, refreshes
one batch of the oldest stale records. ForceUpdate runs the same batch on
demand. Only one batch runs at a time per Scheduler; the timer skips a tick
while a batch is running and ForceUpdate refuses with BatchInProgress.
*/
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/robfig/cron"
	"golang.org/x/time/rate"

	e "github.com/cs2valuation/pricecache/errors"
	"github.com/cs2valuation/pricecache/fetch"
	"github.com/cs2valuation/pricecache/models"
)

// Field name   | Mandatory? | Allowed values  | Allowed special characters
// ----------   | ---------- | --------------  | --------------------------
// Seconds      | Yes        | 0-59            | * / , -
// Minutes      | Yes        | 0-59            | * / , -
// Hours        | Yes        | 0-23            | * / , -
// Day of month | Yes        | 1-31            | * / , - ?
// Month        | Yes        | 1-12 or JAN-DEC | * / , -
// Day of week  | Yes        | 0-6 or SUN-SAT  | * / , - ?
const (
	//                    SS MI HH DOM MON DOW
	DefaultSchedule = "0  0  3  *   *   MON" // Every Monday at 3am
	DefaultPoll     = "@every 1m"

	DefaultBatchSize = 100
	DefaultItemDelay = 5 * time.Second
)

// Store is what the scheduler reads stale records and bookkeeping from
type Store interface {
	ListStale(ctx context.Context, ttl time.Duration, limit int) ([]models.PriceRecord, error)
	GetMetadata(ctx context.Context, key string) (string, error)
	SetMetadata(ctx context.Context, key string, value string) error
}

// Writer stores a refreshed record. pricing.Service satisfies it.
type Writer interface {
	PutPrice(ctx context.Context, rec models.PriceRecord) (models.PriceRecord, error)
}

// Config holds the scheduler's tunables
type Config struct {
	// Schedule is a six field cron spec for the refresh run
	Schedule string

	// Poll is how often the persisted schedule is checked
	Poll string

	// Location the schedule is read in; nil is UTC
	Location *time.Location

	BatchSize    int
	TTL          time.Duration
	ItemDelay    time.Duration
	FetchTimeout time.Duration
}

// Result reports one batch
type Result struct {
	RunID          string    `json:"runId"`
	ItemsAttempted int       `json:"itemsAttempted"`
	ItemsSucceeded int       `json:"itemsSucceeded"`
	Started        time.Time `json:"started"`
	Finished       time.Time `json:"finished"`
}

// Scheduler owns the refresh timer and the batch lock
type Scheduler struct {
	cfg      Config
	schedule cron.Schedule
	store    Store
	writer   Writer
	fetcher  fetch.Fetcher
	now      func() time.Time

	// batch is held for the whole of a refresh batch
	batch sync.Mutex

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// New validates cfg and returns a stopped Scheduler
func New(cfg Config, st Store, w Writer, f fetch.Fetcher) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Poll == "" {
		cfg.Poll = DefaultPoll
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = models.DefaultTTL
	}
	if cfg.ItemDelay < 0 {
		cfg.ItemDelay = 0
	}

	schedule, err := cron.Parse(cfg.Schedule)
	if err != nil {
		return nil, e.Wrap("scheduler.New", e.Unknown, fmt.Errorf("schedule %q: %w", cfg.Schedule, err))
	}
	if _, err := cron.Parse(cfg.Poll); err != nil {
		return nil, e.Wrap("scheduler.New", e.Unknown, fmt.Errorf("poll %q: %w", cfg.Poll, err))
	}

	return &Scheduler{
		cfg:      cfg,
		schedule: schedule,
		store:    st,
		writer:   w,
		fetcher:  fetch.WithTimeout(f, cfg.FetchTimeout),
		now:      time.Now,
	}, nil
}

// Start begins polling the schedule. Batches run under a context derived from
// ctx that Stop cancels.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return e.New("Start", e.Unknown, "scheduler already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	c := cron.NewWithLocation(s.cfg.Location)
	if err := c.AddFunc(s.cfg.Poll, s.tick); err != nil {
		s.cancel()
		return e.Wrap("Start", e.Unknown, err)
	}
	c.Start()
	s.cron = c

	if glog.V(2) {
		glog.Infof("scheduler: started, schedule %q polled %q", s.cfg.Schedule, s.cfg.Poll)
	}
	return nil
}

// Stop halts the timer, cancels a running batch and waits for it to return.
// The record being written when the batch is cancelled is either fully
// written or not at all.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	if c == nil {
		return
	}

	c.Stop()
	cancel()

	// Wait for an in-flight batch
	s.batch.Lock()
	s.batch.Unlock()

	if glog.V(2) {
		glog.Info("scheduler: stopped")
	}
}

// NextRun is when the schedule next fires after t
func (s *Scheduler) NextRun(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.cfg.Location)).UTC()
}

// tick is the cron job
func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if ctx == nil || ctx.Err() != nil {
		return
	}

	if _, ran, err := s.RunIfDue(ctx); err != nil {
		glog.Errorf("scheduler: %+v", err)
	} else if ran && bool(glog.V(2)) {
		glog.Info("scheduler: scheduled refresh complete")
	}
}

// RunIfDue runs one batch when next_scheduled_run has passed. With no
// next_scheduled_run stored it only records when the first run is due.
func (s *Scheduler) RunIfDue(ctx context.Context) (Result, bool, error) {
	now := s.now()

	v, err := s.store.GetMetadata(ctx, models.MetaNextScheduledRun)
	if err != nil {
		if !e.Is(err, e.NotFound) {
			return Result{}, false, err
		}
		return Result{}, false, s.setTime(ctx, models.MetaNextScheduledRun, s.NextRun(now))
	}

	next, err := time.Parse(time.RFC3339, v)
	if err != nil {
		glog.Errorf("scheduler: %s=%q is not a time, rescheduling: %v", models.MetaNextScheduledRun, v, err)
		return Result{}, false, s.setTime(ctx, models.MetaNextScheduledRun, s.NextRun(now))
	}

	if now.Before(next) {
		return Result{}, false, nil
	}

	if !s.batch.TryLock() {
		if glog.V(2) {
			glog.Info("scheduler: a batch is already running, skipping tick")
		}
		return Result{}, false, nil
	}
	defer s.batch.Unlock()

	res, err := s.run(ctx, s.cfg.BatchSize)
	return res, true, err
}

// ForceUpdate refreshes up to maxItems stale records now. It fails with
// BatchInProgress rather than wait for a running batch.
func (s *Scheduler) ForceUpdate(ctx context.Context, maxItems int) (Result, error) {
	if maxItems <= 0 {
		maxItems = s.cfg.BatchSize
	}

	if !s.batch.TryLock() {
		return Result{}, e.New("ForceUpdate", e.BatchInProgress, "a refresh batch is already running")
	}
	defer s.batch.Unlock()

	ctx, cancel := s.batchContext(ctx)
	defer cancel()

	return s.run(ctx, maxItems)
}

// batchContext ties a manual batch to Stop as well as to its caller
func (s *Scheduler) batchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	s.mu.Lock()
	base := s.ctx
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	if base == nil {
		return ctx, cancel
	}

	stop := context.AfterFunc(base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// run refreshes one batch. The caller holds s.batch. A failed item is logged
// and left exactly as it was; it never stops the batch.
func (s *Scheduler) run(ctx context.Context, limit int) (Result, error) {
	res := Result{
		RunID:   uuid.NewString(),
		Started: s.now(),
	}

	recs, err := s.store.ListStale(ctx, s.cfg.TTL, limit)
	if err != nil {
		return res, err
	}

	glog.Infof("scheduler: run %s found %d stale records", res.RunID, len(recs))

	var limiter *rate.Limiter
	if s.cfg.ItemDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(s.cfg.ItemDelay), 1)
	}

	for i, old := range recs {
		if ctx.Err() != nil {
			glog.Warningf("scheduler: run %s cancelled after %d of %d", res.RunID, i, len(recs))
			break
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				glog.Warningf("scheduler: run %s cancelled after %d of %d", res.RunID, i, len(recs))
				break
			}
		}

		res.ItemsAttempted++
		if err := s.refresh(ctx, old); err != nil {
			glog.Errorf("scheduler: [%d/%d] %s: %+v", i+1, len(recs), old.Key, err)
			continue
		}
		res.ItemsSucceeded++

		if glog.V(2) {
			glog.Infof("scheduler: [%d/%d] %s refreshed", i+1, len(recs), old.Key)
		}
	}

	res.Finished = s.now()

	// Bookkeeping is written even when the batch was cut short so that a
	// restart does not immediately retry the whole run
	bctx := context.WithoutCancel(ctx)
	if err := s.setTime(bctx, models.MetaLastScheduledRun, res.Finished); err != nil {
		return res, err
	}
	if err := s.setTime(bctx, models.MetaNextScheduledRun, s.NextRun(res.Finished)); err != nil {
		return res, err
	}

	glog.Infof(
		"scheduler: run %s refreshed %d of %d attempted",
		res.RunID, res.ItemsSucceeded, res.ItemsAttempted,
	)
	return res, nil
}

func (s *Scheduler) refresh(ctx context.Context, old models.PriceRecord) error {
	q, err := s.fetcher.FetchPrice(ctx, old.Key)
	if err != nil {
		return err
	}

	rec, err := old.Refreshed(q, s.now())
	if err != nil {
		return err
	}

	_, err = s.writer.PutPrice(ctx, rec)
	return err
}

func (s *Scheduler) setTime(ctx context.Context, key string, t time.Time) error {
	return s.store.SetMetadata(ctx, key, t.UTC().Format(time.RFC3339))
}
