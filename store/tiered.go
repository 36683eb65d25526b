package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	e "github.com/cs2valuation/pricecache/errors"
	"github.com/cs2valuation/pricecache/fallback"
	"github.com/cs2valuation/pricecache/models"
)

// State is the availability of the durable store as last observed
type State int32

const (
	Healthy State = iota
	Degraded
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DefaultProbeInterval is how often a degraded Tiered retries the durable
// store
const DefaultProbeInterval = 5 * time.Second

// Tiered fronts a durable Store with a fallback table.
//
// Healthy: every call goes to the durable store, and each record it returns
// or accepts is mirrored into the fallback table. The first ConnectionLost
// moves to Degraded.
//
// Degraded: record reads and writes are served by the fallback table. The
// durable store is retried at most once per probe interval; the first call it
// answers moves back to Healthy and merges every pending fallback record into
// it. Pending entries are kept, so a later merge of the same entries is
// harmless.
type Tiered struct {
	durable  Store
	fallback *fallback.Table
	probe    time.Duration
	now      func() time.Time

	state     int32
	lastProbe int64

	reconcileMu sync.Mutex
}

// NewTiered returns a Healthy Tiered over durable
func NewTiered(durable Store, fb *fallback.Table, probe time.Duration) *Tiered {
	if fb == nil {
		fb = fallback.New()
	}
	if probe < 0 {
		probe = 0
	}
	return &Tiered{
		durable:  durable,
		fallback: fb,
		probe:    probe,
		now:      time.Now,
	}
}

// State returns the current availability state
func (t *Tiered) State() State {
	return State(atomic.LoadInt32(&t.state))
}

// FallbackLen is the number of records written to the fallback table while
// the durable store was down
func (t *Tiered) FallbackLen() int {
	return t.fallback.PendingLen()
}

// Durable exposes the wrapped store
func (t *Tiered) Durable() Store {
	return t.durable
}

// attempt reports whether this call should go to the durable store
func (t *Tiered) attempt() bool {
	if t.State() == Healthy {
		return true
	}

	last := atomic.LoadInt64(&t.lastProbe)
	now := t.now().UnixNano()
	if now-last < int64(t.probe) {
		return false
	}
	return atomic.CompareAndSwapInt64(&t.lastProbe, last, now)
}

// observe drives the state machine from the outcome of a durable call. Any
// answer other than ConnectionLost, NotFound included, proves the store is
// reachable.
func (t *Tiered) observe(ctx context.Context, function string, err error) {
	if e.Is(err, e.ConnectionLost) {
		atomic.StoreInt64(&t.lastProbe, t.now().UnixNano())
		if atomic.CompareAndSwapInt32(&t.state, int32(Healthy), int32(Degraded)) {
			glog.Warningf("%s: durable store unreachable, using fallback: %v", function, err)
		}
		return
	}

	if atomic.CompareAndSwapInt32(&t.state, int32(Degraded), int32(Healthy)) {
		glog.Infof("%s: durable store reachable again", function)
		if _, rerr := t.Reconcile(context.WithoutCancel(ctx)); rerr != nil {
			glog.Errorf("%s: reconcile: %v", function, rerr)
		}
	}
}

// Reconcile merges every pending fallback record into the durable store and
// returns how many rows were written. Records the durable store holds a copy
// of that is at least as new are skipped. A ConnectionLost part way through puts the store back into Degraded.
func (t *Tiered) Reconcile(ctx context.Context) (int, error) {
	t.reconcileMu.Lock()
	defer t.reconcileMu.Unlock()

	var written int
	for _, rec := range t.fallback.Pending() {
		ok, err := t.durable.Merge(ctx, rec)
		if err != nil {
			if e.Is(err, e.ConnectionLost) {
				atomic.StoreInt64(&t.lastProbe, t.now().UnixNano())
				atomic.StoreInt32(&t.state, int32(Degraded))
				return written, err
			}
			glog.Errorf("Reconcile: %s: %v", rec.Key, err)
			continue
		}
		if ok {
			written++
		}
	}

	if glog.V(2) {
		glog.Infof("Reconcile: %d of %d fallback records written", written, t.fallback.PendingLen())
	}
	return written, nil
}

func (t *Tiered) unreachable(function string) error {
	return e.New(function, e.ConnectionLost, "durable store unreachable")
}

// Get returns the durable record, or the last one known to the fallback table
// when the durable store cannot answer
func (t *Tiered) Get(ctx context.Context, key models.Key) (models.PriceRecord, error) {
	if t.attempt() {
		rec, err := t.durable.Get(ctx, key)
		t.observe(ctx, "Get", err)
		switch {
		case err == nil:
			t.fallback.Mirror(rec)
			return rec, nil
		case e.Is(err, e.NotFound):
			return rec, err
		case !e.Is(err, e.ConnectionLost):
			if held, ok := t.fallback.Get(key); ok {
				glog.Warningf("Get: durable store failed for %s, using fallback: %v", key, err)
				return held, nil
			}
			return rec, err
		}
	}

	if rec, ok := t.fallback.Get(key); ok {
		return rec, nil
	}
	return models.PriceRecord{}, e.New("Get", e.NotFound, fmt.Sprintf("no price for %s", key))
}

// Put writes a refresh to the durable store, or to the fallback table when
// degraded
func (t *Tiered) Put(ctx context.Context, rec models.PriceRecord) (models.PriceRecord, error) {
	if err := rec.Validate(t.now()); err != nil {
		return rec, err
	}

	if t.attempt() {
		stored, err := t.durable.Put(ctx, rec)
		t.observe(ctx, "Put", err)
		if err == nil {
			t.fallback.Mirror(stored)
			return stored, nil
		}
		if !e.Is(err, e.ConnectionLost) {
			return stored, err
		}
	}

	return t.fallback.Put(rec)
}

// MarkScraped records a failed fetch attempt wherever the record lives
func (t *Tiered) MarkScraped(ctx context.Context, key models.Key, at time.Time) error {
	at = models.Timestamp(at)
	if t.attempt() {
		err := t.durable.MarkScraped(ctx, key, at)
		t.observe(ctx, "MarkScraped", err)
		if err == nil {
			t.fallback.MarkScraped(key, at)
			return nil
		}
		if !e.Is(err, e.ConnectionLost) {
			return err
		}
	}

	t.fallback.MarkScraped(key, at)
	return nil
}

// ListStale is answered by the durable store only
func (t *Tiered) ListStale(
	ctx context.Context,
	ttl time.Duration,
	limit int,
) (
	[]models.PriceRecord,
	error,
) {
	if !t.attempt() {
		return nil, t.unreachable("ListStale")
	}
	recs, err := t.durable.ListStale(ctx, ttl, limit)
	t.observe(ctx, "ListStale", err)
	return recs, err
}

// Stats is answered by the durable store only
func (t *Tiered) Stats(ctx context.Context, recent time.Duration) (models.Stats, error) {
	if !t.attempt() {
		return models.Stats{}, t.unreachable("Stats")
	}
	st, err := t.durable.Stats(ctx, recent)
	t.observe(ctx, "Stats", err)
	return st, err
}

// GetMetadata is answered by the durable store only
func (t *Tiered) GetMetadata(ctx context.Context, key string) (string, error) {
	if !t.attempt() {
		return "", t.unreachable("GetMetadata")
	}
	v, err := t.durable.GetMetadata(ctx, key)
	t.observe(ctx, "GetMetadata", err)
	return v, err
}

// SetMetadata is answered by the durable store only
func (t *Tiered) SetMetadata(ctx context.Context, key string, value string) error {
	if !t.attempt() {
		return t.unreachable("SetMetadata")
	}
	err := t.durable.SetMetadata(ctx, key, value)
	t.observe(ctx, "SetMetadata", err)
	return err
}
