package store

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	e "github.com/cs2valuation/pricecache/errors"
	"github.com/cs2valuation/pricecache/fallback"
	"github.com/cs2valuation/pricecache/models"
)

// flaky is a Store that can be switched off
type flaky struct {
	*SQLStore
	down  int32
	calls int32
}

func (f *flaky) setDown(down bool) {
	var v int32
	if down {
		v = 1
	}
	atomic.StoreInt32(&f.down, v)
}

func (f *flaky) check(function string) error {
	atomic.AddInt32(&f.calls, 1)
	if atomic.LoadInt32(&f.down) == 1 {
		return e.New(function, e.ConnectionLost, "connection refused")
	}
	return nil
}

func (f *flaky) Get(ctx context.Context, key models.Key) (models.PriceRecord, error) {
	if err := f.check("Get"); err != nil {
		return models.PriceRecord{}, err
	}
	return f.SQLStore.Get(ctx, key)
}

func (f *flaky) Put(ctx context.Context, rec models.PriceRecord) (models.PriceRecord, error) {
	if err := f.check("Put"); err != nil {
		return rec, err
	}
	return f.SQLStore.Put(ctx, rec)
}

func (f *flaky) Save(ctx context.Context, rec models.PriceRecord) (bool, error) {
	if err := f.check("Save"); err != nil {
		return false, err
	}
	return f.SQLStore.Save(ctx, rec)
}

func (f *flaky) Merge(ctx context.Context, rec models.PriceRecord) (bool, error) {
	if err := f.check("Merge"); err != nil {
		return false, err
	}
	return f.SQLStore.Merge(ctx, rec)
}

func (f *flaky) MarkScraped(ctx context.Context, key models.Key, at time.Time) error {
	if err := f.check("MarkScraped"); err != nil {
		return err
	}
	return f.SQLStore.MarkScraped(ctx, key, at)
}

func (f *flaky) ListStale(ctx context.Context, ttl time.Duration, limit int) ([]models.PriceRecord, error) {
	if err := f.check("ListStale"); err != nil {
		return nil, err
	}
	return f.SQLStore.ListStale(ctx, ttl, limit)
}

func (f *flaky) Stats(ctx context.Context, recent time.Duration) (models.Stats, error) {
	if err := f.check("Stats"); err != nil {
		return models.Stats{}, err
	}
	return f.SQLStore.Stats(ctx, recent)
}

func (f *flaky) GetMetadata(ctx context.Context, key string) (string, error) {
	if err := f.check("GetMetadata"); err != nil {
		return "", err
	}
	return f.SQLStore.GetMetadata(ctx, key)
}

func (f *flaky) SetMetadata(ctx context.Context, key string, value string) error {
	if err := f.check("SetMetadata"); err != nil {
		return err
	}
	return f.SQLStore.SetMetadata(ctx, key, value)
}

func TestTieredDegradedRoundTrip(t *testing.T) {
	ctx := context.Background()
	durable := &flaky{SQLStore: openTestStore(t)}
	tiered := NewTiered(durable, fallback.New(), 0)

	a := testRecord("Kilowatt Case", 1.1, 2*time.Hour)
	if _, err := tiered.Put(ctx, a); err != nil {
		t.Fatalf("Put(a) %v", err)
	}
	if tiered.State() != Healthy {
		t.Fatalf("State() = %s should be healthy", tiered.State())
	}

	durable.setDown(true)

	b := testRecord("Revolution Case", 0.8, time.Hour)
	stored, err := tiered.Put(ctx, b)
	if err != nil {
		t.Fatalf("Put(b) while down = %v, the fallback should absorb it", err)
	}
	if tiered.State() != Degraded {
		t.Errorf("State() = %s should be degraded", tiered.State())
	}
	if tiered.FallbackLen() != 1 {
		t.Errorf("FallbackLen() = %d should be 1", tiered.FallbackLen())
	}

	got, err := tiered.Get(ctx, b.Key)
	if err != nil || !sameRecord(got, stored) {
		t.Errorf("Get(b) while down = %+v, %v should be %+v", got, err, stored)
	}

	// a was written while healthy, so its last known copy is still served
	held, err := tiered.Get(ctx, a.Key)
	if err != nil || held.Price != a.Price {
		t.Errorf("Get(a) while down = %+v, %v should be the last known copy", held, err)
	}

	if _, err := tiered.Get(ctx, models.NewKey("Never Written", 0)); !e.Is(err, e.NotFound) {
		t.Errorf("Get() of an unknown key while down = %v should be NotFound", err)
	}

	if _, err := tiered.ListStale(ctx, models.DefaultTTL, 10); !e.Is(err, e.ConnectionLost) {
		t.Errorf("ListStale() while down = %v should be ConnectionLost", err)
	}

	durable.setDown(false)

	// The next call reaches the store, which reconciles the fallback into it
	if _, err := tiered.Get(ctx, a.Key); err != nil {
		t.Fatalf("Get(a) after recovery %v", err)
	}
	if tiered.State() != Healthy {
		t.Errorf("State() = %s should be healthy again", tiered.State())
	}

	reconciled, err := durable.SQLStore.Get(ctx, b.Key)
	if err != nil {
		t.Fatalf("durable Get(b) %v", err)
	}
	if !sameRecord(reconciled, stored) {
		t.Errorf("reconciled record = %+v should be %+v", reconciled, stored)
	}

	if tiered.FallbackLen() != 1 {
		t.Errorf("fallback entries should be kept after reconciliation, FallbackLen() = %d", tiered.FallbackLen())
	}
}

func TestTieredProbeInterval(t *testing.T) {
	ctx := context.Background()
	durable := &flaky{SQLStore: openTestStore(t)}
	tiered := NewTiered(durable, fallback.New(), time.Minute)

	now := time.Now()
	tiered.now = func() time.Time { return now }

	durable.setDown(true)
	if _, err := tiered.Put(ctx, testRecord("a", 1, time.Hour)); err != nil {
		t.Fatalf("Put() %v", err)
	}
	if tiered.State() != Degraded {
		t.Fatalf("State() = %s should be degraded", tiered.State())
	}

	calls := atomic.LoadInt32(&durable.calls)
	durable.setDown(false)

	now = now.Add(30 * time.Second)
	if _, err := tiered.Put(ctx, testRecord("b", 1, time.Hour)); err != nil {
		t.Fatalf("Put() %v", err)
	}
	if got := atomic.LoadInt32(&durable.calls); got != calls {
		t.Errorf("durable store was called %d times inside the probe interval", got-calls)
	}
	if tiered.State() != Degraded {
		t.Errorf("State() = %s should still be degraded", tiered.State())
	}

	now = now.Add(time.Minute)
	if _, err := tiered.Put(ctx, testRecord("c", 1, time.Hour)); err != nil {
		t.Fatalf("Put() %v", err)
	}
	if tiered.State() != Healthy {
		t.Errorf("State() = %s should be healthy after a probe", tiered.State())
	}

	st, err := durable.SQLStore.Stats(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Stats() %v", err)
	}
	if st.TotalCount != 3 {
		t.Errorf("durable store holds %d records, should be 3", st.TotalCount)
	}
}

func TestTieredReconcileKeepsNewer(t *testing.T) {
	ctx := context.Background()
	durable := &flaky{SQLStore: openTestStore(t)}
	fb := fallback.New()
	tiered := NewTiered(durable, fb, 0)

	older := testRecord("Dreams & Nightmares Case", 1, 3*time.Hour)
	if _, err := fb.Put(older); err != nil {
		t.Fatalf("fallback Put() %v", err)
	}

	newer := testRecord("Dreams & Nightmares Case", 2, time.Minute)
	if _, err := durable.Put(ctx, newer); err != nil {
		t.Fatalf("durable Put() %v", err)
	}

	n, err := tiered.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile() %v", err)
	}
	if n != 0 {
		t.Errorf("Reconcile() wrote %d records over a newer copy", n)
	}

	got, _ := durable.SQLStore.Get(ctx, newer.Key)
	if got.Price != 2 {
		t.Errorf("durable price = %v should still be 2", got.Price)
	}
}

func TestTieredMarkScrapedWhileDown(t *testing.T) {
	ctx := context.Background()
	durable := &flaky{SQLStore: openTestStore(t)}
	tiered := NewTiered(durable, fallback.New(), 0)

	durable.setDown(true)

	r := testRecord("Fracture Case", 0.4, 2*time.Hour)
	if _, err := tiered.Put(ctx, r); err != nil {
		t.Fatalf("Put() %v", err)
	}

	at := time.Now().Add(-time.Minute)
	if err := tiered.MarkScraped(ctx, r.Key, at); err != nil {
		t.Fatalf("MarkScraped() %v", err)
	}

	got, _ := tiered.Get(ctx, r.Key)
	if !got.LastScraped.Equal(models.Timestamp(at)) {
		t.Errorf("LastScraped = %s should be %s", got.LastScraped, models.Timestamp(at))
	}
	if !got.LastUpdated.Equal(r.LastUpdated) {
		t.Errorf("MarkScraped() moved LastUpdated")
	}
}

func TestTieredReconcileKeepsCounting(t *testing.T) {
	ctx := context.Background()
	durable := &flaky{SQLStore: openTestStore(t)}
	tiered := NewTiered(durable, fallback.New(), 0)

	r := testRecord("Chroma 2 Case", 1, 2*time.Hour)
	for i := 0; i < 5; i++ {
		if _, err := tiered.Put(ctx, r); err != nil {
			t.Fatalf("Put() %v", err)
		}
	}

	durable.setDown(true)

	// A refresh while down, built from the last known copy
	known, err := tiered.Get(ctx, r.Key)
	if err != nil {
		t.Fatalf("Get() while down %v", err)
	}
	refreshed, err := known.Refreshed(models.Quote{Price: 2, Currency: "USD"}, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("Refreshed() %v", err)
	}
	stored, err := tiered.Put(ctx, refreshed)
	if err != nil {
		t.Fatalf("Put() while down %v", err)
	}
	if stored.UpdateCount != 6 {
		t.Errorf("count while down = %d should be 6", stored.UpdateCount)
	}

	durable.setDown(false)
	if _, err := tiered.Get(ctx, r.Key); err != nil {
		t.Fatalf("Get() after recovery %v", err)
	}

	got, err := durable.SQLStore.Get(ctx, r.Key)
	if err != nil {
		t.Fatalf("durable Get() %v", err)
	}
	if got.UpdateCount != 6 || got.Price != 2 {
		t.Errorf("reconciled record = %+v should have price 2 and count 6", got)
	}

	// A second reconcile of the retained entry writes and counts nothing
	n, err := tiered.Reconcile(ctx)
	if err != nil || n != 0 {
		t.Errorf("second Reconcile() = %d, %v should write nothing", n, err)
	}
	got, _ = durable.SQLStore.Get(ctx, r.Key)
	if got.UpdateCount != 6 {
		t.Errorf("count after a second reconcile = %d should still be 6", got.UpdateCount)
	}
}

func TestTieredReconcileUnseenKey(t *testing.T) {
	ctx := context.Background()
	durable := &flaky{SQLStore: openTestStore(t)}

	r := testRecord("Snakebite Case", 1, 3*time.Hour)
	for i := 0; i < 5; i++ {
		if _, err := durable.SQLStore.Put(ctx, r); err != nil {
			t.Fatalf("Put() %v", err)
		}
	}

	// This Tiered has never read the key, so the outage write starts a new
	// count
	tiered := NewTiered(durable, fallback.New(), 0)
	durable.setDown(true)

	fresh := models.NewRecord(r.Key, models.Quote{Price: 3, Currency: "USD"}, time.Now().Add(-time.Minute))
	stored, err := tiered.Put(ctx, fresh)
	if err != nil {
		t.Fatalf("Put() while down %v", err)
	}
	if stored.UpdateCount != 1 {
		t.Fatalf("count while down = %d should be 1", stored.UpdateCount)
	}

	durable.setDown(false)
	if _, err := tiered.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() %v", err)
	}

	got, err := durable.SQLStore.Get(ctx, r.Key)
	if err != nil {
		t.Fatalf("durable Get() %v", err)
	}
	if got.UpdateCount != 6 || got.Price != 3 {
		t.Errorf("reconciled record = %+v should have price 3 and count 6", got)
	}
}
