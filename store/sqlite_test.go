package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"

	e "github.com/cs2valuation/pricecache/errors"
	"github.com/cs2valuation/pricecache/models"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()

	s, err := OpenSQLite(filepath.Join(t.TempDir(), "prices.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(name string, price float64, age time.Duration) models.PriceRecord {
	at := models.Timestamp(time.Now().Add(-age))
	return models.PriceRecord{
		Key:         models.NewKey(name, 0),
		Price:       price,
		Currency:    "USD",
		LastUpdated: at,
		LastScraped: at,
	}
}

func sameRecord(a, b models.PriceRecord) bool {
	return a.Key == b.Key &&
		a.Price == b.Price &&
		a.Currency == b.Currency &&
		a.LastUpdated.Equal(b.LastUpdated) &&
		a.LastScraped.Equal(b.LastScraped) &&
		a.UpdateCount == b.UpdateCount
}

func TestSQLitePutCountsUpdates(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	r := testRecord("AK-47 | Redline (Field-Tested)", 12.34, time.Hour)

	stored, err := s.Put(ctx, r)
	if err != nil {
		t.Fatalf("Put() %v", err)
	}
	if stored.UpdateCount != 1 {
		t.Errorf("first Put() count = %d should be 1", stored.UpdateCount)
	}

	r2 := testRecord("AK-47 | Redline (Field-Tested)", 13, time.Minute)
	stored, err = s.Put(ctx, r2)
	if err != nil {
		t.Fatalf("Put() %v", err)
	}
	if stored.UpdateCount != 2 {
		t.Errorf("second Put() count = %d should be 2", stored.UpdateCount)
	}

	got, err := s.Get(ctx, r.Key)
	if err != nil {
		t.Fatalf("Get() %v", err)
	}
	if !sameRecord(got, stored) {
		t.Errorf("Get() = %+v should be %+v", got, stored)
	}
}

func TestSQLitePutRefusesCurrencyChange(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	r := testRecord("Glove Case", 3, time.Hour)
	if _, err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put() %v", err)
	}

	r.Currency = "EUR"
	r.Price = 99
	if _, err := s.Put(ctx, r); !e.Is(err, e.ConstraintViolation) {
		t.Errorf("Put() in another currency = %v should be a ConstraintViolation", err)
	}

	got, _ := s.Get(ctx, r.Key)
	if got.Currency != "USD" || got.Price != 3 || got.UpdateCount != 1 {
		t.Errorf("refused Put() changed the record: %+v", got)
	}
}

func TestSQLiteGetNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get(context.Background(), models.NewKey("Nothing Here", 0))
	if !e.Is(err, e.NotFound) {
		t.Errorf("Get() = %v should be NotFound", err)
	}
}

func TestSQLiteListStale(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	day := 24 * time.Hour
	for _, r := range []models.PriceRecord{
		testRecord("eight days", 1, 8*day),
		testRecord("six days", 1, 6*day),
		testRecord("ten days", 1, 10*day),
		testRecord("just now", 1, 0),
	} {
		if _, err := s.Put(ctx, r); err != nil {
			t.Fatalf("Put(%s) %v", r.Key, err)
		}
	}

	recs, err := s.ListStale(ctx, models.DefaultTTL, 10)
	if err != nil {
		t.Fatalf("ListStale() %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("ListStale() returned %d records, should be 2", len(recs))
	}
	if recs[0].MarketHashName != "ten days" || recs[1].MarketHashName != "eight days" {
		t.Errorf("ListStale() = [%s %s] should be oldest first", recs[0].Key, recs[1].Key)
	}

	recs, err = s.ListStale(ctx, models.DefaultTTL, 1)
	if err != nil {
		t.Fatalf("ListStale() %v", err)
	}
	if len(recs) != 1 || recs[0].MarketHashName != "ten days" {
		t.Errorf("ListStale(limit 1) = %+v", recs)
	}

	recs, err = s.ListStale(ctx, models.DefaultTTL, 0)
	if err != nil || len(recs) != 0 {
		t.Errorf("ListStale(limit 0) = %+v, %v", recs, err)
	}
}

func TestSQLiteListStaleTieBreak(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	at := models.Timestamp(time.Now().Add(-30 * 24 * time.Hour))
	for _, k := range []models.Key{
		models.NewKey("b", 730),
		models.NewKey("a", 730),
		models.NewKey("z", 440),
	} {
		r := models.PriceRecord{Key: k, Price: 1, Currency: "USD", LastUpdated: at, LastScraped: at}
		if _, err := s.Put(ctx, r); err != nil {
			t.Fatalf("Put(%s) %v", k, err)
		}
	}

	recs, err := s.ListStale(ctx, models.DefaultTTL, 10)
	if err != nil {
		t.Fatalf("ListStale() %v", err)
	}
	want := []string{"440/z", "730/a", "730/b"}
	for i, w := range want {
		if recs[i].Key.String() != w {
			t.Errorf("ListStale()[%d] = %s should be %s", i, recs[i].Key, w)
		}
	}
}

func TestSQLiteSaveKeepsNewer(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	newer := testRecord("Recoil Case", 2, time.Minute)
	newer.UpdateCount = 9
	ok, err := s.Save(ctx, newer)
	if err != nil || !ok {
		t.Fatalf("Save() = %t, %v", ok, err)
	}

	older := testRecord("Recoil Case", 1, time.Hour)
	older.UpdateCount = 4
	ok, err = s.Save(ctx, older)
	if err != nil {
		t.Fatalf("Save() %v", err)
	}
	if ok {
		t.Errorf("Save() of an older copy should not write")
	}

	got, _ := s.Get(ctx, newer.Key)
	if !sameRecord(got, newer) {
		t.Errorf("Get() = %+v should be %+v", got, newer)
	}

	// Equal timestamps are written, so a repeated copy is harmless
	ok, err = s.Save(ctx, newer)
	if err != nil || !ok {
		t.Errorf("Save() of the same copy = %t, %v", ok, err)
	}
}

func TestSQLiteMarkScraped(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	r := testRecord("Recoil Case", 2, 2*time.Hour)
	if _, err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put() %v", err)
	}

	later := models.Timestamp(time.Now().Add(-time.Hour))
	if err := s.MarkScraped(ctx, r.Key, later); err != nil {
		t.Fatalf("MarkScraped() %v", err)
	}
	if err := s.MarkScraped(ctx, r.Key, r.LastScraped.Add(-time.Hour)); err != nil {
		t.Fatalf("MarkScraped() %v", err)
	}

	got, _ := s.Get(ctx, r.Key)
	if !got.LastScraped.Equal(later) {
		t.Errorf("LastScraped = %s should be %s", got.LastScraped, later)
	}
	if !got.LastUpdated.Equal(r.LastUpdated) || got.UpdateCount != 1 {
		t.Errorf("MarkScraped() changed more than last_scraped: %+v", got)
	}

	if err := s.MarkScraped(ctx, models.NewKey("unknown", 0), later); err != nil {
		t.Errorf("MarkScraped() of an unknown key = %v", err)
	}
}

func TestSQLiteStats(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	st, err := s.Stats(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Stats() %v", err)
	}
	if st.TotalCount != 0 || st.AveragePrice != 0 || st.RecentlyUpdatedCount != 0 {
		t.Errorf("Stats() of an empty store = %+v", st)
	}

	for _, r := range []models.PriceRecord{
		testRecord("a", 1, time.Minute),
		testRecord("b", 2, 3*time.Hour),
		testRecord("c", 4, 9*24*time.Hour),
	} {
		if _, err := s.Put(ctx, r); err != nil {
			t.Fatalf("Put(%s) %v", r.Key, err)
		}
	}

	st, err = s.Stats(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Stats() %v", err)
	}
	if st.TotalCount != 3 {
		t.Errorf("TotalCount = %d should be 3", st.TotalCount)
	}
	if st.AveragePrice != 2.33 {
		t.Errorf("AveragePrice = %v should be 2.33", st.AveragePrice)
	}
	if st.RecentlyUpdatedCount != 1 {
		t.Errorf("RecentlyUpdatedCount = %d should be 1", st.RecentlyUpdatedCount)
	}
}

func TestSQLitePage(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	at := models.Timestamp(time.Now().Add(-time.Hour))
	keys := []models.Key{
		models.NewKey("c", 730),
		models.NewKey("a", 730),
		models.NewKey("b", 440),
		models.NewKey("b", 730),
		models.NewKey("a", 440),
	}
	for _, k := range keys {
		r := models.PriceRecord{Key: k, Price: 1, Currency: "USD", LastUpdated: at, LastScraped: at}
		if _, err := s.Put(ctx, r); err != nil {
			t.Fatalf("Put(%s) %v", k, err)
		}
	}

	var (
		after models.Key
		seen  []string
	)
	for i := 0; i < 10; i++ {
		page, err := s.Page(ctx, after, 2)
		if err != nil {
			t.Fatalf("Page() %v", err)
		}
		for _, r := range page {
			seen = append(seen, r.Key.String())
		}
		if len(page) < 2 {
			break
		}
		after = page[len(page)-1].Key
	}

	want := []string{"440/a", "440/b", "730/a", "730/b", "730/c"}
	if len(seen) != len(want) {
		t.Fatalf("Page() walked %v should be %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("Page() walked %v should be %v", seen, want)
			break
		}
	}
}

func TestSQLiteMetadata(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.GetMetadata(ctx, models.MetaNextScheduledRun); !e.Is(err, e.NotFound) {
		t.Errorf("GetMetadata() = %v should be NotFound", err)
	}

	for _, v := range []string{"2024-06-03T03:00:00Z", "2024-06-10T03:00:00Z"} {
		if err := s.SetMetadata(ctx, models.MetaNextScheduledRun, v); err != nil {
			t.Fatalf("SetMetadata() %v", err)
		}
	}

	v, err := s.GetMetadata(ctx, models.MetaNextScheduledRun)
	if err != nil || v != "2024-06-10T03:00:00Z" {
		t.Errorf("GetMetadata() = %q, %v", v, err)
	}

	m, err := s.Metadata(ctx)
	if err != nil {
		t.Fatalf("Metadata() %v", err)
	}
	if len(m) != 1 || m[models.MetaNextScheduledRun] != v {
		t.Errorf("Metadata() = %v", m)
	}
}

func TestClassifySQLite(t *testing.T) {
	tests := []struct {
		err  error
		want e.ErrCode
	}{
		{sqlite3.Error{Code: sqlite3.ErrConstraint}, e.ConstraintViolation},
		{sqlite3.Error{Code: sqlite3.ErrBusy}, e.ConnectionLost},
		{sqlite3.Error{Code: sqlite3.ErrCantOpen}, e.ConnectionLost},
		{sqlite3.Error{Code: sqlite3.ErrError}, e.Unknown},
	}

	for _, test := range tests {
		if got := classifySQLite(test.err); got != test.want {
			t.Errorf("classifySQLite(%v) = %s should be %s", test.err, got, test.want)
		}
	}
}
