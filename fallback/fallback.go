/*
Package fallback holds price records in process memory while the durable store
cannot be reached.

Two kinds of entry are held. Mirrors are copies of what the durable store
last returned or accepted, so that an outage can still serve known prices.
Pending entries were written while the store was down and still have to be
merged back. The table is unbounded and never evicts; pending entries are
kept after they have been merged so that merging them again is harmless.
*/
package fallback

import (
	"fmt"
	"sort"
	"sync"
	"time"

	e "github.com/cs2valuation/pricecache/errors"
	"github.com/cs2valuation/pricecache/models"
)

// Table is a process-local key to record map, safe for concurrent use
type Table struct {
	mu      sync.RWMutex
	entries map[models.Key]entry
}

type entry struct {
	rec     models.PriceRecord
	pending bool
}

// New returns an empty Table
func New() *Table {
	return &Table{entries: map[models.Key]entry{}}
}

// Get returns the record held for key
func (t *Table) Get(key models.Key) (models.PriceRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	en, ok := t.entries[key]
	return en.rec, ok
}

// Put stores a successful refresh as a pending entry. The update count
// continues from whatever is already held for the key, or from the count
// carried by rec when the table has not seen the key yet.
func (t *Table) Put(rec models.PriceRecord) (models.PriceRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := rec.UpdateCount
	if old, ok := t.entries[rec.Key]; ok {
		if old.rec.Currency != rec.Currency {
			return old.rec, e.New(
				"fallback.Put",
				e.ConstraintViolation,
				fmt.Sprintf("currency for %s is %s, not %s", rec.Key, old.rec.Currency, rec.Currency),
			)
		}
		if old.rec.UpdateCount > count {
			count = old.rec.UpdateCount
		}
	}

	rec.UpdateCount = count + 1
	t.entries[rec.Key] = entry{rec: rec, pending: true}
	return rec, nil
}

// Mirror keeps a copy of a record the durable store holds. A pending entry
// with a later last update is not replaced.
func (t *Table) Mirror(rec models.PriceRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.entries[rec.Key]; ok && old.pending &&
		old.rec.LastUpdated.After(rec.LastUpdated) {
		return
	}
	t.entries[rec.Key] = entry{rec: rec}
}

// MarkScraped records a failed fetch attempt against a held record
func (t *Table) MarkScraped(key models.Key, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old, ok := t.entries[key]
	if !ok {
		return
	}
	if at.After(old.rec.LastScraped) {
		old.rec.LastScraped = at
		t.entries[key] = old
	}
}

// Records returns a copy of every held record in key order
func (t *Table) Records() []models.PriceRecord {
	return t.collect(false)
}

// Pending returns the records written while the durable store was down, in
// key order
func (t *Table) Pending() []models.PriceRecord {
	return t.collect(true)
}

func (t *Table) collect(pendingOnly bool) []models.PriceRecord {
	t.mu.RLock()
	out := make([]models.PriceRecord, 0, len(t.entries))
	for _, en := range t.entries {
		if pendingOnly && !en.pending {
			continue
		}
		out = append(out, en.rec)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

// Len is the number of held records
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// PendingLen is the number of pending records
func (t *Table) PendingLen() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var n int
	for _, en := range t.entries {
		if en.pending {
			n++
		}
	}
	return n
}
