package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/cs2valuation/pricecache/models"
)

// Defaults for the in-process session cache
const (
	DefaultTTL        = 10 * time.Minute
	DefaultMaxEntries = 1000
)

// Session is an exact-key memo of price records
type Session interface {
	Get(key models.Key) (models.PriceRecord, bool)
	Set(rec models.PriceRecord)
	Delete(key models.Key)
}

// Nop never holds anything
type Nop struct{}

// Get always misses
func (Nop) Get(models.Key) (models.PriceRecord, bool) { return models.PriceRecord{}, false }

// Set discards rec
func (Nop) Set(models.PriceRecord) {}

// Delete does nothing
func (Nop) Delete(models.Key) {}

type entry struct {
	rec     models.PriceRecord
	expires time.Time
}

// Memory is a bounded in-process session cache. Entries live for a fixed
// window after they were set; when full, the entry set longest ago goes first.
type Memory struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	order   *list.List
	entries map[models.Key]*list.Element
}

// NewMemory returns a Memory cache. Non-positive arguments take the defaults.
func NewMemory(ttl time.Duration, maxEntries int) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Memory{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		order:      list.New(),
		entries:    map[models.Key]*list.Element{},
	}
}

// Get returns the record held for key if its window has not passed
func (m *Memory) Get(key models.Key) (models.PriceRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		return models.PriceRecord{}, false
	}

	ent := el.Value.(*entry)
	if !m.now().Before(ent.expires) {
		m.remove(el)
		return models.PriceRecord{}, false
	}
	return ent.rec, true
}

// Set holds rec for the cache window, replacing any earlier entry
func (m *Memory) Set(rec models.PriceRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[rec.Key]; ok {
		m.remove(el)
	}

	for m.order.Len() >= m.maxEntries {
		m.remove(m.order.Front())
	}

	m.entries[rec.Key] = m.order.PushBack(&entry{
		rec:     rec,
		expires: m.now().Add(m.ttl),
	})
}

// Delete drops key
func (m *Memory) Delete(key models.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[key]; ok {
		m.remove(el)
	}
}

// Len is the number of entries held, expired or not
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *Memory) remove(el *list.Element) {
	ent := m.order.Remove(el).(*entry)
	delete(m.entries, ent.rec.Key)
}
