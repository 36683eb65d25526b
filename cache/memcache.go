package cache

import (
	"bytes"
	"crypto/md5"
	"encoding/gob"
	"fmt"
	"io"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/golang/glog"

	"github.com/cs2valuation/pricecache/models"
)

// mcKeyPrefix namespaces price records in a shared memcached
const mcKeyPrefix = "sp_"

// Memcache is a session cache shared by every worker that points at the same
// memcached. Errors are logged and treated as misses.
type Memcache struct {
	mc         *memcache.Client
	timeToLive int32
}

// NewMemcache creates the memcached client. ttl is rounded down to whole
// seconds.
func NewMemcache(host string, port int64, ttl time.Duration) *Memcache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memcache{
		mc:         memcache.New(fmt.Sprintf("%s:%d", host, port)),
		timeToLive: int32(ttl / time.Second),
	}
}

// mcKey hashes the item key: market names contain spaces, which memcached
// keys may not
func mcKey(key models.Key) string {
	m := md5.New()
	io.WriteString(m, key.String())
	return fmt.Sprintf("%s%x", mcKeyPrefix, m.Sum(nil))
}

// Set puts the record into memcached
func (c *Memcache) Set(rec models.PriceRecord) {
	// Encode the data for serialisation in memcache
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	err := enc.Encode(&rec)
	if err != nil {
		glog.Errorf("enc.Encode(&rec) %+v", err)
		return
	}

	err = c.mc.Set(
		&memcache.Item{
			Key:        mcKey(rec.Key),
			Value:      buf.Bytes(),
			Expiration: c.timeToLive, // time in seconds
		},
	)
	if err != nil {
		glog.Errorf("mc.Set() %+v", err)
		return
	}
}

// Get gets the record for the given key, if it is in the cache
func (c *Memcache) Get(key models.Key) (models.PriceRecord, bool) {
	var rec models.PriceRecord

	item, err := c.mc.Get(mcKey(key))
	if err != nil {
		// Cache misses are expected, but other errors are logged.
		if err != memcache.ErrCacheMiss {
			glog.Warningf("mc.Get(key) %+v", err)
		}
		return rec, false
	}

	dec := gob.NewDecoder(bytes.NewReader(item.Value))
	err = dec.Decode(&rec)
	if err != nil {
		glog.Errorf("dec.Decode(&rec) %+v", err)
		return rec, false
	}

	// An md5 collision is not impossible, only improbable
	if rec.Key != key {
		return models.PriceRecord{}, false
	}

	return rec, true
}

// Delete removes the record for key from the cache, if it is in the cache
func (c *Memcache) Delete(key models.Key) {
	err := c.mc.Delete(mcKey(key))
	if err != nil && err != memcache.ErrCacheMiss {
		glog.Warningf("mc.Delete(key) %+v", err)
	}
}
