package provider

import (
	"time"

	"github.com/trafegodns/trafegodns/pkg/dnsrecord"
)

// DefaultCacheRefresh is the record cache refresh interval when none is
// configured.
const DefaultCacheRefresh = 5 * time.Minute

// RecordCache holds a provider's last-listed records keyed by the record
// cache key. It is owned by its Provider; mutation happens only under the
// provider's batch lock.
type RecordCache struct {
	records     map[string]dnsrecord.ProviderRecord
	lastUpdated time.Time
	refresh     time.Duration
}

func newRecordCache(refresh time.Duration) *RecordCache {
	if refresh <= 0 {
		refresh = DefaultCacheRefresh
	}
	return &RecordCache{
		records: make(map[string]dnsrecord.ProviderRecord),
		refresh: refresh,
	}
}

// Stale reports whether the cache needs a re-list before use.
func (c *RecordCache) Stale(now time.Time) bool {
	return now.Sub(c.lastUpdated) > c.refresh
}

// Replace swaps in a freshly listed record set.
func (c *RecordCache) Replace(records []dnsrecord.ProviderRecord, now time.Time) {
	c.records = make(map[string]dnsrecord.ProviderRecord, len(records))
	for _, rec := range records {
		c.records[rec.Key()] = rec
	}
	c.lastUpdated = now
}

// Lookup returns the cached record matching the desired record's key.
func (c *RecordCache) Lookup(d dnsrecord.Desired) (dnsrecord.ProviderRecord, bool) {
	rec, ok := c.records[d.Key()]
	return rec, ok
}

// Put inserts or replaces one record, keeping the cache observable in
// operation order within a batch.
func (c *RecordCache) Put(rec dnsrecord.ProviderRecord) {
	c.records[rec.Key()] = rec
}

// Remove drops the record with the given external id.
func (c *RecordCache) Remove(externalID string) {
	for key, rec := range c.records {
		if rec.ExternalID == externalID {
			delete(c.records, key)
			return
		}
	}
}

// Records returns a copy of the cached records.
func (c *RecordCache) Records() []dnsrecord.ProviderRecord {
	out := make([]dnsrecord.ProviderRecord, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec)
	}
	return out
}

// LastUpdated returns the time of the last full re-list.
func (c *RecordCache) LastUpdated() time.Time {
	return c.lastUpdated
}
