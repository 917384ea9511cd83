package summary

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"fitgpt/internal/domain"
	"fitgpt/internal/observability"
)

const (
	DefaultTTL        = 60 * time.Second
	DefaultMaxEntries = 64
)

type entry struct {
	summary  domain.DailySummary
	storedAt time.Time
}

// Cache holds exact daily summaries keyed by date. Estimates are never
// stored. Entries expire TTL after they were stored; reads do not extend
// them.
type Cache struct {
	ttl   time.Duration
	now   func() time.Time
	items *expirable.LRU[string, entry]
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithClock injects the clock used to age entries.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCache returns a bounded cache. Non-positive arguments use the defaults.
func NewCache(ttl time.Duration, maxEntries int, opts ...CacheOption) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &Cache{ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	// The LRU's own expiry runs on wall time and only bounds memory; freshness
	// is decided against the injected clock in Get.
	c.items = expirable.NewLRU[string, entry](maxEntries, nil, ttl)
	return c
}

// Get returns the cached summary for date if it is still fresh.
func (c *Cache) Get(date string) (domain.DailySummary, bool) {
	e, ok := c.items.Get(date)
	if ok && c.now().Sub(e.storedAt) >= c.ttl {
		c.items.Remove(date)
		ok = false
	}
	observability.RecordCacheLookup(ok)
	if !ok {
		return domain.DailySummary{}, false
	}
	return e.summary, true
}

// Store caches s unless it is an estimate. It reports whether s was stored.
func (c *Cache) Store(s domain.DailySummary) bool {
	if s.IsEstimate {
		observability.RecordCacheStore(false)
		return false
	}
	c.items.Add(s.Date, entry{summary: s, storedAt: c.now()})
	observability.RecordCacheStore(true)
	return true
}

// Invalidate drops the entry for date.
func (c *Cache) Invalidate(date string) {
	c.items.Remove(date)
}

// Len reports the number of entries held.
func (c *Cache) Len() int {
	return c.items.Len()
}
