package scanning

import (
	"net/netip"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultCacheSize = 65536

type cacheKey struct {
	addr     netip.Addr
	port     uint16
	scanType ScanType
}

// ResultCache remembers definitive results for a TTL so that repeated scans
// of the same (address, port, scan type) skip the probe.
type ResultCache struct {
	lru *expirable.LRU[cacheKey, PortResult]
}

// NewResultCache returns a cache holding up to size entries for ttl. A size
// of zero selects a default.
func NewResultCache(size int, ttl time.Duration) *ResultCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	return &ResultCache{lru: expirable.NewLRU[cacheKey, PortResult](size, nil, ttl)}
}

// Get returns the cached result for the task, marked as served from cache.
func (c *ResultCache) Get(addr netip.Addr, port uint16, t ScanType) (PortResult, bool) {
	r, ok := c.lru.Get(cacheKey{addr: addr, port: port, scanType: t})
	if !ok {
		return PortResult{}, false
	}
	r.Reason = ReasonCached
	r.CompletedAt = time.Now()
	return r, true
}

// Put stores r. Ambiguous results are not cached since a retry may resolve
// them.
func (c *ResultCache) Put(addr netip.Addr, r PortResult) {
	if !r.Status.Definitive() {
		return
	}
	c.lru.Add(cacheKey{addr: addr, port: r.Port, scanType: r.ScanType}, r)
}

// Len returns the number of live entries.
func (c *ResultCache) Len() int { return c.lru.Len() }

// Purge drops every entry.
func (c *ResultCache) Purge() { c.lru.Purge() }
