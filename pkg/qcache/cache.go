// Package qcache implements the bounded, time-to-live query-result cache
// keyed by a deterministic fingerprint over (metric, k, threshold, query
// bytes). Concurrent searches on the same fingerprint are collapsed through
// singleflight so at most one entry is ever computed and stored per key.
package qcache

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Entry is one cached result list together with its shard-epoch stamp and
// expiry, per the spec's CacheEntry lifecycle.
type Entry struct {
	Results []byte // opaque, caller-defined serialized result list
	Epoch   uint64
	Expiry  time.Time
}

// Stats exposes hit/miss/eviction counters when enabled.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Cache is a fixed-capacity, TTL-bounded map from fingerprint to Entry.
type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache[uint64, Entry]
	ttl   time.Duration
	group singleflight.Group
	stats Stats
}

// New creates a cache with the given capacity (entry count) and TTL.
func New(capacity int, ttl time.Duration) (*Cache, error) {
	if capacity <= 0 {
		capacity = 1
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	c := &Cache{ttl: ttl}
	l, err := lru.NewWithEvict[uint64, Entry](capacity, func(_ uint64, _ Entry) {
		// The LRU invokes this synchronously from Add, Remove and Purge, which
		// this type only calls while holding c.mu.
		c.stats.Evictions++
	})
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// Fingerprint hashes (metric, k, threshold, embedding bytes) into a single
// 64-bit key via xxhash.
func Fingerprint(metric int, k int, threshold float64, embeddingBytes []byte) uint64 {
	h := xxhash.New()
	var header [24]byte
	binary.LittleEndian.PutUint64(header[0:8], uint64(metric))
	binary.LittleEndian.PutUint64(header[8:16], uint64(k))
	binary.LittleEndian.PutUint64(header[16:24], math.Float64bits(threshold))
	h.Write(header[:])
	h.Write(embeddingBytes)
	return h.Sum64()
}

// Get returns the cached entry for key if present and not TTL-expired. A
// lazily-discovered expiry purges the entry before reporting a miss.
func (c *Cache) Get(key uint64, currentEpoch uint64) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lru.Get(key)
	if !ok {
		c.stats.Misses++
		return Entry{}, false
	}
	if time.Now().After(entry.Expiry) || entry.Epoch != currentEpoch {
		c.lru.Remove(key)
		c.stats.Misses++
		return Entry{}, false
	}
	c.stats.Hits++
	return entry, true
}

// Set inserts or overwrites the entry for key, stamping it with the epoch
// captured at the moment the underlying search ran.
func (c *Cache) Set(key uint64, results []byte, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, Entry{Results: results, Epoch: epoch, Expiry: time.Now().Add(c.ttl)})
}

// GetOrCompute collapses concurrent cache misses on the same key into a
// single invocation of compute, guaranteeing at most one entry is written
// per fingerprint even under concurrent identical queries.
func (c *Cache) GetOrCompute(key uint64, currentEpoch uint64, compute func() ([]byte, error)) ([]byte, error) {
	if entry, ok := c.Get(key, currentEpoch); ok {
		return entry.Results, nil
	}
	keyStr := formatKey(key)
	v, err, _ := c.group.Do(keyStr, func() (interface{}, error) {
		if entry, ok := c.Get(key, currentEpoch); ok {
			return entry.Results, nil
		}
		results, err := compute()
		if err != nil {
			return nil, err
		}
		c.Set(key, results, currentEpoch)
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func formatKey(key uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[key&0xF]
		key >>= 4
	}
	return string(buf)
}

// StatsSnapshot returns a copy of the current hit/miss/eviction counters.
func (c *Cache) StatsSnapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Len returns the current number of cached entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Purge removes all entries, used when a conservative full invalidation is
// preferred over epoch comparison (e.g. on Close).
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
