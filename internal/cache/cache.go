// Package cache implements the result cache: fingerprint -> previously
// computed generation result. At most one entry exists per fingerprint;
// insertion overwrites. Entries expire on their own TTL, checked at read
// time, with LRU eviction bounding total size.
package cache

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxSize is the default entry bound for the LRU.
const DefaultMaxSize = 512

// Entry is a cached generation result.
type Entry struct {
	Fingerprint string
	Content     string
	ModelID     string
	StoredAt    time.Time
	TTL         time.Duration
}

// expired reports whether the entry is past its TTL at time now.
func (e Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.StoredAt.Add(e.TTL))
}

// ResultCache is a TTL-aware LRU keyed by request fingerprint. Reads and
// writes are safe for concurrent use; a miss on one fingerprint never
// blocks another.
type ResultCache struct {
	entries *lru.Cache[string, Entry]

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a result cache bounded to maxSize entries.
func New(maxSize int) (*ResultCache, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	entries, err := lru.New[string, Entry](maxSize)
	if err != nil {
		return nil, err
	}
	return &ResultCache{entries: entries}, nil
}

// Get returns the live entry for a fingerprint. Expired entries are removed
// and reported as misses.
func (c *ResultCache) Get(fingerprint string) (Entry, bool) {
	entry, ok := c.entries.Get(fingerprint)
	if !ok {
		c.misses.Add(1)
		return Entry{}, false
	}
	if entry.expired(time.Now()) {
		c.entries.Remove(fingerprint)
		c.misses.Add(1)
		return Entry{}, false
	}
	c.hits.Add(1)
	return entry, true
}

// Put stores a result under its fingerprint, overwriting any prior entry.
func (c *ResultCache) Put(fingerprint, content, modelID string, ttl time.Duration) {
	c.entries.Add(fingerprint, Entry{
		Fingerprint: fingerprint,
		Content:     content,
		ModelID:     modelID,
		StoredAt:    time.Now(),
		TTL:         ttl,
	})
}

// Invalidate removes an entry explicitly.
func (c *ResultCache) Invalidate(fingerprint string) {
	c.entries.Remove(fingerprint)
}

// Purge drops every entry.
func (c *ResultCache) Purge() {
	c.entries.Purge()
}

// Len returns the number of resident entries, including any not yet
// evicted expired ones.
func (c *ResultCache) Len() int {
	return c.entries.Len()
}

// Stats returns cumulative hit and miss counts.
func (c *ResultCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
