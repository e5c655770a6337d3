package dfs

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ineffectivecoder/smbwire/pkg/metrics"
)

// Cache maps normalized path prefixes to referrals. It is safe for
// concurrent use. Writers replace whole entries, so concurrent resolutions
// of the same path leave whichever finished last.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Referral
	now     func() time.Time
	metrics *metrics.Metrics
}

// CacheEntry is a snapshot of one cached referral.
type CacheEntry struct {
	Key      string
	Referral *Referral
}

// NewCache returns an empty cache. m may be nil.
func NewCache(m *metrics.Metrics) *Cache {
	return &Cache{
		entries: make(map[string]*Referral),
		now:     time.Now,
		metrics: m,
	}
}

// NormalizeKey lower-cases path, converts forward slashes and reduces it to
// a single leading and no trailing separator.
func NormalizeKey(path string) string {
	p := strings.ReplaceAll(path, "/", `\`)
	p = strings.Trim(p, `\`)
	if p == "" {
		return ""
	}
	return `\` + strings.ToLower(p)
}

// Lookup returns the referral cached for the longest prefix of path. An
// expired entry is a miss: it is never served and stays in place until a
// fresh resolution overwrites it. The returned referral is a copy.
func (c *Cache) Lookup(path string) (key string, ref *Referral, ok bool) {
	k := NormalizeKey(path)
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()
	for k != "" {
		if r, found := c.entries[k]; found {
			if r.Expired(now) {
				c.metrics.CacheLookup(metrics.CacheExpired)
				return "", nil, false
			}
			c.metrics.CacheLookup(metrics.CacheHit)
			return k, r.Clone(), true
		}
		i := strings.LastIndexByte(k, '\\')
		if i <= 0 {
			break
		}
		k = k[:i]
	}
	c.metrics.CacheLookup(metrics.CacheMiss)
	return "", nil, false
}

// Refresh stores ref under key, replacing any previous entry.
func (c *Cache) Refresh(key string, ref *Referral) {
	k := NormalizeKey(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[k] = ref.Clone()
}

// Invalidate drops the entry for key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, NormalizeKey(key))
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Len returns the number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entries returns a snapshot of the cache sorted by key.
func (c *Cache) Entries() []CacheEntry {
	c.mu.RLock()
	out := make([]CacheEntry, 0, len(c.entries))
	for k, r := range c.entries {
		out = append(out, CacheEntry{Key: k, Referral: r.Clone()})
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
