package module

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotCached is returned for origin URLs the cache has never seen.
var ErrNotCached = errors.New("module not cached")

type edge struct {
	specifier string
	referrer  string
}

// Cache maps origin URLs to records, holding exactly one record per origin.
// It also remembers which origin each (specifier, referrer) pair resolved to.
type Cache struct {
	mu      sync.RWMutex
	records map[string]*Record
	edges   map[edge]string
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		records: make(map[string]*Record),
		edges:   make(map[edge]string),
	}
}

// Get returns the record for originURL.
func (c *Cache) Get(originURL string) (*Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[originURL]
	return r, ok
}

// Put stores rec unless a record for its origin already exists, and returns
// whichever record is now cached.
func (c *Cache) Put(rec *Record) *Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.records[rec.OriginURL]; ok {
		return existing
	}
	c.records[rec.OriginURL] = rec
	return rec
}

func (c *Cache) lookupEdge(specifier, referrer string) (*Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	origin, ok := c.edges[edge{specifier, referrer}]
	if !ok {
		return nil, false
	}
	r, ok := c.records[origin]
	return r, ok
}

func (c *Cache) storeEdge(specifier, referrer, originURL string) {
	c.mu.Lock()
	c.edges[edge{specifier, referrer}] = originURL
	c.mu.Unlock()
}

// Reload bumps the record's version and clears its compiled output and run
// state. The source text is kept.
func (c *Cache) Reload(originURL string) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[originURL]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotCached, originURL)
	}
	r.reload()
	return r, nil
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// OriginURLs lists cached origins in sorted order.
func (c *Cache) OriginURLs() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.records))
	for k := range c.records {
		out = append(out, k)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}
