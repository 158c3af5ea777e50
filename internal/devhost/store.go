package devhost

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zstd"

	"github.com/superfly/fly.rs/internal/wire"
)

// commandError is a failure reported back to the isolate with an error kind.
type commandError struct {
	kind wire.ErrorKind
	msg  string
}

func (e *commandError) Error() string {
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func notFound(format string, args ...any) error {
	return &commandError{kind: wire.ErrNotFound, msg: fmt.Sprintf(format, args...)}
}

func invalidInput(format string, args ...any) error {
	return &commandError{kind: wire.ErrInvalidInput, msg: fmt.Sprintf(format, args...)}
}

// errorKind maps err to the kind sent on the wire.
func errorKind(err error) wire.ErrorKind {
	var ce *commandError
	if errors.As(err, &ce) {
		return ce.kind
	}
	return wire.ErrOther
}

type cacheEntry struct {
	value   []byte
	packed  bool
	meta    string
	tags    []string
	expires time.Time
}

// CompressThreshold is the value size from which cache entries are kept
// zstd-compressed.
const CompressThreshold = 4 << 10

var (
	zenc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zdec, _ = zstd.NewReader(nil)
)

func pack(value []byte) ([]byte, bool) {
	if len(value) < CompressThreshold {
		return value, false
	}
	out := zenc.EncodeAll(value, make([]byte, 0, len(value)/2))
	if len(out) >= len(value) {
		return value, false
	}
	return out, true
}

func (e *cacheEntry) bytes() ([]byte, error) {
	if !e.packed {
		return append([]byte(nil), e.value...), nil
	}
	return zdec.DecodeAll(e.value, nil)
}

// MemoryCache is the development host's cache. Entries expire lazily.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	now     func() time.Time
}

// NewMemoryCache returns an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]*cacheEntry), now: time.Now}
}

// live returns the entry for key, dropping it if expired. Callers hold mu.
func (c *MemoryCache) live(key string) (*cacheEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e, true
}

func (c *MemoryCache) expiry(ttl uint32) time.Time {
	if ttl == 0 {
		return time.Time{}
	}
	return c.now().Add(time.Duration(ttl) * time.Second)
}

// Get returns a copy of the value for key.
func (c *MemoryCache) Get(key string) (value []byte, meta string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.live(key)
	if !ok {
		return nil, "", false
	}
	b, err := e.bytes()
	if err != nil {
		delete(c.entries, key)
		return nil, "", false
	}
	return b, e.meta, true
}

// Set stores value. With onlyIfEmpty an existing live entry is kept and Set
// reports false.
func (c *MemoryCache) Set(key string, value []byte, ttl uint32, tags []string, meta string, onlyIfEmpty bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.live(key); exists && onlyIfEmpty {
		return false
	}
	value, packed := pack(value)
	c.entries[key] = &cacheEntry{
		value:   value,
		packed:  packed,
		meta:    meta,
		tags:    append([]string(nil), tags...),
		expires: c.expiry(ttl),
	}
	return true
}

// Del removes key and reports whether it was live.
func (c *MemoryCache) Del(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.live(key); !ok {
		return false
	}
	delete(c.entries, key)
	return true
}

// Expire sets a new ttl in seconds; zero removes the expiry.
func (c *MemoryCache) Expire(key string, ttl uint32) bool {
	return c.update(key, func(e *cacheEntry) { e.expires = c.expiry(ttl) })
}

// SetMeta replaces the metadata of a live key.
func (c *MemoryCache) SetMeta(key, meta string) bool {
	return c.update(key, func(e *cacheEntry) { e.meta = meta })
}

// SetTags replaces the tags of a live key.
func (c *MemoryCache) SetTags(key string, tags []string) bool {
	return c.update(key, func(e *cacheEntry) { e.tags = append([]string(nil), tags...) })
}

func (c *MemoryCache) update(key string, fn func(*cacheEntry)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.live(key)
	if ok {
		fn(e)
	}
	return ok
}

// PurgeTag deletes every entry carrying tag and returns their keys sorted.
func (c *MemoryCache) PurgeTag(tag string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var keys []string
	for k := range c.entries {
		e, ok := c.live(k)
		if !ok {
			continue
		}
		for _, t := range e.tags {
			if t == tag {
				keys = append(keys, k)
				delete(c.entries, k)
				break
			}
		}
	}
	sort.Strings(keys)
	return keys
}

// Len counts live entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if _, ok := c.live(k); ok {
			n++
		}
	}
	return n
}

// MemoryData is the development host's document store.
type MemoryData struct {
	mu          sync.Mutex
	collections map[string]map[string]string
}

// NewMemoryData returns an empty document store.
func NewMemoryData() *MemoryData {
	return &MemoryData{collections: make(map[string]map[string]string)}
}

// Put stores a JSON document.
func (d *MemoryData) Put(collection, key, doc string) error {
	if collection == "" || key == "" {
		return invalidInput("collection and key are required")
	}
	if !sonic.Valid([]byte(doc)) {
		return invalidInput("%s/%s: document is not valid JSON", collection, key)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	coll, ok := d.collections[collection]
	if !ok {
		coll = make(map[string]string)
		d.collections[collection] = coll
	}
	coll[key] = doc
	return nil
}

// Get returns the document for key.
func (d *MemoryData) Get(collection, key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.collections[collection][key]
	return doc, ok
}

// Del removes a document and reports whether it existed.
func (d *MemoryData) Del(collection, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	coll := d.collections[collection]
	if _, ok := coll[key]; !ok {
		return false
	}
	delete(coll, key)
	return true
}

// Incr adds amount to field. A missing document or field starts at zero.
func (d *MemoryData) Incr(collection, key, field string, amount int64) error {
	if field == "" {
		return invalidInput("field is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	coll, ok := d.collections[collection]
	if !ok {
		coll = make(map[string]string)
		d.collections[collection] = coll
	}

	doc := map[string]any{}
	if raw, ok := coll[key]; ok {
		if err := sonic.UnmarshalString(raw, &doc); err != nil {
			return invalidInput("%s/%s: document is not an object", collection, key)
		}
	}

	var current float64
	switch v := doc[field].(type) {
	case nil:
	case float64:
		current = v
	default:
		return invalidInput("%s/%s: field %q is not a number", collection, key, field)
	}
	doc[field] = current + float64(amount)

	out, err := sonic.MarshalString(doc)
	if err != nil {
		return err
	}
	coll[key] = out
	return nil
}

// DropCollection removes a collection and every document in it.
func (d *MemoryData) DropCollection(collection string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.collections[collection]; !ok {
		return false
	}
	delete(d.collections, collection)
	return true
}
