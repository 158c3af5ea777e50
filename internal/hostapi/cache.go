package hostapi

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/superfly/fly.rs/internal/stream"
	"github.com/superfly/fly.rs/internal/wire"
)

// CacheEntry is a cache hit. Body must be drained or closed.
type CacheEntry struct {
	Body io.ReadCloser
	Meta string
}

// SetOptions qualify a cache write.
type SetOptions struct {
	TTL         time.Duration
	Tags        []string
	Meta        string
	OnlyIfEmpty bool
}

// Cache is the host key/value cache.
type Cache struct {
	bridge Bridge
}

// NewCache returns a cache client sending commands over b.
func NewCache(b Bridge) *Cache {
	return &Cache{bridge: b}
}

// GetStream returns the entry for key, or nil on a miss.
func (c *Cache) GetStream(ctx context.Context, key string) (*CacheEntry, error) {
	res, reply, err := expect[*wire.CacheGetReady](c.bridge.Call(ctx, &wire.CacheGet{Key: key}, nil))
	if err != nil {
		return nil, err
	}
	if !res.Stream || reply.Body == nil {
		return nil, nil
	}
	return &CacheEntry{Body: reply.Body, Meta: res.Meta}, nil
}

// Get returns the whole value for key. ok is false on a miss.
func (c *Cache) Get(ctx context.Context, key string) (value []byte, ok bool, err error) {
	entry, err := c.GetStream(ctx, key)
	if err != nil || entry == nil {
		return nil, false, err
	}
	defer entry.Body.Close()

	value, err = io.ReadAll(entry.Body)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// GetString is Get for text values.
func (c *Cache) GetString(ctx context.Context, key string) (string, bool, error) {
	b, ok, err := c.Get(ctx, key)
	return string(b), ok, err
}

// SetStream stores the contents of r under key.
func (c *Cache) SetStream(ctx context.Context, key string, r io.Reader, opts SetOptions) error {
	msg := &wire.CacheSet{
		ID:          c.bridge.NewChannel(),
		Key:         key,
		TTL:         seconds(opts.TTL),
		Tags:        opts.Tags,
		Meta:        opts.Meta,
		OnlyIfEmpty: opts.OnlyIfEmpty,
	}
	_, err := c.bridge.CallWithBody(ctx, msg, msg.ID, stream.NewReaderSource(r, stream.DefaultChunkSize))
	return err
}

// Set stores value under key.
func (c *Cache) Set(ctx context.Context, key string, value []byte, opts SetOptions) error {
	return c.SetStream(ctx, key, bytes.NewReader(value), opts)
}

// Del removes key. Deleting a missing key is not an error.
func (c *Cache) Del(ctx context.Context, key string) error {
	_, err := c.bridge.Call(ctx, &wire.CacheDel{Key: key}, nil)
	return err
}

// Expire resets the time to live of key.
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := c.bridge.Call(ctx, &wire.CacheExpire{Key: key, TTL: seconds(ttl)}, nil)
	return err
}

// SetMeta replaces the metadata string stored with key.
func (c *Cache) SetMeta(ctx context.Context, key, meta string) error {
	_, err := c.bridge.Call(ctx, &wire.CacheSetMeta{Key: key, Meta: meta}, nil)
	return err
}

// SetTags replaces the tags of key.
func (c *Cache) SetTags(ctx context.Context, key string, tags []string) error {
	_, err := c.bridge.Call(ctx, &wire.CacheSetTags{Key: key, Tags: tags}, nil)
	return err
}

// PurgeTag deletes every entry tagged tag and returns the deleted keys.
func (c *Cache) PurgeTag(ctx context.Context, tag string) ([]string, error) {
	res, _, err := expect[*wire.CachePurgeTagReady](c.bridge.Call(ctx, &wire.CachePurgeTag{Tag: tag}, nil))
	if err != nil {
		return nil, err
	}
	return res.Keys, nil
}

func seconds(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	s := (d + time.Second - 1) / time.Second
	if s > 1<<32-1 {
		return 1<<32 - 1
	}
	return uint32(s)
}
