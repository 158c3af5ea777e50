package hostapi

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/superfly/fly.rs/internal/wire"
)

// Data is the host document store.
type Data struct {
	bridge Bridge
}

// NewData returns a data store client sending commands over b.
func NewData(b Bridge) *Data {
	return &Data{bridge: b}
}

// Collection returns a handle on the named collection.
func (d *Data) Collection(name string) *Collection {
	return &Collection{bridge: d.bridge, name: name}
}

// DropCollection deletes a collection and all of its documents.
func (d *Data) DropCollection(ctx context.Context, name string) error {
	_, err := d.bridge.Call(ctx, &wire.DataDropCollection{Collection: name}, nil)
	return err
}

// Collection stores JSON documents by key.
type Collection struct {
	bridge Bridge
	name   string
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// Put stores v, encoded as JSON, under key.
func (c *Collection) Put(ctx context.Context, key string, v any) error {
	doc, err := sonic.MarshalString(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", c.name, key, err)
	}
	return c.PutJSON(ctx, key, doc)
}

// PutJSON stores an already encoded document.
func (c *Collection) PutJSON(ctx context.Context, key, doc string) error {
	_, err := c.bridge.Call(ctx, &wire.DataPut{Collection: c.name, Key: key, JSON: doc}, nil)
	return err
}

// GetJSON returns the raw document for key. ok is false when it is absent.
func (c *Collection) GetJSON(ctx context.Context, key string) (doc string, ok bool, err error) {
	res, _, err := expect[*wire.DataGetReady](c.bridge.Call(ctx, &wire.DataGet{Collection: c.name, Key: key}, nil))
	if err != nil {
		return "", false, err
	}
	if res.JSON == "" {
		return "", false, nil
	}
	return res.JSON, true, nil
}

// Get decodes the document for key into v.
func (c *Collection) Get(ctx context.Context, key string, v any) (bool, error) {
	doc, ok, err := c.GetJSON(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := sonic.UnmarshalString(doc, v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", c.name, key, err)
	}
	return true, nil
}

// Del removes the document stored under key.
func (c *Collection) Del(ctx context.Context, key string) error {
	_, err := c.bridge.Call(ctx, &wire.DataDel{Collection: c.name, Key: key}, nil)
	return err
}

// Increment adds amount to a numeric field of the document stored at key.
func (c *Collection) Increment(ctx context.Context, key, field string, amount int64) error {
	_, err := c.bridge.Call(ctx, &wire.DataIncr{Collection: c.name, Key: key, Field: field, Amount: amount}, nil)
	return err
}
