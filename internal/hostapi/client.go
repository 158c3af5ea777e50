// Package hostapi wraps host commands in typed Go clients. Each client turns
// one capability (fetch, cache, data, crypto, os, source maps, module
// loading) into request/reply exchanges over the bridge.
package hostapi

import (
	"context"
	"fmt"

	"github.com/superfly/fly.rs/internal/bridge"
	"github.com/superfly/fly.rs/internal/stream"
	"github.com/superfly/fly.rs/internal/wire"
)

// Bridge is the subset of *bridge.Bridge the clients need.
type Bridge interface {
	Call(ctx context.Context, msg wire.Message, raw []byte) (*bridge.Reply, error)
	CallWithBody(ctx context.Context, msg wire.Message, ch wire.ChannelID, src stream.Source) (*bridge.Reply, error)
	SendSync(ctx context.Context, msg wire.Message, raw []byte) (*bridge.Reply, error)
	NewChannel() wire.ChannelID
}

// expect unwraps a reply of type T.
func expect[T wire.Message](reply *bridge.Reply, err error) (T, *bridge.Reply, error) {
	var zero T
	if err != nil {
		return zero, nil, err
	}
	if reply == nil {
		return zero, nil, bridge.ErrNoReply
	}
	msg, ok := reply.Msg.(T)
	if !ok {
		return zero, nil, fmt.Errorf("%w: got %s, want %s", bridge.ErrUnexpected, reply.Kind, zero.Kind())
	}
	return msg, reply, nil
}

// Client bundles every host API over one bridge.
type Client struct {
	Fetch      *Fetcher
	Cache      *Cache
	Data       *Data
	Crypto     *Crypto
	OS         *OS
	SourceMaps *SourceMaps
	Modules    *ModuleLoader
}

// NewClient builds all clients over b.
func NewClient(b Bridge, opts ...FetcherOption) *Client {
	return &Client{
		Fetch:      NewFetcher(b, opts...),
		Cache:      NewCache(b),
		Data:       NewData(b),
		Crypto:     NewCrypto(b),
		OS:         NewOS(b),
		SourceMaps: NewSourceMaps(b),
		Modules:    NewModuleLoader(b),
	}
}
