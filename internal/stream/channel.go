// Package stream carries chunked bodies over the bridge. Each body is keyed
// by a wire.ChannelID that is allocated separately from command ids.
package stream

import (
	"sync/atomic"

	"github.com/superfly/fly.rs/internal/wire"
)

// IsolateBase is the first channel id the isolate allocates. Ids below it
// belong to the host, so either side can open channels without colliding.
const IsolateBase wire.ChannelID = 1 << 31

// IsolateOwned reports whether id was allocated on the isolate side.
func IsolateOwned(id wire.ChannelID) bool {
	return id >= IsolateBase
}

// Allocator hands out monotonically increasing channel ids.
type Allocator struct {
	next atomic.Uint32
}

// NewAllocator returns an allocator whose first id is base.
func NewAllocator(base wire.ChannelID) *Allocator {
	a := &Allocator{}
	a.next.Store(uint32(base))
	return a
}

// Next returns a fresh id.
func (a *Allocator) Next() wire.ChannelID {
	return wire.ChannelID(a.next.Add(1) - 1)
}
