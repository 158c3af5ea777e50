package stream

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/superfly/fly.rs/internal/wire"
)

var (
	ErrChannelInUse = errors.New("stream channel already has a consumer")
	ErrAborted      = errors.New("stream aborted")
)

// Table routes inbound chunks to the single consumer of each channel.
type Table struct {
	mu      sync.Mutex
	readers map[wire.ChannelID]*Reader
	logger  *zap.Logger
}

// NewTable creates an empty channel table
func NewTable(logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{
		readers: make(map[wire.ChannelID]*Reader),
		logger:  logger,
	}
}

// Open registers the consumer for id. It must be called before the first
// chunk for id can arrive.
func (t *Table) Open(id wire.ChannelID) (*Reader, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.readers[id]; ok {
		return nil, fmt.Errorf("%w: %d", ErrChannelInUse, id)
	}
	r := newReader(id, t)
	t.readers[id] = r
	return r, nil
}

// Deliver hands one chunk to the consumer of id. The final chunk removes the
// channel, so nothing can be delivered after it. It reports whether a
// consumer was found.
func (t *Table) Deliver(id wire.ChannelID, done bool, payload []byte) bool {
	t.mu.Lock()
	r, ok := t.readers[id]
	if ok && done {
		delete(t.readers, id)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("Dropping chunk for unknown stream",
			zap.Uint32("channel", uint32(id)),
			zap.Bool("done", done),
			zap.Int("bytes", len(payload)),
		)
		return false
	}

	r.push(payload, done)
	return true
}

// Len returns the number of open channels.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.readers)
}

// AbortAll fails every open channel with err.
func (t *Table) AbortAll(err error) {
	t.mu.Lock()
	readers := t.readers
	t.readers = make(map[wire.ChannelID]*Reader)
	t.mu.Unlock()

	for _, r := range readers {
		r.abort(err)
	}
}

func (t *Table) release(r *Reader) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.readers[r.id]; ok && cur == r {
		delete(t.readers, r.id)
	}
}

// Reader is the pull side of an inbound channel.
type Reader struct {
	id    wire.ChannelID
	table *Table

	mu     sync.Mutex
	queue  [][]byte
	cur    []byte
	final  bool
	err    error
	notify chan struct{}
}

func newReader(id wire.ChannelID, t *Table) *Reader {
	return &Reader{id: id, table: t, notify: make(chan struct{}, 1)}
}

// ID returns the channel id.
func (r *Reader) ID() wire.ChannelID {
	return r.id
}

func (r *Reader) push(payload []byte, done bool) {
	r.mu.Lock()
	if r.err == nil {
		if len(payload) > 0 {
			r.queue = append(r.queue, payload)
		}
		if done {
			r.final = true
		}
	}
	r.mu.Unlock()
	r.wake()
}

func (r *Reader) abort(err error) {
	r.mu.Lock()
	if r.err == nil && !r.final {
		r.err = fmt.Errorf("%w: %v", ErrAborted, err)
	}
	r.mu.Unlock()
	r.wake()
}

func (r *Reader) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Read blocks until a chunk is available, the final chunk has been
// consumed (io.EOF) or the channel is aborted.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		r.mu.Lock()
		if len(r.cur) == 0 && len(r.queue) > 0 {
			r.cur, r.queue = r.queue[0], r.queue[1:]
		}
		if len(r.cur) > 0 {
			n := copy(p, r.cur)
			r.cur = r.cur[n:]
			r.mu.Unlock()
			return n, nil
		}
		if r.err != nil {
			err := r.err
			r.mu.Unlock()
			return 0, err
		}
		if r.final {
			r.mu.Unlock()
			return 0, io.EOF
		}
		r.mu.Unlock()
		<-r.notify
	}
}

// Close abandons the channel; later chunks for it are dropped.
func (r *Reader) Close() error {
	r.mu.Lock()
	if r.err == nil && !r.final {
		r.err = io.ErrClosedPipe
	}
	r.queue, r.cur = nil, nil
	r.mu.Unlock()
	r.table.release(r)
	r.wake()
	return nil
}
