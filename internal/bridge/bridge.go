// Package bridge implements the message bridge between an isolate and its
// host: command correlation, the pending-reply table, event listeners and
// body streams.
//
// A Bridge is the single runtime context for one isolate. All tables are
// owned by it; nothing is package-global.
package bridge

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/superfly/fly.rs/internal/infrastructure/monitoring"
	"github.com/superfly/fly.rs/internal/stream"
	"github.com/superfly/fly.rs/internal/task"
	"github.com/superfly/fly.rs/internal/transport"
	"github.com/superfly/fly.rs/internal/wire"
)

// Reply is a decoded host reply.
type Reply struct {
	Kind wire.Kind
	Msg  wire.Message
	Raw  []byte
	// Body is set when Msg announced a streamed body. It is registered
	// before the reply is delivered, so no chunk can be missed.
	Body *stream.Reader
}

// Config tunes a bridge.
type Config struct {
	// CommandTimeout bounds Call. Zero waits until the reply or Close.
	CommandTimeout time.Duration
	Metrics        *monitoring.Metrics
}

type listener func(env *wire.Envelope, raw []byte)

// Bridge correlates commands with replies and dispatches host events.
type Bridge struct {
	conn    transport.Conn
	logger  *zap.Logger
	metrics *monitoring.Metrics
	timeout time.Duration

	lastID   atomic.Uint32
	streams  *stream.Table
	channels *stream.Allocator

	mu        sync.Mutex
	shut      bool
	pending   map[wire.CommandID]*pendingCommand
	listeners map[wire.Kind]listener

	closeOnce sync.Once
	closed    chan struct{}
}

type pendingCommand struct {
	kind   wire.Kind
	future *task.Future[*Reply]
}

// New creates a bridge over conn. Call Serve to start processing frames.
func New(conn transport.Conn, logger *zap.Logger, cfg Config) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		conn:      conn,
		logger:    logger,
		metrics:   cfg.Metrics,
		timeout:   cfg.CommandTimeout,
		streams:   stream.NewTable(logger.Named("streams")),
		channels:  stream.NewAllocator(stream.IsolateBase),
		pending:   make(map[wire.CommandID]*pendingCommand),
		listeners: make(map[wire.Kind]listener),
		closed:    make(chan struct{}),
	}
}

// Serve reads frames until the connection ends or ctx is cancelled, then
// closes the bridge.
func (b *Bridge) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			b.Close()
		case <-b.closed:
		}
	}()
	defer b.Close()

	for {
		f, err := b.conn.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		b.HandleFrame(f)
	}
}

// nextID returns a fresh command id. Zero is reserved for events.
func (b *Bridge) nextID() wire.CommandID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allocID()
}

// allocID skips zero and ids still awaiting a reply, which the counter
// reaches again after wrapping. b.mu must be held.
func (b *Bridge) allocID() wire.CommandID {
	for {
		id := wire.CommandID(b.lastID.Add(1))
		if id == 0 {
			continue
		}
		if _, busy := b.pending[id]; !busy {
			return id
		}
	}
}

// NewChannel allocates an isolate-owned stream channel.
func (b *Bridge) NewChannel() wire.ChannelID {
	return b.channels.Next()
}

// Streams returns the inbound channel table.
func (b *Bridge) Streams() *stream.Table {
	return b.streams
}

// Pending returns the number of commands awaiting a reply.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Send writes an asynchronous command and returns a future for its reply.
func (b *Bridge) Send(msg wire.Message, raw []byte) (*task.Future[*Reply], error) {
	_, fut, err := b.send(msg, raw)
	return fut, err
}

func (b *Bridge) send(msg wire.Message, raw []byte) (wire.CommandID, *task.Future[*Reply], error) {
	fut := task.New[*Reply]()

	b.mu.Lock()
	if b.shut {
		b.mu.Unlock()
		return 0, nil, ErrClosed
	}
	id := b.allocID()
	b.pending[id] = &pendingCommand{kind: msg.Kind(), future: fut}
	n := len(b.pending)
	b.mu.Unlock()
	b.metrics.SetPending(n)

	env := &wire.Envelope{CommandID: id, Msg: msg}
	if err := b.conn.Send(wire.NewFrame(env, raw)); err != nil {
		b.forget(id)
		return 0, nil, err
	}
	b.metrics.RecordCommand(msg.Kind().String(), "async")
	return id, fut, nil
}

// Call sends an asynchronous command and waits for its reply, bounded by
// ctx and the configured command timeout. An abandoned command is removed
// from the pending table; its late reply is logged as orphaned.
func (b *Bridge) Call(ctx context.Context, msg wire.Message, raw []byte) (*Reply, error) {
	id, fut, err := b.send(msg, raw)
	if err != nil {
		return nil, err
	}
	return b.await(ctx, id, msg.Kind(), fut)
}

// CallWithBody is Call for commands whose body follows as chunks on ch.
// The body is streamed after the command is written, concurrently with the
// wait for the reply.
func (b *Bridge) CallWithBody(ctx context.Context, msg wire.Message, ch wire.ChannelID, src stream.Source) (*Reply, error) {
	id, fut, err := b.send(msg, nil)
	if err != nil {
		return nil, err
	}

	go func() {
		if err := b.SendBody(ctx, ch, src); err != nil {
			b.logger.Warn("Streaming command body failed",
				zap.Uint32("command_id", uint32(id)),
				zap.Uint32("channel", uint32(ch)),
				zap.Error(err),
			)
		}
	}()
	return b.await(ctx, id, msg.Kind(), fut)
}

func (b *Bridge) await(ctx context.Context, id wire.CommandID, kind wire.Kind, fut *task.Future[*Reply]) (*Reply, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	reply, err := fut.Await(ctx)
	if err != nil && ctx.Err() != nil && !fut.Settled() {
		b.forget(id)
		return nil, &TimeoutError{CommandID: id, Kind: kind, Err: err}
	}
	return reply, err
}

// SendSync writes a command and blocks for its in-band reply. A reply of
// kind None yields a nil Reply. Sync replies must not announce bodies.
func (b *Bridge) SendSync(ctx context.Context, msg wire.Message, raw []byte) (*Reply, error) {
	select {
	case <-b.closed:
		return nil, ErrClosed
	default:
	}

	id := b.nextID()
	env := &wire.Envelope{CommandID: id, Sync: true, Msg: msg}
	b.metrics.RecordCommand(msg.Kind().String(), "sync")

	f, err := b.conn.Call(ctx, id, wire.NewFrame(env, raw))
	if err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}

	res, err := f.Open()
	if err != nil {
		return nil, err
	}
	if res.Failed() {
		b.metrics.RecordHostError(res.ErrorKind.String())
		return nil, &HostError{Kind: res.ErrorKind, Message: res.ErrorMessage}
	}
	if res.Kind == wire.KindNone {
		return nil, nil
	}
	if bc, ok := res.Msg.(wire.BodyCarrier); ok {
		if ch, has := bc.BodyChannel(); has {
			b.logger.Error("Sync reply announced a body; chunks may be lost",
				zap.Stringer("kind", res.Kind),
				zap.Uint32("channel", uint32(ch)),
			)
		}
	}
	return &Reply{Kind: res.Kind, Msg: res.Msg, Raw: f.Raw}, nil
}

// Post writes a command that expects no reply.
func (b *Bridge) Post(msg wire.Message, raw []byte) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}
	b.metrics.RecordCommand(msg.Kind().String(), "post")
	return b.conn.Send(wire.NewFrame(&wire.Envelope{Msg: msg}, raw))
}

// SendChunk transmits one body chunk synchronously, so the next chunk is
// only produced once the host has taken this one.
func (b *Bridge) SendChunk(ctx context.Context, id wire.ChannelID, done bool, payload []byte) error {
	b.metrics.RecordChunk("out")
	_, err := b.SendSync(ctx, &wire.StreamChunk{ID: id, Done: done}, payload)
	return err
}

// SendBody streams src on channel id.
func (b *Bridge) SendBody(ctx context.Context, id wire.ChannelID, src stream.Source) error {
	return stream.SendBody(ctx, b, id, src)
}

func (b *Bridge) forget(id wire.CommandID) {
	b.mu.Lock()
	delete(b.pending, id)
	n := len(b.pending)
	b.mu.Unlock()
	b.metrics.SetPending(n)
}

// HandleFrame processes one inbound frame. Replies settle their pending
// command; events go to the stream table or to a listener.
func (b *Bridge) HandleFrame(f wire.Frame) {
	env, err := f.Open()
	if err != nil {
		b.logger.Warn("Dropping malformed frame", zap.Error(err))
		b.failReply(f.Envelope, err)
		return
	}

	if env.CommandID != 0 {
		b.settle(env, f.Raw)
		return
	}
	b.dispatch(env, f.Raw)
}

// failReply rejects the command an undecodable reply was meant for, so its
// caller does not wait for a timeout.
func (b *Bridge) failReply(envelope []byte, err error) {
	id, _, perr := wire.Peek(envelope)
	if perr != nil || id == 0 {
		return
	}
	p, ok := b.take(id)
	if !ok {
		b.metrics.IncOrphaned()
		return
	}
	_ = p.future.Reject(err)
}

// take removes and returns the pending command for id.
func (b *Bridge) take(id wire.CommandID) (*pendingCommand, bool) {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	n := len(b.pending)
	b.mu.Unlock()
	if ok {
		b.metrics.SetPending(n)
	}
	return p, ok
}

func (b *Bridge) settle(env *wire.Envelope, raw []byte) {
	p, ok := b.take(env.CommandID)
	if !ok {
		b.metrics.IncOrphaned()
		b.logger.Warn("Orphaned reply",
			zap.Uint32("command_id", uint32(env.CommandID)),
			zap.Stringer("kind", env.Kind),
		)
		return
	}

	if env.Failed() {
		b.metrics.RecordHostError(env.ErrorKind.String())
		_ = p.future.Reject(&HostError{Kind: env.ErrorKind, Message: env.ErrorMessage})
		return
	}

	reply := &Reply{Kind: env.Kind, Msg: env.Msg, Raw: raw}
	if bc, ok := env.Msg.(wire.BodyCarrier); ok {
		if ch, has := bc.BodyChannel(); has {
			r, err := b.streams.Open(ch)
			if err != nil {
				_ = p.future.Reject(err)
				return
			}
			reply.Body = r
		}
	}
	_ = p.future.Resolve(reply)
}

// dispatch routes a host event. Every kind is listed so adding one forces a
// decision here.
func (b *Bridge) dispatch(env *wire.Envelope, raw []byte) {
	switch env.Kind {
	case wire.KindStreamChunk:
		msg := env.Msg.(*wire.StreamChunk)
		b.metrics.RecordChunk("in")
		b.streams.Deliver(msg.ID, msg.Done, raw)

	case wire.KindHttpRequest, wire.KindDnsRequest:
		b.mu.Lock()
		l, ok := b.listeners[env.Kind]
		b.mu.Unlock()
		if !ok {
			b.logger.Warn("No listener for event", zap.Stringer("kind", env.Kind))
			return
		}
		b.metrics.RecordEvent(env.Kind.String())
		l(env, raw)

	case wire.KindNone,
		wire.KindHttpResponse,
		wire.KindFetchHttpResponse,
		wire.KindDnsResponse,
		wire.KindAddEventListener,
		wire.KindCacheGet,
		wire.KindCacheGetReady,
		wire.KindCacheSet,
		wire.KindCacheDel,
		wire.KindCacheExpire,
		wire.KindCacheSetMeta,
		wire.KindCacheSetTags,
		wire.KindCachePurgeTag,
		wire.KindCachePurgeTagReady,
		wire.KindDataPut,
		wire.KindDataGet,
		wire.KindDataGetReady,
		wire.KindDataDel,
		wire.KindDataIncr,
		wire.KindDataDropCollection,
		wire.KindCryptoDigest,
		wire.KindCryptoDigestReady,
		wire.KindCryptoRandomValues,
		wire.KindCryptoRandomValuesReady,
		wire.KindLoadModule,
		wire.KindLoadModuleResp,
		wire.KindSourceMap,
		wire.KindSourceMapReady,
		wire.KindOsExit:
		b.logger.Warn("Unhandled event kind", zap.Stringer("kind", env.Kind))

	default:
		b.logger.Error("Unknown event kind", zap.Uint32("kind", uint32(env.Kind)))
	}
}

// Done is closed once the bridge has shut down.
func (b *Bridge) Done() <-chan struct{} {
	return b.closed
}

// Close rejects every pending command, aborts open streams and closes the
// connection.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)

		b.mu.Lock()
		b.shut = true
		pending := b.pending
		b.pending = make(map[wire.CommandID]*pendingCommand)
		b.mu.Unlock()
		b.metrics.SetPending(0)

		for _, p := range pending {
			_ = p.future.Reject(ErrClosed)
		}
		b.streams.AbortAll(ErrClosed)
		err = b.conn.Close()
	})
	return err
}
