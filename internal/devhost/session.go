package devhost

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/superfly/fly.rs/internal/bridge"
	"github.com/superfly/fly.rs/internal/module"
	"github.com/superfly/fly.rs/internal/stream"
	"github.com/superfly/fly.rs/internal/task"
	"github.com/superfly/fly.rs/internal/transport"
	"github.com/superfly/fly.rs/internal/wire"
)

var (
	ErrSessionClosed = errors.New("isolate session closed")
	ErrNoListener    = errors.New("isolate has no listener for event")
)

// Session is the host end of one isolate connection.
type Session struct {
	id       string
	host     *Host
	conn     transport.Conn
	logger   *zap.Logger
	streams  *stream.Table
	channels *stream.Allocator

	mu        sync.Mutex
	listening map[wire.EventType]bool
	responses map[wire.ChannelID]*task.Future[*bridge.Response]
	lookups   map[uint32]*task.Future[*wire.DnsResponse]
	lookupID  uint32
	exitCode  *int

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(h *Host, conn transport.Conn) *Session {
	id := uuid.NewString()
	logger := h.logger.With(zap.String("session", id))
	return &Session{
		id:        id,
		host:      h,
		conn:      conn,
		logger:    logger,
		streams:   stream.NewTable(logger.Named("streams")),
		channels:  stream.NewAllocator(1),
		listening: make(map[wire.EventType]bool),
		responses: make(map[wire.ChannelID]*task.Future[*bridge.Response]),
		lookups:   make(map[uint32]*task.Future[*wire.DnsResponse]),
		done:      make(chan struct{}),
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string {
	return s.id
}

// Listening reports whether the isolate registered a listener for ev.
func (s *Session) Listening(ev wire.EventType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening[ev]
}

// ExitCode returns the code passed to OsExit, if the isolate exited.
func (s *Session) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitCode == nil {
		return 0, false
	}
	return *s.exitCode, true
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Serve processes frames from the isolate until the connection ends.
func (s *Session) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	defer s.Close()

	for {
		f, err := s.conn.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		env, err := f.Open()
		if err != nil {
			s.logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}
		s.handle(ctx, env, f.Raw)
	}
}

// handle routes one frame. Anything that registers a stream or settles an
// event runs inline so later chunks find their consumer; everything else
// runs on its own goroutine.
func (s *Session) handle(ctx context.Context, env *wire.Envelope, raw []byte) {
	switch env.Kind {
	case wire.KindStreamChunk:
		msg := env.Msg.(*wire.StreamChunk)
		s.streams.Deliver(msg.ID, msg.Done, raw)
		s.reply(env, nil, nil)

	case wire.KindAddEventListener:
		msg := env.Msg.(*wire.AddEventListener)
		s.mu.Lock()
		s.listening[msg.Event] = true
		s.mu.Unlock()
		s.logger.Info("Isolate listening", zap.Stringer("event", msg.Event))
		s.reply(env, nil, nil)

	case wire.KindHttpResponse:
		s.settleResponse(env.Msg.(*wire.HttpResponse), raw)
		s.reply(env, nil, nil)

	case wire.KindDnsResponse:
		s.settleLookup(env.Msg.(*wire.DnsResponse))

	case wire.KindHttpRequest:
		msg := env.Msg.(*wire.HttpRequest)
		body, err := s.openBody(msg)
		if err != nil {
			s.fail(env, err)
			return
		}
		go s.fetch(ctx, env, msg, body)

	case wire.KindCacheSet:
		msg := env.Msg.(*wire.CacheSet)
		body, err := s.streams.Open(msg.ID)
		if err != nil {
			s.fail(env, err)
			return
		}
		go s.cacheSet(env, msg, body)

	case wire.KindCacheGet:
		go s.cacheGet(ctx, env, env.Msg.(*wire.CacheGet))

	case wire.KindCacheDel,
		wire.KindCacheExpire,
		wire.KindCacheSetMeta,
		wire.KindCacheSetTags,
		wire.KindCachePurgeTag,
		wire.KindDataPut,
		wire.KindDataGet,
		wire.KindDataDel,
		wire.KindDataIncr,
		wire.KindDataDropCollection,
		wire.KindCryptoDigest,
		wire.KindCryptoRandomValues,
		wire.KindLoadModule,
		wire.KindSourceMap:
		go func() {
			msg, out, err := s.command(ctx, env, raw)
			if err != nil {
				s.fail(env, err)
				return
			}
			s.reply(env, msg, out)
		}()

	case wire.KindOsExit:
		code := int(env.Msg.(*wire.OsExit).Code)
		s.mu.Lock()
		s.exitCode = &code
		s.mu.Unlock()
		s.logger.Info("Isolate exited", zap.Int("code", code))
		s.reply(env, nil, nil)
		if s.host.onExit != nil {
			s.host.onExit(s, code)
		}
		go s.Close()

	case wire.KindNone,
		wire.KindFetchHttpResponse,
		wire.KindDnsRequest,
		wire.KindCacheGetReady,
		wire.KindCachePurgeTagReady,
		wire.KindDataGetReady,
		wire.KindCryptoDigestReady,
		wire.KindCryptoRandomValuesReady,
		wire.KindLoadModuleResp,
		wire.KindSourceMapReady:
		s.logger.Warn("Unexpected message from isolate", zap.Stringer("kind", env.Kind))
		s.fail(env, invalidInput("unexpected %s", env.Kind))

	default:
		s.logger.Error("Unknown message kind", zap.Uint32("kind", uint32(env.Kind)))
		s.fail(env, &commandError{kind: wire.ErrUnsupported, msg: "unknown kind"})
	}
}

// command executes a request/reply command against host state.
func (s *Session) command(ctx context.Context, env *wire.Envelope, raw []byte) (wire.Message, []byte, error) {
	h := s.host
	switch msg := env.Msg.(type) {
	case *wire.CacheDel:
		if !h.cache.Del(msg.Key) {
			return nil, nil, notFound("cache key %q", msg.Key)
		}
	case *wire.CacheExpire:
		if !h.cache.Expire(msg.Key, msg.TTL) {
			return nil, nil, notFound("cache key %q", msg.Key)
		}
	case *wire.CacheSetMeta:
		if !h.cache.SetMeta(msg.Key, msg.Meta) {
			return nil, nil, notFound("cache key %q", msg.Key)
		}
	case *wire.CacheSetTags:
		if !h.cache.SetTags(msg.Key, msg.Tags) {
			return nil, nil, notFound("cache key %q", msg.Key)
		}
	case *wire.CachePurgeTag:
		return &wire.CachePurgeTagReady{Keys: h.cache.PurgeTag(msg.Tag)}, nil, nil

	case *wire.DataPut:
		return nil, nil, h.data.Put(msg.Collection, msg.Key, msg.JSON)
	case *wire.DataGet:
		doc, _ := h.data.Get(msg.Collection, msg.Key)
		return &wire.DataGetReady{JSON: doc}, nil, nil
	case *wire.DataDel:
		h.data.Del(msg.Collection, msg.Key)
	case *wire.DataIncr:
		return nil, nil, h.data.Incr(msg.Collection, msg.Key, msg.Field, msg.Amount)
	case *wire.DataDropCollection:
		h.data.DropCollection(msg.Collection)

	case *wire.CryptoDigest:
		sum, err := Digest(msg.Algo, raw)
		if err != nil {
			return nil, nil, err
		}
		return &wire.CryptoDigestReady{Buffer: sum}, nil, nil
	case *wire.CryptoRandomValues:
		buf := make([]byte, msg.Len)
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, err
		}
		return &wire.CryptoRandomValuesReady{Buffer: buf}, nil, nil

	case *wire.LoadModule:
		return s.loadModule(ctx, msg)
	case *wire.SourceMap:
		return &wire.SourceMapReady{Frames: h.maps.Symbolicate(msg.Frames)}, nil, nil

	default:
		return nil, nil, &commandError{kind: wire.ErrUnsupported, msg: env.Kind.String()}
	}
	return nil, nil, nil
}

func (s *Session) loadModule(ctx context.Context, msg *wire.LoadModule) (wire.Message, []byte, error) {
	if s.host.loader == nil {
		return nil, nil, notFound("no module loader configured")
	}
	src, err := s.host.loader.Load(ctx, msg.SpecifierURL, msg.RefererOriginURL)
	if err != nil {
		if errors.Is(err, module.ErrNotFound) {
			return nil, nil, notFound("%v", err)
		}
		return nil, nil, err
	}
	if src.SourceMap != "" {
		if err := s.host.maps.Register(src.OriginURL, []byte(src.SourceMap)); err != nil {
			s.logger.Warn("Ignoring unparsable source map", zap.String("origin_url", src.OriginURL), zap.Error(err))
		}
	}
	return &wire.LoadModuleResp{
		OriginURL:  src.OriginURL,
		SourceCode: src.Code,
		SourceMap:  src.SourceMap,
	}, nil, nil
}

func (s *Session) openBody(msg *wire.HttpRequest) (io.ReadCloser, error) {
	if !msg.HasBody {
		return nil, nil
	}
	return s.streams.Open(msg.ID)
}

// fetch performs an outbound request for the isolate and streams the
// response body back on a host channel.
func (s *Session) fetch(ctx context.Context, env *wire.Envelope, msg *wire.HttpRequest, body io.ReadCloser) {
	var r io.Reader
	if body != nil {
		defer body.Close()
		r = body
	}
	res, err := s.host.fetcher.Do(ctx, msg.Method.String(), msg.URL, bridge.HeaderFromWire(msg.Headers), r)
	if err != nil {
		s.fail(env, err)
		return
	}
	defer res.Body.Close()

	ch := s.channels.Next()
	s.reply(env, &wire.FetchHttpResponse{
		ID:      ch,
		Status:  uint32(res.StatusCode),
		Headers: bridge.HeaderToWire(res.Header),
		HasBody: true,
	}, nil)
	if err := stream.SendBody(ctx, s, ch, stream.NewReaderSource(res.Body, stream.DefaultChunkSize)); err != nil {
		s.logger.Warn("Streaming fetch response failed", zap.String("url", msg.URL), zap.Error(err))
	}
}

func (s *Session) cacheGet(ctx context.Context, env *wire.Envelope, msg *wire.CacheGet) {
	value, meta, ok := s.host.cache.Get(msg.Key)
	if !ok {
		s.reply(env, &wire.CacheGetReady{}, nil)
		return
	}
	ch := s.channels.Next()
	s.reply(env, &wire.CacheGetReady{ID: ch, Stream: true, Meta: meta}, nil)
	if err := stream.SendBody(ctx, s, ch, stream.BytesSource(value)); err != nil {
		s.logger.Warn("Streaming cache value failed", zap.String("key", msg.Key), zap.Error(err))
	}
}

func (s *Session) cacheSet(env *wire.Envelope, msg *wire.CacheSet, body io.ReadCloser) {
	defer body.Close()
	value, err := io.ReadAll(body)
	if err != nil {
		s.fail(env, err)
		return
	}
	s.host.cache.Set(msg.Key, value, msg.TTL, msg.Tags, msg.Meta, msg.OnlyIfEmpty)
	s.reply(env, nil, nil)
}

// SendChunk writes a body chunk as a host event. It satisfies
// stream.ChunkSender.
func (s *Session) SendChunk(_ context.Context, id wire.ChannelID, done bool, payload []byte) error {
	return s.event(&wire.StreamChunk{ID: id, Done: done}, payload)
}

func (s *Session) event(msg wire.Message, raw []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	return s.conn.Send(wire.NewFrame(&wire.Envelope{Msg: msg}, raw))
}

func (s *Session) reply(env *wire.Envelope, msg wire.Message, raw []byte) {
	if env.CommandID == 0 {
		return
	}
	s.host.metrics.RecordHostCommand(env.Kind.String(), "ok")
	out := &wire.Envelope{CommandID: env.CommandID, Sync: env.Sync, Msg: msg}
	if err := s.conn.Send(wire.NewFrame(out, raw)); err != nil {
		s.logger.Debug("Reply not delivered", zap.Stringer("kind", env.Kind), zap.Error(err))
	}
}

func (s *Session) fail(env *wire.Envelope, err error) {
	kind := errorKind(err)
	s.host.metrics.RecordHostCommand(env.Kind.String(), kind.String())
	s.logger.Debug("Command failed", zap.Stringer("kind", env.Kind), zap.Error(err))
	if env.CommandID == 0 {
		return
	}
	out := &wire.Envelope{
		CommandID:    env.CommandID,
		Sync:         env.Sync,
		ErrorKind:    kind,
		ErrorMessage: err.Error(),
	}
	if err := s.conn.Send(wire.NewFrame(out, nil)); err != nil {
		s.logger.Debug("Error reply not delivered", zap.Stringer("kind", env.Kind), zap.Error(err))
	}
}

// Fetch delivers req to the isolate as a fetch event and waits for its
// response. A streamed response body is read from the returned Body.
func (s *Session) Fetch(ctx context.Context, req *bridge.Request) (*bridge.Response, error) {
	if !s.Listening(wire.EventFetch) {
		return nil, ErrNoListener
	}
	method, err := wire.ParseMethod(req.Method)
	if err != nil {
		return nil, invalidInput("%v", err)
	}

	ch := s.channels.Next()
	fut := task.New[*bridge.Response]()
	s.mu.Lock()
	s.responses[ch] = fut
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.responses, ch)
		s.mu.Unlock()
	}()

	msg := &wire.HttpRequest{
		ID:         ch,
		Method:     method,
		URL:        req.URL,
		Headers:    bridge.HeaderToWire(req.Header),
		HasBody:    req.Body != nil,
		RemoteAddr: req.RemoteAddr,
	}
	if err := s.event(msg, nil); err != nil {
		return nil, err
	}
	if req.Body != nil {
		go func() {
			if err := stream.SendBody(ctx, s, ch, stream.NewReaderSource(req.Body, stream.DefaultChunkSize)); err != nil {
				s.logger.Debug("Streaming request body failed", zap.Error(err))
			}
		}()
	}

	select {
	case <-fut.Done():
	case <-s.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return fut.Await(ctx)
}

func (s *Session) settleResponse(msg *wire.HttpResponse, raw []byte) {
	s.mu.Lock()
	fut, ok := s.responses[msg.ID]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("Response for unknown request", zap.Uint32("channel", uint32(msg.ID)))
		return
	}

	res := &bridge.Response{
		Status: int(msg.Status),
		Header: bridge.HeaderFromWire(msg.Headers),
	}
	switch {
	case msg.Static:
		res.Static = append([]byte{}, raw...)
	case msg.HasBody:
		body, err := s.streams.Open(msg.ID)
		if err != nil {
			_ = fut.Reject(err)
			return
		}
		res.Body = body
	}
	_ = fut.Resolve(res)
}

// Resolve delivers a DNS request to the isolate and waits for the answer.
func (s *Session) Resolve(ctx context.Context, req *wire.DnsRequest) (*wire.DnsResponse, error) {
	if !s.Listening(wire.EventResolv) {
		return nil, ErrNoListener
	}

	// Queries travel under a session id so callers may reuse DNS ids.
	fut := task.New[*wire.DnsResponse]()
	s.mu.Lock()
	id := s.allocLookup()
	s.lookups[id] = fut
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.lookups, id)
		s.mu.Unlock()
	}()

	out := *req
	out.ID = id
	if err := s.event(&out, nil); err != nil {
		return nil, err
	}
	select {
	case <-fut.Done():
	case <-s.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	res, err := fut.Await(ctx)
	if err != nil {
		return nil, err
	}
	answer := *res
	answer.ID = req.ID
	return &answer, nil
}

// allocLookup returns an id no outstanding lookup uses. s.mu must be held.
func (s *Session) allocLookup() uint32 {
	for {
		s.lookupID++
		if _, busy := s.lookups[s.lookupID]; s.lookupID != 0 && !busy {
			return s.lookupID
		}
	}
}

func (s *Session) settleLookup(msg *wire.DnsResponse) {
	s.mu.Lock()
	fut, ok := s.lookups[msg.ID]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("DNS response for unknown query", zap.Uint32("dns_id", msg.ID))
		return
	}
	_ = fut.Resolve(msg)
}

// Close ends the session and fails outstanding events.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.host.detach(s)
		close(s.done)
		s.streams.AbortAll(ErrSessionClosed)
		err = s.conn.Close()
	})
	return err
}
