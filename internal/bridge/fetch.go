package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/superfly/fly.rs/internal/stream"
	"github.com/superfly/fly.rs/internal/task"
	"github.com/superfly/fly.rs/internal/wire"
)

// Request is an inbound HTTP request delivered with a fetch event.
type Request struct {
	Method     string
	URL        string
	Header     http.Header
	RemoteAddr string
	// Body is nil when the request has none.
	Body io.ReadCloser
}

// Response is what a fetch handler answers with. Static, when non-empty, is
// sent inline with the response; otherwise Body, when set, is streamed.
type Response struct {
	Status int
	Header http.Header
	Static []byte
	Body   io.Reader
}

// FetchEvent is passed to a fetch handler.
type FetchEvent struct {
	Request *Request

	id        wire.ChannelID
	bridge    *Bridge
	responded atomic.Bool
}

// ID returns the event's channel id, shared by request and response bodies.
func (e *FetchEvent) ID() wire.ChannelID {
	return e.id
}

// FetchHandler handles one fetch event. It must call RespondWith exactly once.
type FetchHandler func(ev *FetchEvent)

// AddFetchListener installs h for inbound HttpRequest events and tells the
// host. Only the first registration takes effect.
func (b *Bridge) AddFetchListener(ctx context.Context, h FetchHandler) error {
	return b.addListener(ctx, wire.KindHttpRequest, wire.EventFetch, func(env *wire.Envelope, raw []byte) {
		msg := env.Msg.(*wire.HttpRequest)

		req := &Request{
			Method:     msg.Method.String(),
			URL:        msg.URL,
			Header:     HeaderFromWire(msg.Headers),
			RemoteAddr: msg.RemoteAddr,
		}
		if msg.HasBody {
			body, err := b.streams.Open(msg.ID)
			if err != nil {
				b.logger.Error("Failed to open request body", zap.Error(err))
				go b.finishFetch(msg.ID, nil, err)
				return
			}
			req.Body = body
		}

		ev := &FetchEvent{Request: req, id: msg.ID, bridge: b}
		go b.runFetch(ev, h)
	})
}

func (b *Bridge) runFetch(ev *FetchEvent, h FetchHandler) {
	defer func() {
		if v := recover(); v != nil {
			b.logger.Error("Fetch handler panicked", zap.Any("panic", v))
			ev.fail(recovered(v))
		}
	}()
	h(ev)
}

func (e *FetchEvent) fail(err error) {
	if !e.responded.CompareAndSwap(false, true) {
		e.bridge.logger.Error("Fetch handler failed after responding", zap.Error(err))
		return
	}
	go e.bridge.finishFetch(e.id, nil, err)
}

// RespondWith settles the event. v may be a *Response, a
// *task.Future[*Response], or a function returning either (optionally with
// an error). Failures of any kind produce a 500 response.
func (e *FetchEvent) RespondWith(v any) {
	if !e.responded.CompareAndSwap(false, true) {
		e.bridge.logger.Warn("Ignoring response", zap.Uint32("id", uint32(e.id)), zap.Error(ErrAlreadyReply))
		return
	}
	normalizeResponse(v).Then(func(res *Response, err error) {
		go e.bridge.finishFetch(e.id, res, err)
	})
}

func normalizeResponse(v any) (fut *task.Future[*Response]) {
	defer func() {
		if r := recover(); r != nil {
			fut = task.Rejected[*Response](recovered(r))
		}
	}()

	switch x := v.(type) {
	case *Response:
		if x == nil {
			return task.Rejected[*Response](ErrNilResponse)
		}
		return task.Resolved(x)
	case *task.Future[*Response]:
		if x == nil {
			return task.Rejected[*Response](ErrNilResponse)
		}
		return x
	case func() *Response:
		return normalizeResponse(x())
	case func() (*Response, error):
		res, err := x()
		if err != nil {
			return task.Rejected[*Response](err)
		}
		return normalizeResponse(res)
	case func() *task.Future[*Response]:
		return normalizeResponse(x())
	case nil:
		return task.Rejected[*Response](ErrNilResponse)
	default:
		return task.Rejected[*Response](fmt.Errorf("respondWith: unsupported value %T", v))
	}
}

// finishFetch sends the HttpResponse for event id and streams its body.
func (b *Bridge) finishFetch(id wire.ChannelID, res *Response, err error) {
	ctx := context.Background()
	if err != nil {
		b.metrics.RecordHandlerFailure("fetch")
		b.logger.Warn("Fetch handler failed", zap.Uint32("id", uint32(id)), zap.Error(err))
		res = &Response{
			Status: http.StatusInternalServerError,
			Static: []byte(errorBody(err)),
		}
	}

	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	msg := &wire.HttpResponse{
		ID:      id,
		Status:  uint32(status),
		Headers: HeaderToWire(res.Header),
	}

	var raw []byte
	switch {
	case len(res.Static) > 0:
		msg.HasBody, msg.Static = true, true
		raw = res.Static
	case res.Body != nil:
		msg.HasBody = true
	}

	if _, err := b.SendSync(ctx, msg, raw); err != nil {
		b.logger.Error("Failed to send response", zap.Uint32("id", uint32(id)), zap.Error(err))
		closeBody(res.Body)
		return
	}
	if !msg.HasBody || msg.Static {
		closeBody(res.Body)
		return
	}

	err = b.SendBody(ctx, id, stream.NewReaderSource(res.Body, stream.DefaultChunkSize))
	closeBody(res.Body)
	if err != nil {
		b.logger.Error("Failed to stream response body", zap.Uint32("id", uint32(id)), zap.Error(err))
	}
}

func closeBody(r io.Reader) {
	if c, ok := r.(io.Closer); ok {
		_ = c.Close()
	}
}

// HeaderFromWire converts wire headers into an http.Header.
func HeaderFromWire(hs []wire.HttpHeader) http.Header {
	h := make(http.Header, len(hs))
	for _, kv := range hs {
		h.Add(kv.Key, kv.Value)
	}
	return h
}

// HeaderToWire flattens h in key order with lower-cased names.
func HeaderToWire(h http.Header) []wire.HttpHeader {
	if len(h) == 0 {
		return nil
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]wire.HttpHeader, 0, len(h))
	for _, k := range keys {
		for _, v := range h[k] {
			out = append(out, wire.HttpHeader{Key: strings.ToLower(k), Value: v})
		}
	}
	return out
}

func (b *Bridge) addListener(ctx context.Context, kind wire.Kind, event wire.EventType, l listener) error {
	b.mu.Lock()
	if _, ok := b.listeners[kind]; ok {
		b.mu.Unlock()
		b.logger.Debug("Listener already registered", zap.Stringer("event", event))
		return nil
	}
	b.listeners[kind] = l
	b.mu.Unlock()

	if _, err := b.SendSync(ctx, &wire.AddEventListener{Event: event}, nil); err != nil {
		return fmt.Errorf("register %s listener: %w", event, err)
	}
	return nil
}
