package hostapi

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/superfly/fly.rs/internal/bridge"
	"github.com/superfly/fly.rs/internal/infrastructure/resilience"
	"github.com/superfly/fly.rs/internal/stream"
	"github.com/superfly/fly.rs/internal/wire"
)

// ErrInvalidURL is returned for fetches without an absolute http(s) URL.
var ErrInvalidURL = errors.New("fetch requires an absolute http or https url")

// Fetcher performs outbound HTTP through the host. Requests to one origin
// host share a circuit breaker.
type Fetcher struct {
	bridge    Bridge
	breakers  *resilience.Set
	chunkSize int
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithBreakers replaces the default breaker set.
func WithBreakers(s *resilience.Set) FetcherOption {
	return func(f *Fetcher) { f.breakers = s }
}

// WithChunkSize sets the size of request body chunks.
func WithChunkSize(n int) FetcherOption {
	return func(f *Fetcher) { f.chunkSize = n }
}

// NewFetcher returns an outbound HTTP client. Each host gets its own
// breaker unless WithBreakers supplies a set.
func NewFetcher(b Bridge, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{bridge: b, chunkSize: stream.DefaultChunkSize}
	for _, opt := range opts {
		opt(f)
	}
	if f.breakers == nil {
		f.breakers = resilience.NewSet(resilience.Settings{IsFailure: hostFailure})
	}
	return f
}

// hostFailure counts transport-level failures against an origin. Errors
// caused by the request itself do not trip the breaker.
func hostFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var he *bridge.HostError
	if errors.As(err, &he) {
		switch he.Kind {
		case wire.ErrInvalidInput, wire.ErrNotFound, wire.ErrPermissionDenied, wire.ErrUnsupported:
			return false
		}
	}
	return true
}

// Breakers exposes the per-host breakers.
func (f *Fetcher) Breakers() *resilience.Set {
	return f.breakers
}

// Fetch sends req to the host. A request body is streamed after the command
// and stays owned by the caller. The response body, if any, is read from
// the returned Body.
func (f *Fetcher) Fetch(ctx context.Context, req *bridge.Request) (*bridge.Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, req.URL)
	}
	method := req.Method
	if method == "" {
		method = "GET"
	}
	m, err := wire.ParseMethod(method)
	if err != nil {
		return nil, err
	}

	msg := &wire.HttpRequest{
		ID:      f.bridge.NewChannel(),
		Method:  m,
		URL:     req.URL,
		Headers: bridge.HeaderToWire(req.Header),
		HasBody: req.Body != nil,
	}

	reply, err := resilience.Execute(f.breakers.Get(u.Host), func() (*bridge.Reply, error) {
		if req.Body != nil {
			return f.bridge.CallWithBody(ctx, msg, msg.ID, stream.NewReaderSource(req.Body, f.chunkSize))
		}
		return f.bridge.Call(ctx, msg, nil)
	})
	res, reply, err := expect[*wire.FetchHttpResponse](reply, err)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}

	out := &bridge.Response{
		Status: int(res.Status),
		Header: bridge.HeaderFromWire(res.Headers),
	}
	if reply.Body != nil {
		out.Body = reply.Body
	}
	return out, nil
}
