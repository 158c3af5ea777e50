// Package devhost is an in-memory host for running isolates locally. It
// answers every host command from process memory, performs outbound fetches
// for isolates, and forwards HTTP and DNS traffic to them as events.
package devhost

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/superfly/fly.rs/internal/bridge"
	"github.com/superfly/fly.rs/internal/infrastructure/monitoring"
	"github.com/superfly/fly.rs/internal/module"
	"github.com/superfly/fly.rs/internal/transport"
	"github.com/superfly/fly.rs/internal/wire"
)

// Options configure a Host. Zero values are usable.
type Options struct {
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
	// Loader answers LoadModule commands. Without one every load is NotFound.
	Loader  module.Loader
	Fetcher *Fetcher
	// OnExit observes OsExit commands.
	OnExit func(s *Session, code int)
}

// Host owns the shared state every attached isolate sees.
type Host struct {
	logger  *zap.Logger
	metrics *monitoring.Metrics
	loader  module.Loader
	fetcher *Fetcher
	onExit  func(*Session, int)

	cache *MemoryCache
	data  *MemoryData
	maps  *module.SourceMaps

	mu       sync.Mutex
	sessions map[string]*Session
	next     int
}

// New returns a host with empty stores. Sessions are added with Attach.
func New(opts Options) *Host {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = NewFetcher(DefaultFetcherConfig())
	}
	return &Host{
		logger:   logger,
		metrics:  opts.Metrics,
		loader:   opts.Loader,
		fetcher:  fetcher,
		onExit:   opts.OnExit,
		cache:    NewMemoryCache(),
		data:     NewMemoryData(),
		maps:     module.NewSourceMaps(),
		sessions: make(map[string]*Session),
	}
}

// Cache returns the cache shared by every session.
func (h *Host) Cache() *MemoryCache {
	return h.cache
}

// Data returns the document store shared by every session.
func (h *Host) Data() *MemoryData {
	return h.data
}

// SourceMaps returns the source maps registered by isolates.
func (h *Host) SourceMaps() *module.SourceMaps {
	return h.maps
}

// Attach registers an isolate connection. The caller runs Serve on the
// returned session.
func (h *Host) Attach(conn transport.Conn) *Session {
	s := newSession(h, conn)
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	h.metrics.IncIsolates()
	h.logger.Info("Isolate attached", zap.String("session", s.id))
	return s
}

// Serve attaches conn and serves it until the isolate disconnects.
func (h *Host) Serve(ctx context.Context, conn transport.Conn) error {
	return h.Attach(conn).Serve(ctx)
}

func (h *Host) detach(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s.id]
	delete(h.sessions, s.id)
	h.mu.Unlock()
	if ok {
		h.metrics.DecIsolates()
		h.logger.Info("Isolate detached", zap.String("session", s.id))
	}
}

// Sessions returns the attached sessions ordered by id.
func (h *Host) Sessions() []*Session {
	h.mu.Lock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Pick chooses, round robin, a session listening for ev.
func (h *Host) Pick(ev wire.EventType) (*Session, error) {
	var candidates []*Session
	for _, s := range h.Sessions() {
		if s.Listening(ev) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoListener
	}
	h.mu.Lock()
	s := candidates[h.next%len(candidates)]
	h.next++
	h.mu.Unlock()
	return s, nil
}

// Fetch hands req to a listening isolate.
func (h *Host) Fetch(ctx context.Context, req *bridge.Request) (*bridge.Response, error) {
	s, err := h.Pick(wire.EventFetch)
	if err != nil {
		return nil, err
	}
	return s.Fetch(ctx, req)
}

// Resolve hands a DNS query to a listening isolate.
func (h *Host) Resolve(ctx context.Context, req *wire.DnsRequest) (*wire.DnsResponse, error) {
	s, err := h.Pick(wire.EventResolv)
	if err != nil {
		return nil, err
	}
	return s.Resolve(ctx, req)
}

// Close disconnects every isolate.
func (h *Host) Close() {
	for _, s := range h.Sessions() {
		s.Close()
	}
}
