package devhost

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superfly/fly.rs/internal/bridge"
	"github.com/superfly/fly.rs/internal/hostapi"
	"github.com/superfly/fly.rs/internal/infrastructure/monitoring"
	"github.com/superfly/fly.rs/internal/module"
	"github.com/superfly/fly.rs/internal/transport"
	"github.com/superfly/fly.rs/internal/wire"
)

// attach connects a bridge to h over an in-memory pipe.
func attach(t *testing.T, h *Host) (*bridge.Bridge, *Session) {
	t.Helper()
	isolate, host := transport.Pipe(nil)
	s := h.Attach(host)
	b := bridge.New(isolate, nil, bridge.Config{CommandTimeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Serve(ctx) }()
	go func() { _ = b.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		_ = b.Close()
		_ = s.Close()
	})
	return b, s
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCacheSetThenGet(t *testing.T) {
	h := New(Options{})
	b, _ := attach(t, h)
	cache := hostapi.NewCache(b)
	ctx := testContext(t)

	require.NoError(t, cache.Set(ctx, "k", []byte("v"), hostapi.SetOptions{}))

	got, ok, err := cache.GetString(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", got)

	stored, _, ok := h.Cache().Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", string(stored))
}

func TestCacheCommands(t *testing.T) {
	h := New(Options{})
	b, _ := attach(t, h)
	cache := hostapi.NewCache(b)
	ctx := testContext(t)

	_, ok, err := cache.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	big := strings.Repeat("x", 100_000)
	require.NoError(t, cache.Set(ctx, "big", []byte(big), hostapi.SetOptions{
		TTL:  time.Minute,
		Tags: []string{"t1"},
		Meta: `{"a":1}`,
	}))
	entry, err := cache.GetStream(ctx, "big")
	require.NoError(t, err)
	require.NotNil(t, entry)
	body, err := io.ReadAll(entry.Body)
	require.NoError(t, err)
	assert.Equal(t, big, string(body))
	assert.Equal(t, `{"a":1}`, entry.Meta)

	require.NoError(t, cache.Set(ctx, "big", []byte("other"), hostapi.SetOptions{OnlyIfEmpty: true}))
	got, _, err := cache.GetString(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, big, got)

	require.NoError(t, cache.SetMeta(ctx, "big", "m"))
	require.NoError(t, cache.Expire(ctx, "big", time.Hour))
	require.NoError(t, cache.Set(ctx, "small", []byte("s"), hostapi.SetOptions{}))
	require.NoError(t, cache.SetTags(ctx, "small", []string{"t1"}))

	keys, err := cache.PurgeTag(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"big", "small"}, keys)

	err = cache.Del(ctx, "big")
	assert.True(t, bridge.IsNotFound(err), "deleting a purged key: %v", err)
	assert.True(t, bridge.IsNotFound(cache.SetMeta(ctx, "big", "m")))
}

func TestDataCommands(t *testing.T) {
	h := New(Options{})
	b, _ := attach(t, h)
	users := hostapi.NewData(b).Collection("users")
	ctx := testContext(t)

	type user struct {
		Name   string `json:"name"`
		Visits int    `json:"visits"`
	}

	require.NoError(t, users.Put(ctx, "1", user{Name: "ann", Visits: 1}))
	require.NoError(t, users.Increment(ctx, "1", "visits", 4))

	var u user
	ok, err := users.Get(ctx, "1", &u)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, user{Name: "ann", Visits: 5}, u)

	err = users.PutJSON(ctx, "2", "{broken")
	var he *bridge.HostError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, wire.ErrInvalidInput, he.Kind)

	require.NoError(t, users.Del(ctx, "1"))
	ok, err = users.Get(ctx, "1", &u)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, users.Put(ctx, "3", map[string]int{"n": 1}))
	require.NoError(t, hostapi.NewData(b).DropCollection(ctx, "users"))
	_, ok, err = users.GetJSON(ctx, "3")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCryptoCommands(t *testing.T) {
	h := New(Options{})
	b, _ := attach(t, h)
	c := hostapi.NewCrypto(b)
	ctx := testContext(t)

	sum, err := c.Digest(ctx, "SHA-256", []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", hex.EncodeToString(sum))

	_, err = c.Digest(ctx, "MD5", []byte("abc"))
	var he *bridge.HostError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, wire.ErrUnsupported, he.Kind)

	buf, err := c.RandomValues(ctx, 32)
	require.NoError(t, err)
	assert.Len(t, buf, 32)

	_, err = c.RandomValues(ctx, hostapi.MaxRandomValues+1)
	assert.ErrorIs(t, err, hostapi.ErrQuotaExceeded)
}

func TestLoadModule(t *testing.T) {
	fsys := fstest.MapFS{
		"lib/util.js":     {Data: []byte(`define([], function () { return 1; });`)},
		"lib/util.js.map": {Data: []byte(`{"version":3,"sources":["util.ts"],"names":[],"mappings":"AAAA"}`)},
	}
	h := New(Options{Loader: module.NewFSLoader(fsys, "file:///")})
	b, _ := attach(t, h)
	loader := hostapi.NewModuleLoader(b)
	ctx := testContext(t)

	src, err := loader.Load(ctx, "./util", "file:///lib/main.js")
	require.NoError(t, err)
	assert.Equal(t, "file:///lib/util.js", src.OriginURL)
	assert.Contains(t, src.Code, "define")
	assert.True(t, h.SourceMaps().Has("file:///lib/util.js"))

	_, err = loader.Load(ctx, "./nope", "file:///lib/main.js")
	assert.ErrorIs(t, err, module.ErrNotFound)
}

func TestSourceMapCommand(t *testing.T) {
	res := api.Transform("const x: number = 1;\nthrow new Error('boom');\n", api.TransformOptions{
		Loader:     api.LoaderTS,
		Sourcefile: "file:///app.ts",
		Sourcemap:  api.SourceMapExternal,
	})
	require.Empty(t, res.Errors)

	h := New(Options{})
	require.NoError(t, h.SourceMaps().Register("file:///app.ts", res.Map))
	b, _ := attach(t, h)
	ctx := testContext(t)

	frames, err := hostapi.NewSourceMaps(b).Symbolicate(ctx, []wire.StackFrame{
		{Filename: "file:///app.ts", Line: 2, Col: 1},
		{Filename: "file:///unknown.js", Name: "f", Line: 7, Col: 3},
	})
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Contains(t, frames[0].Filename, "app.ts")
	assert.Equal(t, uint32(2), frames[0].Line)
	assert.Equal(t, wire.StackFrame{Filename: "file:///unknown.js", Name: "f", Line: 7, Col: 3}, frames[1])
}

func TestOsExit(t *testing.T) {
	exited := make(chan int, 1)
	h := New(Options{OnExit: func(_ *Session, code int) { exited <- code }})
	b, s := attach(t, h)

	require.NoError(t, hostapi.NewOS(b).Exit(testContext(t), 3))
	select {
	case code := <-exited:
		assert.Equal(t, 3, code)
	case <-time.After(5 * time.Second):
		t.Fatal("exit not observed")
	}

	code, ok := s.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 3, code)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session not closed after exit")
	}
	assert.Empty(t, h.Sessions())
}

func TestHostFetchEvent(t *testing.T) {
	h := New(Options{})
	b, _ := attach(t, h)
	ctx := testContext(t)

	_, err := h.Fetch(ctx, &bridge.Request{Method: "GET", URL: "http://app.test/"})
	require.ErrorIs(t, err, ErrNoListener)

	require.NoError(t, b.AddFetchListener(ctx, func(ev *bridge.FetchEvent) {
		switch ev.Request.URL {
		case "http://app.test/static":
			ev.RespondWith(&bridge.Response{Status: http.StatusOK, Static: []byte("hi")})
		case "http://app.test/panic":
			panic("kaboom")
		default:
			body, _ := io.ReadAll(ev.Request.Body)
			ev.RespondWith(&bridge.Response{
				Status: http.StatusCreated,
				Header: http.Header{"Foo": {"bar"}},
				Body:   strings.NewReader(ev.Request.Method + ":" + string(body)),
			})
		}
	}))

	res, err := h.Fetch(ctx, &bridge.Request{
		Method: "POST",
		URL:    "http://app.test/echo",
		Body:   io.NopCloser(strings.NewReader("ping")),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, res.Status)
	assert.Equal(t, "bar", res.Header.Get("foo"))
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "POST:ping", string(body))

	res, err = h.Fetch(ctx, &bridge.Request{Method: "GET", URL: "http://app.test/static"})
	require.NoError(t, err)
	assert.Equal(t, "hi", string(res.Static))
	assert.Nil(t, res.Body)

	res, err = h.Fetch(ctx, &bridge.Request{Method: "GET", URL: "http://app.test/panic"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, res.Status)
	assert.Contains(t, string(res.Static), "kaboom")
}

func TestHostResolveEvent(t *testing.T) {
	h := New(Options{})
	b, _ := attach(t, h)
	ctx := testContext(t)

	require.NoError(t, b.AddResolveListener(ctx, func(_ context.Context, req *wire.DnsRequest) (*wire.DnsResponse, error) {
		if req.Queries[0].Name == "fail.test." {
			return nil, errors.New("no zone")
		}
		return &wire.DnsResponse{Authoritative: true}, nil
	}))

	res, err := h.Resolve(ctx, &wire.DnsRequest{ID: 7, Queries: []wire.DnsQuery{{Name: "ok.test."}}})
	require.NoError(t, err)
	assert.Equal(t, uint32(7), res.ID)
	assert.Equal(t, wire.DnsNoError, res.ResponseCode)
	assert.True(t, res.Authoritative)

	res, err = h.Resolve(ctx, &wire.DnsRequest{ID: 8, Queries: []wire.DnsQuery{{Name: "fail.test."}}})
	require.NoError(t, err)
	assert.Equal(t, wire.DnsServFail, res.ResponseCode)
}

func TestHostResolveConcurrentSameID(t *testing.T) {
	h := New(Options{})
	b, _ := attach(t, h)
	ctx := testContext(t)

	release := make(chan struct{})
	var arrived sync.WaitGroup
	arrived.Add(2)
	require.NoError(t, b.AddResolveListener(ctx, func(_ context.Context, req *wire.DnsRequest) (*wire.DnsResponse, error) {
		arrived.Done()
		<-release
		name := req.Queries[0].Name
		return &wire.DnsResponse{Answers: []wire.DnsRecord{{Name: name, Type: wire.DnsA, TTL: 1}}}, nil
	}))

	names := []string{"one.test.", "two.test."}
	results := make([]*wire.DnsResponse, len(names))
	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = h.Resolve(ctx, &wire.DnsRequest{ID: 42, Queries: []wire.DnsQuery{{Name: name}}})
		}()
	}
	// Both queries are in flight before either answers.
	arrived.Wait()
	close(release)
	wg.Wait()

	for i, name := range names {
		require.NoError(t, errs[i], name)
		assert.Equal(t, uint32(42), results[i].ID)
		require.Len(t, results[i].Answers, 1)
		assert.Equal(t, name, results[i].Answers[0].Name)
	}
}

func TestOutboundFetch(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Seen", r.Header.Get("X-Test"))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(r.Method + " " + r.URL.Path + " " + string(body)))
	}))
	defer upstream.Close()

	h := New(Options{})
	b, _ := attach(t, h)
	fetcher := hostapi.NewFetcher(b)
	ctx := testContext(t)

	res, err := fetcher.Fetch(ctx, &bridge.Request{
		Method: "PUT",
		URL:    upstream.URL + "/things",
		Header: http.Header{"X-Test": {"yes"}},
		Body:   io.NopCloser(strings.NewReader("payload")),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, res.Status)
	assert.Equal(t, "yes", res.Header.Get("x-seen"))
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "PUT /things payload", string(body))
}

func TestHTTPFrontEnd(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	h := New(Options{Metrics: metrics})
	srv := httptest.NewServer(h.Handler(ServerConfig{CORS: DefaultCORSConfig(), Gatherer: reg}))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/hello")
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)

	b, _ := attach(t, h)
	require.NoError(t, b.AddFetchListener(testContext(t), func(ev *bridge.FetchEvent) {
		ev.RespondWith(&bridge.Response{
			Status: http.StatusOK,
			Header: http.Header{"Foo": {"bar"}},
			Body:   strings.NewReader("from " + ev.Request.URL),
		})
	}))

	res, err = http.Get(srv.URL + "/hello?x=1")
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "bar", res.Header.Get("Foo"))
	assert.NotEmpty(t, res.Header.Get(RequestIDHeader))
	assert.Equal(t, "from "+srv.URL+"/hello?x=1", string(body))

	health, err := http.Get(srv.URL + PathHealth)
	require.NoError(t, err)
	defer health.Body.Close()
	raw, _ := io.ReadAll(health.Body)
	assert.JSONEq(t, `{"status":"ok","isolates":1}`, string(raw))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.IsolatesActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues(monitoring.RouteProxy, "GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues(PathHealth, "GET", "200")))
}

func TestWebSocketIsolate(t *testing.T) {
	h := New(Options{})
	srv := httptest.NewServer(h.Handler(ServerConfig{CORS: DefaultCORSConfig()}))
	defer srv.Close()

	ctx := testContext(t)
	conn, err := transport.DialWebSocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+PathConnect, nil, nil)
	require.NoError(t, err)
	b := bridge.New(conn, nil, bridge.Config{})
	go func() { _ = b.Serve(ctx) }()
	defer b.Close()

	cache := hostapi.NewCache(b)
	require.NoError(t, cache.Set(ctx, "ws", []byte("over websocket"), hostapi.SetOptions{}))
	got, ok, err := cache.GetString(ctx, "ws")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "over websocket", got)
	assert.Len(t, h.Sessions(), 1)
}
