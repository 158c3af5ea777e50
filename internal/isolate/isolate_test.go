package isolate

import (
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/superfly/fly.rs/internal/bridge"
	"github.com/superfly/fly.rs/internal/devhost"
	"github.com/superfly/fly.rs/internal/module"
	"github.com/superfly/fly.rs/internal/transport"
	"github.com/superfly/fly.rs/internal/wire"
)

type harness struct {
	iso  *Isolate
	host *devhost.Host
	logs *observer.ObservedLogs
}

// start runs entry.js from files in an isolate attached to a development
// host over an in-memory pipe.
func start(t *testing.T, files fstest.MapFS) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)

	h := devhost.New(devhost.Options{Loader: module.NewFSLoader(files, "")})
	isoConn, hostConn := transport.Pipe(nil)
	s := h.Attach(hostConn)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Serve(ctx) }()

	iso, err := New(isoConn, Options{Logger: zap.New(core), CommandTimeout: 5 * time.Second})
	require.NoError(t, err)
	iso.Start()

	t.Cleanup(func() {
		cancel()
		_ = iso.Close()
		_ = s.Close()
	})
	return &harness{iso: iso, host: h, logs: logs}
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	require.NoError(t, h.iso.Run(testContext(t), "./entry"))
}

func (h *harness) get(t *testing.T, url string) *bridge.Response {
	t.Helper()
	res, err := h.host.Fetch(testContext(t), &bridge.Request{Method: "GET", URL: url})
	require.NoError(t, err)
	return res
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func file(src string) *fstest.MapFile {
	return &fstest.MapFile{Data: []byte(src)}
}

func bodyOf(t *testing.T, res *bridge.Response) string {
	t.Helper()
	if res.Body == nil {
		return string(res.Static)
	}
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(b)
}

func TestFetchListenerResponds(t *testing.T) {
	h := start(t, fstest.MapFS{
		"entry.js": file(`addEventListener("fetch", function (event) {
	event.respondWith(new Response(null, { headers: { foo: "bar" } }));
});`),
	})
	h.run(t)

	res := h.get(t, "http://app.test/")
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "bar", res.Header.Get("Foo"))
	assert.Empty(t, res.Static)
	assert.Nil(t, res.Body)
}

func TestRespondWithFunction(t *testing.T) {
	tests := []struct {
		name   string
		src    string
		status int
		body   string
	}{
		{
			name:   "returns response",
			src:    `event.respondWith(function () { return new Response("lazy", { status: 202 }); });`,
			status: http.StatusAccepted,
			body:   "lazy",
		},
		{
			name:   "returns promise",
			src:    `event.respondWith(function () { return Promise.resolve(new Response("later")); });`,
			status: http.StatusOK,
			body:   "later",
		},
		{
			name:   "throws",
			src:    `event.respondWith(function () { throw new RangeError("bad handler"); });`,
			status: http.StatusInternalServerError,
			body:   "RangeError: bad handler",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := start(t, fstest.MapFS{
				"entry.js": file(`addEventListener("fetch", function (event) {
	` + tt.src + `
});`),
			})
			h.run(t)

			res := h.get(t, "http://app.test/")
			assert.Equal(t, tt.status, res.Status)
			assert.Contains(t, bodyOf(t, res), tt.body)
		})
	}
}

func TestFetchListenerReadsRequest(t *testing.T) {
	h := start(t, fstest.MapFS{
		"entry.js": file(`addEventListener("fetch", function (event) {
	const req = event.request;
	event.respondWith(req.text().then(function (body) {
		return Response.json({
			method: req.method,
			url: req.url,
			type: req.headers.get("content-type"),
			body: body,
		}, { status: 201 });
	}));
});`),
	})
	h.run(t)

	res, err := h.host.Fetch(testContext(t), &bridge.Request{
		Method: "POST",
		URL:    "http://app.test/submit",
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   io.NopCloser(strings.NewReader("hello")),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, res.Status)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"method":"POST","url":"http://app.test/submit","type":"text/plain","body":"hello"}`, bodyOf(t, res))
}

func TestCacheFromScript(t *testing.T) {
	h := start(t, fstest.MapFS{
		"entry.js": file(`addEventListener("fetch", function (event) {
	event.respondWith((async function () {
		await fly.cache.set("k", "v", { ttl: 60, tags: ["t"] });
		const hit = await fly.cache.get("k");
		const miss = await fly.cache.get("nope");
		const gone = await fly.cache.del("nope");
		return new Response(hit + ":" + miss + ":" + gone);
	})());
});`),
	})
	h.run(t)

	assert.Equal(t, "v:null:false", bodyOf(t, h.get(t, "http://app.test/")))

	stored, _, ok := h.host.Cache().Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", string(stored))
}

func TestDataFromScript(t *testing.T) {
	h := start(t, fstest.MapFS{
		"entry.js": file(`addEventListener("fetch", function (event) {
	const users = fly.data.collection("users");
	event.respondWith(users.put("1", { name: "ann", visits: 1 })
		.then(function () { return users.increment("1", "visits", 2); })
		.then(function () { return users.get("1"); })
		.then(function (doc) { return Response.json(doc); }));
});`),
	})
	h.run(t)

	assert.JSONEq(t, `{"name":"ann","visits":3}`, bodyOf(t, h.get(t, "http://app.test/")))
}

func TestCryptoFromScript(t *testing.T) {
	h := start(t, fstest.MapFS{
		"entry.js": file(`addEventListener("fetch", function (event) {
	event.respondWith(crypto.subtle.digest("SHA-256", "abc").then(function (buf) {
		return new Response(buf);
	}));
});`),
	})
	h.run(t)

	res := h.get(t, "http://app.test/")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", hex.EncodeToString([]byte(bodyOf(t, res))))

	n, err := h.iso.Eval(testContext(t), "random.js", `crypto.getRandomValues(new Uint8Array(16)).length`)
	require.NoError(t, err)
	assert.EqualValues(t, 16, n)
}

func TestOutboundFetchFromScript(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Seen", r.Header.Get("X-Test"))
		_, _ = w.Write([]byte(r.Method + " " + string(body)))
	}))
	defer upstream.Close()

	h := start(t, fstest.MapFS{
		"entry.js": file(`addEventListener("fetch", function (event) {
	event.respondWith(fetch(UPSTREAM + "/x", {
		method: "PUT",
		headers: { "X-Test": "yes" },
		body: "payload",
	}).then(function (res) {
		return res.text().then(function (text) {
			return new Response(text + " " + res.headers.get("x-seen"), { status: res.status });
		});
	}));
});`),
	})
	_, err := h.iso.Eval(testContext(t), "env.js", `var UPSTREAM = "`+upstream.URL+`";`)
	require.NoError(t, err)
	h.run(t)

	res := h.get(t, "http://app.test/")
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "PUT payload yes", bodyOf(t, res))
}

func TestTimers(t *testing.T) {
	h := start(t, fstest.MapFS{
		"entry.js": file(`addEventListener("fetch", function (event) {
	event.respondWith(new Promise(function (resolve) {
		const cancelled = setTimeout(function () { resolve(new Response("cancelled")); }, 5);
		clearTimeout(cancelled);
		let ticks = 0;
		const iv = setInterval(function () {
			if (++ticks === 3) {
				clearInterval(iv);
				setTimeout(function (word) { resolve(new Response(word + ticks)); }, 10, "ticks:");
			}
		}, 1);
	}));
});`),
	})
	h.run(t)

	assert.Equal(t, "ticks:3", bodyOf(t, h.get(t, "http://app.test/")))
}

func TestScriptErrorsBecome500WithMappedStack(t *testing.T) {
	h := start(t, fstest.MapFS{
		"entry.js": file(`import "./app";`),
		"app.ts": file(`interface Greeting { text: string }

addEventListener("fetch", (event: any) => {
  const g: Greeting = { text: "x" };
  throw new Error("boom " + g.text);
});
`),
	})
	h.run(t)

	res := h.get(t, "http://app.test/")
	assert.Equal(t, http.StatusInternalServerError, res.Status)
	body := bodyOf(t, res)
	assert.True(t, strings.HasPrefix(body, "Error: boom x"), body)
	assert.Contains(t, body, "file:///app.ts:5:")
}

func TestMissingRespondWith(t *testing.T) {
	h := start(t, fstest.MapFS{
		"entry.js": file(`addEventListener("fetch", function () {});`),
	})
	h.run(t)

	res := h.get(t, "http://app.test/")
	assert.Equal(t, http.StatusInternalServerError, res.Status)
	assert.Contains(t, bodyOf(t, res), ErrNoResponse.Error())
}

func TestRejectedResponse(t *testing.T) {
	h := start(t, fstest.MapFS{
		"entry.js": file(`addEventListener("fetch", function (event) {
	event.respondWith(fly.cache.setTags("missing", ["a"]).then(function (ok) {
		if (!ok) throw new TypeError("no such key");
	}));
});`),
	})
	h.run(t)

	res := h.get(t, "http://app.test/")
	assert.Equal(t, http.StatusInternalServerError, res.Status)
	assert.Contains(t, bodyOf(t, res), "TypeError: no such key")
}

func TestResolveListener(t *testing.T) {
	h := start(t, fstest.MapFS{
		"entry.js": file(`addEventListener("resolve", function (event) {
	const q = event.request.queries[0];
	event.respondWith({
		authoritative: true,
		answers: [{ name: q.name, type: q.type, ttl: 300, data: { ip: "10.0.0.1" } }],
	});
});`),
	})
	h.run(t)

	res, err := h.host.Resolve(testContext(t), &wire.DnsRequest{
		ID:      9,
		Queries: []wire.DnsQuery{{Name: "app.test.", Type: wire.DnsA}},
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(9), res.ID)
	assert.Equal(t, wire.DnsNoError, res.ResponseCode)
	assert.True(t, res.Authoritative)
	require.Len(t, res.Answers, 1)
	assert.Equal(t, "app.test.", res.Answers[0].Name)
	assert.Equal(t, wire.DnsA, res.Answers[0].Type)
	assert.Equal(t, uint32(300), res.Answers[0].TTL)
	assert.Equal(t, "10.0.0.1", res.Answers[0].Data.IP)
}

func TestResolveListenerRespondsWithFunction(t *testing.T) {
	h := start(t, fstest.MapFS{
		"entry.js": file(`addEventListener("resolve", function (event) {
	const q = event.request.queries[0];
	event.respondWith(function () {
		return Promise.resolve({
			answers: [{ name: q.name, type: q.type, ttl: 60, data: { ip: "10.0.0.2" } }],
		});
	});
});`),
	})
	h.run(t)

	res, err := h.host.Resolve(testContext(t), &wire.DnsRequest{
		ID:      4,
		Queries: []wire.DnsQuery{{Name: "lazy.test.", Type: wire.DnsA}},
	})
	require.NoError(t, err)
	require.Len(t, res.Answers, 1)
	assert.Equal(t, "10.0.0.2", res.Answers[0].Data.IP)
	assert.Equal(t, uint32(60), res.Answers[0].TTL)
}

func TestConsoleGoesToScriptLogger(t *testing.T) {
	h := start(t, fstest.MapFS{"entry.js": file(`console.warn("careful", { n: 1 }, 2);`)})
	h.run(t)

	entries := h.logs.Filter(func(e observer.LoggedEntry) bool {
		return e.LoggerName == "script"
	}).FilterMessage(`careful {"n":1} 2`).All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
}

func TestExit(t *testing.T) {
	h := start(t, fstest.MapFS{})

	_, err := h.iso.Eval(testContext(t), "exit.js", `fly.exit(3)`)
	require.NoError(t, err)

	code, err := h.iso.Wait(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestRequireTextInStringsIsNotADependency(t *testing.T) {
	h := start(t, fstest.MapFS{
		"entry.js": file(`const lib = require("./lib");
const usage = "use require('missing') to load plugins";
// require("also-missing")
globalThis.answer = lib.value + usage.length;`),
		"lib.js": file(`exports.value = 1;`),
	})
	h.run(t)

	v, err := h.iso.Eval(testContext(t), "check.js", "answer")
	require.NoError(t, err)
	assert.EqualValues(t, 1+len("use require('missing') to load plugins"), v)
}

func TestRunReportsModuleErrors(t *testing.T) {
	h := start(t, fstest.MapFS{"entry.js": file(`throw new RangeError("bad start");`)})

	err := h.iso.Run(testContext(t), "./entry")
	var je *JSError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, "RangeError: bad start", je.Message)

	err = h.iso.Run(testContext(t), "./missing")
	assert.ErrorIs(t, err, module.ErrNotFound)
}
