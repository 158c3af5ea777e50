package hostapi

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superfly/fly.rs/internal/bridge"
	"github.com/superfly/fly.rs/internal/infrastructure/resilience"
	"github.com/superfly/fly.rs/internal/module"
	"github.com/superfly/fly.rs/internal/stream"
	"github.com/superfly/fly.rs/internal/wire"
)

// fakeBridge answers every call with respond and records what was sent.
type fakeBridge struct {
	respond func(msg wire.Message) (*bridge.Reply, error)
	sent    []wire.Message
	bodies  map[wire.ChannelID]string
	sync    int
	next    wire.ChannelID
}

func newFakeBridge(respond func(wire.Message) (*bridge.Reply, error)) *fakeBridge {
	return &fakeBridge{respond: respond, bodies: make(map[wire.ChannelID]string), next: stream.IsolateBase}
}

func (f *fakeBridge) Call(_ context.Context, msg wire.Message, _ []byte) (*bridge.Reply, error) {
	f.sent = append(f.sent, msg)
	return f.respond(msg)
}

func (f *fakeBridge) CallWithBody(ctx context.Context, msg wire.Message, ch wire.ChannelID, src stream.Source) (*bridge.Reply, error) {
	f.sent = append(f.sent, msg)
	var b strings.Builder
	for {
		chunk, done, err := src.Next(ctx)
		if err != nil {
			return nil, err
		}
		b.Write(chunk)
		if done {
			break
		}
	}
	f.bodies[ch] = b.String()
	return f.respond(msg)
}

func (f *fakeBridge) SendSync(_ context.Context, msg wire.Message, _ []byte) (*bridge.Reply, error) {
	f.sync++
	f.sent = append(f.sent, msg)
	return f.respond(msg)
}

func (f *fakeBridge) NewChannel() wire.ChannelID {
	f.next++
	return f.next
}

func readCloser(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}

func reply(msg wire.Message) (*bridge.Reply, error) {
	if msg == nil {
		return nil, nil
	}
	return &bridge.Reply{Kind: msg.Kind(), Msg: msg}, nil
}

func TestFetchRejectsInvalidURL(t *testing.T) {
	f := NewFetcher(newFakeBridge(func(wire.Message) (*bridge.Reply, error) {
		t.Fatal("no command expected")
		return nil, nil
	}))

	for _, u := range []string{"", "/relative", "ftp://example.com/x", "http://"} {
		_, err := f.Fetch(context.Background(), &bridge.Request{URL: u})
		assert.ErrorIs(t, err, ErrInvalidURL, u)
	}

	_, err := f.Fetch(context.Background(), &bridge.Request{Method: "BREW", URL: "http://example.com"})
	assert.Error(t, err)
}

func TestFetchBuildsRequest(t *testing.T) {
	fb := newFakeBridge(func(wire.Message) (*bridge.Reply, error) {
		return reply(&wire.FetchHttpResponse{
			Status:  204,
			Headers: []wire.HttpHeader{{Key: "foo", Value: "bar"}},
		})
	})
	f := NewFetcher(fb, WithChunkSize(4))

	res, err := f.Fetch(context.Background(), &bridge.Request{
		Method: "post",
		URL:    "https://example.com/submit",
		Header: map[string][]string{"Content-Type": {"text/plain"}},
		Body:   readCloser("hello world"),
	})
	require.NoError(t, err)
	assert.Equal(t, 204, res.Status)
	assert.Equal(t, "bar", res.Header.Get("Foo"))
	assert.Nil(t, res.Body)

	require.Len(t, fb.sent, 1)
	msg := fb.sent[0].(*wire.HttpRequest)
	assert.Equal(t, wire.MethodPost, msg.Method)
	assert.True(t, msg.HasBody)
	assert.Equal(t, []wire.HttpHeader{{Key: "content-type", Value: "text/plain"}}, msg.Headers)
	assert.Equal(t, "hello world", fb.bodies[msg.ID])
}

func TestFetchBreaker(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantOpen bool
	}{
		{"host failures trip", &bridge.HostError{Kind: wire.ErrOther, Message: "connection refused"}, true},
		{"timeouts trip", &bridge.HostError{Kind: wire.ErrTimedOut}, true},
		{"bad input does not trip", &bridge.HostError{Kind: wire.ErrInvalidInput}, false},
		{"not found does not trip", &bridge.HostError{Kind: wire.ErrNotFound}, false},
		{"cancellation does not trip", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			fb := newFakeBridge(func(wire.Message) (*bridge.Reply, error) {
				calls++
				return nil, tt.err
			})
			f := NewFetcher(fb, WithBreakers(resilience.NewSet(resilience.Settings{
				IsFailure: hostFailure,
				Timeout:   time.Hour,
				ReadyToTrip: func(c resilience.Counts) bool {
					return c.ConsecutiveFailures >= 2
				},
			})))

			for i := 0; i < 3; i++ {
				_, err := f.Fetch(context.Background(), &bridge.Request{URL: "http://flaky.test/"})
				require.Error(t, err)
			}

			state := f.Breakers().States()["flaky.test"]
			if tt.wantOpen {
				assert.Equal(t, resilience.StateOpen, state)
				assert.Equal(t, 2, calls, "open breaker must short-circuit")
				_, err := f.Fetch(context.Background(), &bridge.Request{URL: "http://flaky.test/"})
				assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
			} else {
				assert.Equal(t, resilience.StateClosed, state)
				assert.Equal(t, 3, calls)
			}
		})
	}
}

func TestExpectReplies(t *testing.T) {
	c := NewCache(newFakeBridge(func(wire.Message) (*bridge.Reply, error) {
		return reply(&wire.DataGetReady{JSON: "{}"})
	}))
	_, err := c.PurgeTag(context.Background(), "t")
	assert.ErrorIs(t, err, bridge.ErrUnexpected)

	c = NewCache(newFakeBridge(func(wire.Message) (*bridge.Reply, error) {
		return nil, nil
	}))
	_, err = c.PurgeTag(context.Background(), "t")
	assert.ErrorIs(t, err, bridge.ErrNoReply)

	hostErr := &bridge.HostError{Kind: wire.ErrOther, Message: "down"}
	c = NewCache(newFakeBridge(func(wire.Message) (*bridge.Reply, error) {
		return nil, hostErr
	}))
	_, err = c.PurgeTag(context.Background(), "t")
	assert.ErrorIs(t, err, hostErr)
}

func TestCacheSetOptions(t *testing.T) {
	fb := newFakeBridge(func(wire.Message) (*bridge.Reply, error) { return nil, nil })
	c := NewCache(fb)

	require.NoError(t, c.Set(context.Background(), "k", []byte("value"), SetOptions{
		TTL:         1500 * time.Millisecond,
		Tags:        []string{"a", "b"},
		Meta:        "m",
		OnlyIfEmpty: true,
	}))

	require.Len(t, fb.sent, 1)
	msg := fb.sent[0].(*wire.CacheSet)
	assert.Equal(t, "k", msg.Key)
	assert.Equal(t, uint32(2), msg.TTL)
	assert.Equal(t, []string{"a", "b"}, msg.Tags)
	assert.Equal(t, "m", msg.Meta)
	assert.True(t, msg.OnlyIfEmpty)
	assert.True(t, stream.IsolateOwned(msg.ID))
	assert.Equal(t, "value", fb.bodies[msg.ID])
}

func TestCacheGetMiss(t *testing.T) {
	c := NewCache(newFakeBridge(func(wire.Message) (*bridge.Reply, error) {
		return reply(&wire.CacheGetReady{})
	}))
	entry, err := c.GetStream(context.Background(), "k")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want uint32
	}{
		{0, 0},
		{-time.Second, 0},
		{time.Millisecond, 1},
		{time.Second, 1},
		{61 * time.Second, 61},
		{time.Duration(1<<62) * time.Nanosecond, 1<<32 - 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, seconds(tt.in), tt.in.String())
	}
}

func TestRandomValuesUsesSyncCall(t *testing.T) {
	fb := newFakeBridge(func(msg wire.Message) (*bridge.Reply, error) {
		n := msg.(*wire.CryptoRandomValues).Len
		return reply(&wire.CryptoRandomValuesReady{Buffer: make([]byte, n)})
	})
	buf, err := NewCrypto(fb).RandomValues(context.Background(), 8)
	require.NoError(t, err)
	assert.Len(t, buf, 8)
	assert.Equal(t, 1, fb.sync)

	short := newFakeBridge(func(wire.Message) (*bridge.Reply, error) {
		return reply(&wire.CryptoRandomValuesReady{Buffer: []byte{1}})
	})
	_, err = NewCrypto(short).RandomValues(context.Background(), 8)
	assert.Error(t, err)
}

func TestModuleLoaderNotFound(t *testing.T) {
	l := NewModuleLoader(newFakeBridge(func(wire.Message) (*bridge.Reply, error) {
		return nil, &bridge.HostError{Kind: wire.ErrNotFound, Message: "nope"}
	}))
	_, err := l.Load(context.Background(), "./x", "file:///main.js")
	assert.ErrorIs(t, err, module.ErrNotFound)

	var _ module.Loader = l
}

func TestFormatStack(t *testing.T) {
	got := FormatStack("Error: boom", []wire.StackFrame{
		{Filename: "file:///app.ts", Name: "handler", Line: 3, Col: 9},
		{Filename: "file:///app.ts", Line: 10, Col: 1},
	})
	assert.Equal(t, "Error: boom\n    at handler (file:///app.ts:3:9)\n    at file:///app.ts:10:1", got)
}
