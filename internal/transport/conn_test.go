package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superfly/fly.rs/internal/wire"
)

func TestPipeSendRecv(t *testing.T) {
	a, b := Pipe(nil)
	defer a.Close()
	defer b.Close()

	f := wire.NewFrame(&wire.Envelope{Msg: &wire.StreamChunk{ID: 4}}, []byte("body"))
	require.NoError(t, a.Send(f))

	got, err := b.Recv()
	require.NoError(t, err)
	assert.Equal(t, f.Envelope, got.Envelope)
	assert.Equal(t, []byte("body"), got.Raw)
}

func TestCallRoutesSyncReply(t *testing.T) {
	isolate, host := Pipe(nil)
	defer isolate.Close()
	defer host.Close()

	go func() {
		f, err := host.Recv()
		if err != nil {
			return
		}
		env, err := f.Open()
		if err != nil {
			return
		}
		// An unrelated event first, then the reply.
		_ = host.Send(wire.NewFrame(&wire.Envelope{Msg: &wire.StreamChunk{ID: 1, Done: true}}, nil))
		_ = host.Send(wire.NewFrame(&wire.Envelope{
			CommandID: env.CommandID,
			Sync:      true,
			Msg:       &wire.CryptoRandomValuesReady{Buffer: []byte{1, 2, 3}},
		}, nil))
	}()

	req := wire.NewFrame(&wire.Envelope{CommandID: 11, Sync: true, Msg: &wire.CryptoRandomValues{Len: 3}}, nil)
	reply, err := isolate.Call(context.Background(), 11, req)
	require.NoError(t, err)

	env, err := reply.Open()
	require.NoError(t, err)
	assert.Equal(t, &wire.CryptoRandomValuesReady{Buffer: []byte{1, 2, 3}}, env.Msg)

	ev, err := isolate.Recv()
	require.NoError(t, err)
	env, err = ev.Open()
	require.NoError(t, err)
	assert.Equal(t, wire.KindStreamChunk, env.Kind)
}

func TestCallTimeoutLeavesLateReplyForRecv(t *testing.T) {
	isolate, host := Pipe(nil)
	defer isolate.Close()
	defer host.Close()

	go func() {
		_, _ = host.Recv()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := isolate.Call(ctx, 5, wire.NewFrame(&wire.Envelope{CommandID: 5, Sync: true, Msg: &wire.OsExit{}}, nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	late := wire.NewFrame(&wire.Envelope{CommandID: 5, Sync: true}, nil)
	require.NoError(t, host.Send(late))

	got, err := isolate.Recv()
	require.NoError(t, err)
	assert.Equal(t, late.Envelope, got.Envelope)
}

func TestCloseEndsRecv(t *testing.T) {
	a, b := Pipe(nil)
	require.NoError(t, a.Close())

	_, err := b.Recv()
	assert.ErrorIs(t, err, io.EOF)

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("connection did not report done")
	}
	assert.ErrorIs(t, a.Send(wire.Frame{}), ErrClosed)
}

func TestFrameCodec(t *testing.T) {
	var c frameCodec
	in := []byte{1, 2, 3}
	data, err := c.Marshal(&in)
	require.NoError(t, err)

	var out []byte
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, in, out)

	_, err = c.Marshal("nope")
	assert.Error(t, err)
}
