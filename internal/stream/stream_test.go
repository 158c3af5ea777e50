package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superfly/fly.rs/internal/wire"
)

type sentChunk struct {
	id      wire.ChannelID
	done    bool
	payload string
}

type recordingSender struct {
	mu     sync.Mutex
	chunks []sentChunk
	failAt int
}

func (s *recordingSender) SendChunk(_ context.Context, id wire.ChannelID, done bool, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.chunks)+1 == s.failAt {
		return errors.New("transport closed")
	}
	s.chunks = append(s.chunks, sentChunk{id: id, done: done, payload: string(payload)})
	return nil
}

func TestAllocatorPartitions(t *testing.T) {
	isolate := NewAllocator(IsolateBase)
	host := NewAllocator(1)

	a, b := isolate.Next(), isolate.Next()
	assert.Equal(t, IsolateBase, a)
	assert.Equal(t, IsolateBase+1, b)
	assert.True(t, IsolateOwned(a))

	h := host.Next()
	assert.Equal(t, wire.ChannelID(1), h)
	assert.False(t, IsolateOwned(h))
}

func TestTableReassembly(t *testing.T) {
	tests := []struct {
		name   string
		chunks [][]byte
		want   string
	}{
		{name: "single final chunk", chunks: [][]byte{[]byte("hello")}, want: "hello"},
		{name: "several chunks", chunks: [][]byte{[]byte("he"), []byte("ll"), []byte("o")}, want: "hello"},
		{name: "empty final", chunks: [][]byte{[]byte("abc"), nil}, want: "abc"},
		{name: "no data", chunks: [][]byte{nil}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := NewTable(nil)
			r, err := table.Open(9)
			require.NoError(t, err)

			go func() {
				for i, c := range tt.chunks {
					table.Deliver(9, i == len(tt.chunks)-1, c)
				}
			}()

			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
			assert.Equal(t, 0, table.Len())
		})
	}
}

func TestTableNoDeliveryAfterFinal(t *testing.T) {
	table := NewTable(nil)
	r, err := table.Open(3)
	require.NoError(t, err)

	assert.True(t, table.Deliver(3, true, []byte("x")))
	assert.False(t, table.Deliver(3, false, []byte("late")))

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))
}

func TestTableSingleConsumer(t *testing.T) {
	table := NewTable(nil)
	_, err := table.Open(4)
	require.NoError(t, err)

	_, err = table.Open(4)
	assert.ErrorIs(t, err, ErrChannelInUse)
}

func TestTableAbort(t *testing.T) {
	table := NewTable(nil)
	r, err := table.Open(5)
	require.NoError(t, err)
	table.Deliver(5, false, []byte("partial"))

	table.AbortAll(errors.New("bridge closed"))

	buf := make([]byte, 16)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "partial", string(buf[:n]))

	_, err = r.Read(buf)
	assert.ErrorIs(t, err, ErrAborted)
}

func TestReaderCloseReleasesChannel(t *testing.T) {
	table := NewTable(nil)
	r, err := table.Open(6)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	assert.Equal(t, 0, table.Len())
	assert.False(t, table.Deliver(6, false, []byte("dropped")))
}

func TestSendBody(t *testing.T) {
	tests := []struct {
		name string
		src  Source
		want []sentChunk
	}{
		{
			name: "reader in small chunks",
			src:  NewReaderSource(bytes.NewReader([]byte("abcdefg")), 3),
			want: []sentChunk{
				{id: 2, payload: "abc"},
				{id: 2, payload: "def"},
				{id: 2, payload: "g"},
				{id: 2, done: true},
			},
		},
		{
			name: "reader returning data with EOF",
			src:  NewReaderSource(iotest.DataErrReader(bytes.NewReader([]byte("xy"))), 8),
			want: []sentChunk{{id: 2, done: true, payload: "xy"}},
		},
		{
			name: "static bytes",
			src:  BytesSource([]byte("all")),
			want: []sentChunk{{id: 2, done: true, payload: "all"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &recordingSender{}
			require.NoError(t, SendBody(context.Background(), s, 2, tt.src))
			assert.Equal(t, tt.want, s.chunks)
		})
	}
}

func TestSendBodySourceError(t *testing.T) {
	s := &recordingSender{}
	src := NewReaderSource(iotest.ErrReader(errors.New("disk gone")), 4)

	err := SendBody(context.Background(), s, 8, src)
	require.Error(t, err)
	assert.Equal(t, []sentChunk{{id: 8, done: true}}, s.chunks)
}

func TestSendBodyTransportError(t *testing.T) {
	s := &recordingSender{failAt: 2}
	src := NewReaderSource(bytes.NewReader([]byte("abcdef")), 2)

	err := SendBody(context.Background(), s, 1, src)
	require.Error(t, err)
	assert.Len(t, s.chunks, 1)
}
