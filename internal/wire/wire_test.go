package wire

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		env  *Envelope
	}{
		{
			name: "fetch event with headers",
			env: &Envelope{
				Msg: &HttpRequest{
					ID:      7,
					Method:  MethodPost,
					URL:     "http://example.com/a?b=c",
					Headers: []HttpHeader{{Key: "foo", Value: "bar"}, {Key: "x-empty"}},
					HasBody: true,
				},
			},
		},
		{
			name: "sync reply with no payload",
			env:  &Envelope{CommandID: 3, Sync: true},
		},
		{
			name: "host error",
			env: &Envelope{
				CommandID:    9,
				ErrorKind:    ErrNotFound,
				ErrorMessage: "module not found",
			},
		},
		{
			name: "cache set keeps empty tags",
			env: &Envelope{
				CommandID: 12,
				Msg:       &CacheSet{ID: 1 << 31, Key: "k", TTL: 1, Tags: []string{"a", "", "b"}},
			},
		},
		{
			name: "negative increment",
			env:  &Envelope{CommandID: 1, Msg: &DataIncr{Collection: "c", Key: "k", Field: "n", Amount: -4}},
		},
		{
			name: "dns response with answers",
			env: &Envelope{Msg: &DnsResponse{
				ID:            44,
				MessageType:   DnsMessageResponse,
				ResponseCode:  DnsNoError,
				Authoritative: true,
				Answers: []DnsRecord{
					{Name: "fly.io.", Type: DnsA, TTL: 60, Data: DnsRdata{IP: "127.0.0.1"}},
					{Name: "fly.io.", Type: DnsTXT, Data: DnsRdata{Text: [][]byte{[]byte("v=spf1")}}},
				},
			}},
		},
		{
			name: "source map frames",
			env: &Envelope{CommandID: 2, Sync: true, Msg: &SourceMap{Frames: []StackFrame{
				{Filename: "file:///app.ts", Name: "handler", Line: 10, Col: 4},
			}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(Encode(tt.env))
			require.NoError(t, err)

			want := *tt.env
			if want.Msg != nil {
				want.Kind = want.Msg.Kind()
			}
			assert.Equal(t, &want, got)
		})
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	var e encoder
	e.uint(1, 5)
	e.uint(3, uint64(kindCount)+10)

	_, err := Decode(e.b)
	require.Error(t, err)

	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	var payload encoder
	payload.string(1, "key")
	payload.b = protowire.AppendTag(payload.b, 99, protowire.BytesType)
	payload.b = protowire.AppendString(payload.b, "from a newer host")

	var e encoder
	e.uint(1, 4)
	e.uint(3, uint64(KindCacheGet))
	e.b = protowire.AppendTag(e.b, 6, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, payload.b)

	env, err := Decode(e.b)
	require.NoError(t, err)
	assert.Equal(t, &CacheGet{Key: "key"}, env.Msg)
}

func TestDecodeTruncated(t *testing.T) {
	b := Encode(&Envelope{CommandID: 1, Msg: &CacheGet{Key: "something long"}})

	_, err := Decode(b[:len(b)-3])
	assert.Error(t, err)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, ErrEmptyEnvelope)
}

func TestPeek(t *testing.T) {
	b := Encode(&Envelope{CommandID: 77, Sync: true, Msg: &OsExit{Code: 2}})

	id, sync, err := Peek(b)
	require.NoError(t, err)
	assert.Equal(t, CommandID(77), id)
	assert.True(t, sync)
}

func TestFrameStream(t *testing.T) {
	frames := []Frame{
		NewFrame(&Envelope{CommandID: 1, Msg: &StreamChunk{ID: 5}}, []byte("hello")),
		NewFrame(&Envelope{CommandID: 2, Msg: &StreamChunk{ID: 5, Done: true}}, nil),
	}

	var buf bytes.Buffer
	for _, f := range frames {
		require.NoError(t, WriteFrame(&buf, f))
	}

	r := bufio.NewReader(&buf)
	for _, want := range frames {
		got, err := ReadFrame(r)
		require.NoError(t, err)
		assert.Equal(t, want.Envelope, got.Envelope)
		assert.Equal(t, want.Raw, got.Raw)
	}

	_, err := ReadFrame(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestUnmarshalFrame(t *testing.T) {
	f := NewFrame(&Envelope{CommandID: 3, Msg: &CryptoDigest{Algo: "SHA-256"}}, []byte{1, 2, 3})

	got, err := UnmarshalFrame(f.Marshal())
	require.NoError(t, err)
	assert.Equal(t, f.Raw, got.Raw)

	env, err := got.Open()
	require.NoError(t, err)
	assert.Equal(t, &CryptoDigest{Algo: "SHA-256"}, env.Msg)

	_, err = UnmarshalFrame([]byte{10, 1})
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("patch")
	require.NoError(t, err)
	assert.Equal(t, MethodPatch, m)
	assert.Equal(t, "PATCH", m.String())

	_, err = ParseMethod("BREW")
	assert.Error(t, err)
}
