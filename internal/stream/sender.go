package stream

import (
	"context"
	"errors"
	"io"

	"github.com/superfly/fly.rs/internal/wire"
)

// DefaultChunkSize is the read size used by ReaderSource.
const DefaultChunkSize = 16 << 10

// ChunkSender transmits one StreamChunk. Implementations should not return
// until the chunk has been handed to the transport.
type ChunkSender interface {
	SendChunk(ctx context.Context, id wire.ChannelID, done bool, payload []byte) error
}

// Source produces body chunks on demand. done marks the final chunk, which
// may also carry data.
type Source interface {
	Next(ctx context.Context) (chunk []byte, done bool, err error)
}

// SendBody drains src onto channel id. Each chunk is sent before the next
// one is pulled. If the body ends without a chunk marked done, an empty
// final chunk closes the channel. A source error closes the channel too and
// is returned.
func SendBody(ctx context.Context, cs ChunkSender, id wire.ChannelID, src Source) error {
	for {
		if err := ctx.Err(); err != nil {
			_ = cs.SendChunk(context.Background(), id, true, nil)
			return err
		}

		chunk, done, err := src.Next(ctx)
		if err != nil {
			if serr := cs.SendChunk(ctx, id, true, nil); serr != nil {
				return errors.Join(err, serr)
			}
			return err
		}
		if err := cs.SendChunk(ctx, id, done, chunk); err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// ReaderSource adapts an io.Reader into a Source.
type ReaderSource struct {
	r   io.Reader
	buf []byte
}

// NewReaderSource reads up to size bytes per chunk.
func NewReaderSource(r io.Reader, size int) *ReaderSource {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &ReaderSource{r: r, buf: make([]byte, size)}
}

func (s *ReaderSource) Next(ctx context.Context) ([]byte, bool, error) {
	for {
		n, err := s.r.Read(s.buf)
		switch {
		case n > 0:
			chunk := append([]byte(nil), s.buf[:n]...)
			return chunk, errors.Is(err, io.EOF), nil
		case errors.Is(err, io.EOF):
			return nil, true, nil
		case err != nil:
			return nil, false, err
		}
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
	}
}

// BytesSource yields b as a single final chunk.
func BytesSource(b []byte) Source {
	return &bytesSource{b: b}
}

type bytesSource struct {
	b    []byte
	sent bool
}

func (s *bytesSource) Next(context.Context) ([]byte, bool, error) {
	if s.sent {
		return nil, true, nil
	}
	s.sent = true
	return s.b, true, nil
}
