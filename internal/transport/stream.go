package transport

import (
	"bufio"
	"io"
	"net"
	"os"

	"go.uber.org/zap"

	"github.com/superfly/fly.rs/internal/wire"
)

type streamFramer struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader
	w   *bufio.Writer
}

func (s *streamFramer) ReadFrame() (wire.Frame, error) {
	return wire.ReadFrame(s.r)
}

func (s *streamFramer) WriteFrame(f wire.Frame) error {
	if err := wire.WriteFrame(s.w, f); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *streamFramer) Close() error {
	return s.rwc.Close()
}

// NewStreamConn frames a byte stream with length-prefixed frames.
func NewStreamConn(rwc io.ReadWriteCloser, logger *zap.Logger) Conn {
	return newMux(&streamFramer{
		rwc: rwc,
		r:   bufio.NewReader(rwc),
		w:   bufio.NewWriter(rwc),
	}, logger)
}

// Pipe returns two connected in-memory connections.
func Pipe(logger *zap.Logger) (Conn, Conn) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a, b := net.Pipe()
	return NewStreamConn(a, logger.Named("pipe.a")), NewStreamConn(b, logger.Named("pipe.b"))
}

type stdio struct {
	io.Reader
	io.Writer
}

func (stdio) Close() error {
	return os.Stdin.Close()
}

// Stdio speaks the frame protocol over the process's stdin and stdout, for
// hosts that spawn the isolate as a child process.
func Stdio(logger *zap.Logger) Conn {
	return NewStreamConn(stdio{Reader: os.Stdin, Writer: os.Stdout}, logger)
}
