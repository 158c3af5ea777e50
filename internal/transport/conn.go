// Package transport moves wire frames between the isolate and its host.
//
// Every connection demultiplexes synchronous replies on its read goroutine:
// a frame flagged sync whose command id has a waiting Call goes straight to
// that caller, everything else is queued for Recv. This lets a sync call
// complete while the consumer of Recv is itself blocked in that call.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/superfly/fly.rs/internal/wire"
)

var (
	ErrClosed      = errors.New("transport closed")
	ErrCallPending = errors.New("sync call already pending for command id")
)

// Conn is a bidirectional frame connection.
type Conn interface {
	// Send writes a frame without waiting for a reply.
	Send(f wire.Frame) error
	// Call writes a sync frame and waits for the reply carrying the same
	// command id.
	Call(ctx context.Context, id wire.CommandID, f wire.Frame) (wire.Frame, error)
	// Recv returns the next inbound frame that is not a sync reply.
	Recv() (wire.Frame, error)
	// Done is closed when the connection stops reading.
	Done() <-chan struct{}
	Close() error
}

// framer is the message-boundary layer beneath a mux.
type framer interface {
	ReadFrame() (wire.Frame, error)
	WriteFrame(wire.Frame) error
	Close() error
}

const inboundBuffer = 256

type mux struct {
	framer framer
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[wire.CommandID]chan wire.Frame

	inbound chan wire.Frame
	done    chan struct{}
	err     error

	closeOnce sync.Once
}

func newMux(f framer, logger *zap.Logger) *mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &mux{
		framer:  f,
		logger:  logger,
		waiters: make(map[wire.CommandID]chan wire.Frame),
		inbound: make(chan wire.Frame, inboundBuffer),
		done:    make(chan struct{}),
	}
	go m.readLoop()
	return m
}

func (m *mux) readLoop() {
	defer close(m.inbound)
	for {
		f, err := m.framer.ReadFrame()
		if err != nil {
			m.fail(err)
			return
		}

		id, sync, err := wire.Peek(f.Envelope)
		if err != nil {
			m.logger.Warn("Dropping undecodable frame", zap.Error(err))
			continue
		}
		if sync && id != 0 {
			m.mu.Lock()
			w, ok := m.waiters[id]
			if ok {
				delete(m.waiters, id)
			}
			m.mu.Unlock()
			if ok {
				w <- f
				continue
			}
		}

		select {
		case m.inbound <- f:
		case <-m.done:
			return
		}
	}
}

func (m *mux) fail(err error) {
	m.closeOnce.Do(func() {
		if errors.Is(err, io.EOF) || errors.Is(err, ErrClosed) {
			m.logger.Debug("Connection closed")
		} else {
			m.logger.Warn("Connection read failed", zap.Error(err))
		}
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		close(m.done)
		_ = m.framer.Close()
	})
}

func (m *mux) Send(f wire.Frame) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := m.framer.WriteFrame(f); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (m *mux) Call(ctx context.Context, id wire.CommandID, f wire.Frame) (wire.Frame, error) {
	reply := make(chan wire.Frame, 1)

	m.mu.Lock()
	if _, ok := m.waiters[id]; ok {
		m.mu.Unlock()
		return wire.Frame{}, fmt.Errorf("%w: %d", ErrCallPending, id)
	}
	m.waiters[id] = reply
	m.mu.Unlock()

	abandon := func() {
		m.mu.Lock()
		delete(m.waiters, id)
		m.mu.Unlock()
	}

	if err := m.Send(f); err != nil {
		abandon()
		return wire.Frame{}, err
	}

	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		abandon()
		return wire.Frame{}, ctx.Err()
	case <-m.done:
		abandon()
		return wire.Frame{}, ErrClosed
	}
}

func (m *mux) Recv() (wire.Frame, error) {
	f, ok := <-m.inbound
	if !ok {
		m.mu.Lock()
		err := m.err
		m.mu.Unlock()
		if err == nil || errors.Is(err, ErrClosed) {
			err = io.EOF
		}
		return wire.Frame{}, err
	}
	return f, nil
}

func (m *mux) Done() <-chan struct{} {
	return m.done
}

func (m *mux) Close() error {
	m.fail(ErrClosed)
	return nil
}
