package bridge

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/superfly/fly.rs/internal/wire"
)

var (
	ErrClosed       = errors.New("bridge closed")
	ErrNoReply      = errors.New("host sent an empty reply")
	ErrUnexpected   = errors.New("unexpected reply kind")
	ErrNilResponse  = errors.New("respondWith: nil response")
	ErrAlreadyReply = errors.New("respondWith already called")
)

// HostError is a failure reported by the host in a reply envelope.
type HostError struct {
	Kind    wire.ErrorKind
	Message string
}

func (e *HostError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("host error: %s", e.Kind)
	}
	return fmt.Sprintf("host error (%s): %s", e.Kind, e.Message)
}

// IsNotFound reports whether err is a host NotFound error.
func IsNotFound(err error) bool {
	var he *HostError
	return errors.As(err, &he) && he.Kind == wire.ErrNotFound
}

// TimeoutError is returned when a command is abandoned before its reply.
type TimeoutError struct {
	CommandID wire.CommandID
	Kind      wire.Kind
	Err       error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %d (%s) abandoned: %v", e.CommandID, e.Kind, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// PanicError wraps a value recovered from a handler.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func (e *PanicError) StackTrace() string {
	return e.Error() + "\n" + e.Stack
}

func recovered(v any) *PanicError {
	return &PanicError{Value: v, Stack: string(debug.Stack())}
}

// stackTracer is implemented by errors that carry a script or Go stack.
type stackTracer interface {
	StackTrace() string
}

func errorBody(err error) string {
	var st stackTracer
	if errors.As(err, &st) {
		return st.StackTrace()
	}
	return err.Error()
}
