// Package task provides a one-shot future used wherever a result arrives on
// a different goroutine than the one waiting for it.
package task

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadySettled is returned when a future is resolved or rejected twice.
var ErrAlreadySettled = errors.New("future already settled")

// Future holds a value or an error that becomes available once.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	settled   bool
	value     T
	err       error
	callbacks []func(T, error)
}

// New returns a pending future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already holding v.
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	_ = f.Resolve(v)
	return f
}

// Rejected returns a future already holding err.
func Rejected[T any](err error) *Future[T] {
	f := New[T]()
	_ = f.Reject(err)
	return f
}

// Go runs fn on a new goroutine and settles the future with its result.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := New[T]()
	go func() {
		v, err := fn()
		f.settle(v, err)
	}()
	return f
}

// Resolve settles the future with v. It returns ErrAlreadySettled if the future
// was already settled.
func (f *Future[T]) Resolve(v T) error {
	return f.settle(v, nil)
}

// Reject settles the future with err. It returns ErrAlreadySettled if the future
// was already settled.
func (f *Future[T]) Reject(err error) error {
	var zero T
	return f.settle(zero, err)
}

// settle stores the outcome and runs callbacks on the settling goroutine,
// before any waiter in Await observes the result.
func (f *Future[T]) settle(v T, err error) error {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return ErrAlreadySettled
	}
	f.settled = true
	f.value, f.err = v, err
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(v, err)
	}
	close(f.done)
	return nil
}

// Done is closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether a result is available.
func (f *Future[T]) Settled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled
}

// Await blocks until the future settles or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then registers cb to run when the future settles. If it already has, cb
// runs immediately on the caller's goroutine.
func (f *Future[T]) Then(cb func(T, error)) {
	f.mu.Lock()
	if !f.settled {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	cb(v, err)
}

// Map derives a future whose value is fn applied to f's value.
func Map[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out := New[U]()
	f.Then(func(v T, err error) {
		if err != nil {
			_ = out.Reject(err)
			return
		}
		u, err := fn(v)
		out.settle(u, err)
	})
	return out
}
