package isolate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goeventloop "github.com/joeycumines/go-eventloop"
)

// ErrStopped is returned by Call once the loop has stopped.
var ErrStopped = errors.New("isolate: event loop stopped")

// loop serializes every touch of the runtime onto the event loop goroutine.
// Jobs run in submission order; timer callbacks run on the same goroutine.
type loop struct {
	ev *goeventloop.Loop
	js *goeventloop.JS

	mu      sync.Mutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// owned by the loop goroutine
	timers map[uint64]bool
}

func newLoop() (*loop, error) {
	ev, err := goeventloop.New()
	if err != nil {
		return nil, fmt.Errorf("create event loop: %w", err)
	}
	js, err := goeventloop.NewJS(ev)
	if err != nil {
		_ = ev.Close()
		return nil, fmt.Errorf("create timer adapter: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &loop{
		ev:     ev,
		js:     js,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		timers: make(map[uint64]bool),
	}, nil
}

// Do queues fn. It reports false once the loop has stopped.
func (l *loop) Do(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	return l.ev.Submit(fn) == nil
}

// Call runs fn on the loop and waits for it. It must not be called from the
// loop goroutine.
func (l *loop) Call(fn func() error) error {
	errc := make(chan error, 1)
	if !l.Do(func() { errc <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-errc:
		return err
	case <-l.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrStopped
		}
	}
}

// Run processes jobs and timers until Stop is called.
func (l *loop) Run() {
	defer close(l.done)
	_ = l.ev.Run(l.ctx)
	l.clearTimers()
	_ = l.ev.Close()
}

// Stop makes Run return after the jobs already queued. Later jobs are dropped.
func (l *loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	if l.ev.Submit(l.cancel) != nil {
		l.cancel()
	}
}

func (l *loop) Done() <-chan struct{} {
	return l.done
}

// setTimer schedules fn after d, repeating when repeat is set. Loop goroutine
// only.
func (l *loop) setTimer(d time.Duration, repeat bool, fn func()) (uint64, error) {
	ms := max(int(d/time.Millisecond), 0)
	if !repeat {
		var id uint64
		id, err := l.js.SetTimeout(func() {
			delete(l.timers, id)
			fn()
		}, ms)
		if err != nil {
			return 0, err
		}
		l.timers[id] = false
		return id, nil
	}

	id, err := l.js.SetInterval(fn, max(ms, 1))
	if err != nil {
		return 0, err
	}
	l.timers[id] = true
	return id, nil
}

// clearTimer cancels a timer. Unknown ids are ignored. Loop goroutine only.
func (l *loop) clearTimer(id uint64) {
	interval, ok := l.timers[id]
	if !ok {
		return
	}
	delete(l.timers, id)
	if interval {
		_ = l.js.ClearInterval(id)
		return
	}
	_ = l.js.ClearTimeout(id)
}

// activeTimers counts pending timers. Loop goroutine only.
func (l *loop) activeTimers() int {
	return len(l.timers)
}

func (l *loop) clearTimers() {
	for id := range l.timers {
		l.clearTimer(id)
	}
}
