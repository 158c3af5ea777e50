package isolate

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superfly/fly.rs/internal/wire"
)

func startLoop(t *testing.T) *loop {
	t.Helper()
	l, err := newLoop()
	require.NoError(t, err)
	go l.Run()
	return l
}

func TestLoopRunsJobsInOrder(t *testing.T) {
	l := startLoop(t)
	defer l.Stop()

	var got []int
	for n := 0; n < 5; n++ {
		require.True(t, l.Do(func() { got = append(got, n) }))
	}
	require.NoError(t, l.Call(func() error { return nil }))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestLoopStop(t *testing.T) {
	l := startLoop(t)
	var ran atomic.Bool
	require.True(t, l.Do(func() { ran.Store(true) }))

	l.Stop()
	l.Stop()
	<-l.Done()
	assert.True(t, ran.Load(), "jobs queued before Stop still run")
	assert.False(t, l.Do(func() {}))
	assert.ErrorIs(t, l.Call(func() error { return nil }), ErrStopped)
}

func TestLoopTimers(t *testing.T) {
	l := startLoop(t)
	defer l.Stop()

	fired := make(chan string, 8)
	var ticks atomic.Int32
	require.NoError(t, l.Call(func() error {
		cancelled, err := l.setTimer(5*time.Millisecond, false, func() { fired <- "cancelled" })
		if err != nil {
			return err
		}
		l.clearTimer(cancelled)
		l.clearTimer(12345)

		var iv uint64
		iv, err = l.setTimer(time.Millisecond, true, func() {
			if ticks.Add(1) == 3 {
				l.clearTimer(iv)
				fired <- "interval"
			}
		})
		if err != nil {
			return err
		}
		_, err = l.setTimer(0, false, func() { fired <- "timeout" })
		return err
	}))

	var order []string
	for len(order) < 2 {
		select {
		case name := <-fired:
			order = append(order, name)
		case <-time.After(2 * time.Second):
			t.Fatalf("timers did not fire, got %v", order)
		}
	}
	assert.ElementsMatch(t, []string{"timeout", "interval"}, order)
	assert.Equal(t, int32(3), ticks.Load())

	var active int
	require.NoError(t, l.Call(func() error {
		active = l.activeTimers()
		return nil
	}))
	assert.Zero(t, active)
}

func TestParseFrames(t *testing.T) {
	stack := "Error: boom\n" +
		"\tat handler (file:///app.js:3:9(12))\n" +
		"\tat native\n" +
		"\tat file:///entry.js:10:1(40)\n"

	assert.Equal(t, []wire.StackFrame{
		{Filename: "file:///app.js", Name: "handler", Line: 3, Col: 9},
		{Filename: "file:///entry.js", Line: 10, Col: 1},
	}, parseFrames(stack))
	assert.Empty(t, parseFrames("Error: no frames"))
}
