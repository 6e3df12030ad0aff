package net

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventLoopRunAfterFires(t *testing.T) {
	loop := NewEventLoop()
	var fired atomic.Bool
	loop.RunAfter(0.02, func() {
		fired.Store(true)
		loop.Quit()
	})

	done := make(chan struct{})
	go func() { loop.Loop(); close(done) }()

	select {
	case <-done:
		require.True(t, fired.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("RunAfter timer never fired")
	}
}

func TestEventLoopRunEveryRepeatsUntilCancelled(t *testing.T) {
	loop := NewEventLoop()
	var count atomic.Int32
	var id TimerID

	loop.RunAfter(0, func() {
		id = loop.RunEvery(0.01, func() {
			count.Add(1)
		})
	})
	loop.RunAfter(0.05, func() {
		loop.CancelTimer(id)
		loop.RunAfter(0.03, loop.Quit)
	})

	done := make(chan struct{})
	go func() { loop.Loop(); close(done) }()

	select {
	case <-done:
		n := count.Load()
		require.GreaterOrEqual(t, n, int32(3))
		stable := count.Load()
		time.Sleep(30 * time.Millisecond)
		require.Equal(t, stable, count.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("RunEvery test never completed")
	}
}

// TestTimerCancelDuringItsOwnFiring verifies a repeating timer can
// cancel itself from within its own callback without deadlocking or
// firing again afterward.
func TestTimerCancelDuringItsOwnFiring(t *testing.T) {
	loop := NewEventLoop()
	var count atomic.Int32
	var id TimerID

	loop.RunAfter(0, func() {
		id = loop.RunEvery(0.01, func() {
			n := count.Add(1)
			if n == 1 {
				loop.CancelTimer(id)
			}
		})
	})
	loop.RunAfter(0.1, loop.Quit)

	done := make(chan struct{})
	go func() { loop.Loop(); close(done) }()

	select {
	case <-done:
		require.Equal(t, int32(1), count.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("cancel-during-fire test never completed")
	}
}
