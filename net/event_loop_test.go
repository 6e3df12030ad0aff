package net

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueInLoopFromOffLoopThreadWakesTheLoop(t *testing.T) {
	loop := NewEventLoop()
	ran := make(chan struct{})

	go loop.Loop()
	time.Sleep(10 * time.Millisecond) // let Loop claim its OS thread

	loop.QueueInLoop(func() {
		close(ran)
		loop.Quit()
	})

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("queued task from another goroutine never ran")
	}
}

func TestRunInLoopExecutesSynchronouslyOnLoopThread(t *testing.T) {
	loop := NewEventLoop()
	var order []int

	loop.RunAfter(0, func() {
		loop.RunInLoop(func() { order = append(order, 1) })
		order = append(order, 2)
		loop.Quit()
	})

	done := make(chan struct{})
	go func() { loop.Loop(); close(done) }()
	<-done

	require.Equal(t, []int{1, 2}, order)
}

func TestIsInLoopThreadMatchesTheGoroutineRunningLoop(t *testing.T) {
	loop := NewEventLoop()
	require.True(t, loop.IsInLoopThread(), "before Loop runs, affinity is unestablished and trivially true")

	var onLoop atomic.Bool
	checked := make(chan struct{})
	loop.RunAfter(0, func() {
		onLoop.Store(loop.IsInLoopThread())
		close(checked)
	})
	go loop.Loop()
	<-checked

	// The loop is still running (it hasn't been told to quit yet), so
	// its osThreadID stays pinned and this goroutine reads as off-loop.
	offLoop := loop.IsInLoopThread()
	loop.Quit()

	require.True(t, onLoop.Load())
	require.False(t, offLoop)
}
