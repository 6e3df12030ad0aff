package net

import (
	"encoding/binary"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/zLimbo/fishnet/base"
	"github.com/zLimbo/fishnet/net/internal/poller"
)

// pollTimeoutMs is the poller's fixed wait ceiling (spec.md §4.5):
// responsiveness below this is bounded by timers and cross-thread
// wakeups, not by this value.
const pollTimeoutMs = 10000

// EventLoop is a single-threaded reactor: it owns a Poller, a
// TimerQueue, a cross-thread task queue, and an eventfd ("wakeup fd")
// used to rouse it from a blocking Poll call. An EventLoop is born
// bound to the goroutine that calls Loop and never migrates; every
// mutation of its Poller, timers, or the Channels registered on it must
// originate from that goroutine (spec.md §5).
type EventLoop struct {
	looping   atomic.Bool
	quit      atomic.Bool
	handling  bool
	iteration int64

	// osThreadID is the OS thread id (gettid) Loop pinned itself to via
	// runtime.LockOSThread, the literal "one-loop-per-thread" affinity
	// the spec's thread-ownership contract describes. Zero means Loop
	// is not running on this EventLoop; assertInLoopThread treats that
	// window as trivially on-thread, so before Loop starts any goroutine
	// passes the check. Loop resets it to zero when it returns.
	osThreadID atomic.Int64

	poller         poller.Poller
	pollReturnTime base.Timestamp
	activeChannels []*Channel
	currentActive  *Channel

	channelsMu sync.Mutex
	channels   map[int]*Channel

	timerQueue *timerQueue

	wakeupFD      int
	wakeupChannel *Channel

	mu             sync.Mutex
	pendingTasks   []func()
	callingPending bool
}

// NewEventLoop constructs an EventLoop. It does not start looping;
// call Loop from the goroutine that is meant to own it. Constructing an
// EventLoop does not itself bind a goroutine id (Go has no stable
// thread identity the way pthreads does) — the affinity check instead
// compares against the goroutine that actually calls Loop, recorded on
// entry, exactly once.
func NewEventLoop() *EventLoop {
	wakeupFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		Logger.Fatalw("event_loop: failed to create eventfd", "err", err)
	}
	p, err := poller.New()
	if err != nil {
		Logger.Fatalw("event_loop: failed to open poller", "err", err)
	}

	loop := &EventLoop{
		poller:   p,
		wakeupFD: wakeupFD,
		channels: make(map[int]*Channel),
	}
	loop.timerQueue = newTimerQueue(loop)
	loop.wakeupChannel = NewChannel(loop, wakeupFD)
	loop.wakeupChannel.SetReadCallback(func(base.Timestamp) { loop.handleWakeupRead() })
	loop.wakeupChannel.EnableReading()
	return loop
}

// IsInLoopThread reports whether the caller is running on the OS thread
// Loop pinned itself to. Go goroutines otherwise carry no stable thread
// identity, so this is only meaningful because Loop calls
// runtime.LockOSThread before its first iteration (spec.md §5): as long
// as callbacks, timer firings, and queued tasks all run synchronously
// from within Loop's own call stack — which is the whole point of a
// single-threaded reactor — unix.Gettid() stays constant for the
// lifetime of the loop and this check is exact, not heuristic.
func (l *EventLoop) IsInLoopThread() bool {
	tid := l.osThreadID.Load()
	return tid == 0 || int64(unix.Gettid()) == tid
}

func (l *EventLoop) assertInLoopThread() {
	if !l.IsInLoopThread() {
		Logger.Fatalw("event_loop: operation invoked off the owning loop", "err", ErrWrongLoopThread)
	}
}

// Loop runs the reactor until Quit is called. Precondition: not already
// looping. Loop clears the quit flag on entry, so a Quit issued before
// Loop starts has no effect. Each iteration: poll for readiness (up to 10s), dispatch
// every active channel in order, then drain the pending task queue
// (spec.md §4.5, §8 — event dispatch always completes before a task
// queued during dispatch runs).
func (l *EventLoop) Loop() {
	if !l.looping.CompareAndSwap(false, true) {
		Logger.Fatalw("event_loop: Loop called while already looping", "err", ErrAlreadyLooping)
		return
	}
	l.quit.Store(false)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	l.osThreadID.Store(int64(unix.Gettid()))
	defer l.osThreadID.Store(0)

	for !l.quit.Load() {
		l.activeChannels = l.activeChannels[:0]
		active, now, err := l.poller.Poll(pollTimeoutMs)
		if err != nil {
			Logger.Warnw("event_loop: poll error", "err", err)
		}
		l.pollReturnTime = now
		l.iteration++

		for _, ev := range active {
			ch := l.channelForEvent(ev)
			if ch == nil {
				continue
			}
			ch.setRevents(ev.Revents)
			l.activeChannels = append(l.activeChannels, ch)
		}

		l.handling = true
		for _, ch := range l.activeChannels {
			l.currentActive = ch
			ch.HandleEvent(l.pollReturnTime)
		}
		l.currentActive = nil
		l.handling = false

		l.doPendingFunctors()
	}

	l.looping.Store(false)
}

// channels is the fd -> Channel registry, mutated only by
// updateChannel/removeChannel on the loop's own goroutine.
func (l *EventLoop) channelForEvent(ev poller.Event) *Channel {
	l.channelsMu.Lock()
	defer l.channelsMu.Unlock()
	return l.channels[ev.FD]
}

// Quit schedules the loop to stop after completing its current
// iteration. Safe to call from any goroutine; if called from outside
// the loop's own goroutine it also wakes the loop so Quit is not
// delayed up to the full poll timeout.
func (l *EventLoop) Quit() {
	l.quit.Store(true)
	if !l.IsInLoopThread() {
		l.wakeup()
	}
}

// RunInLoop runs fn immediately if called from the loop's own
// goroutine, otherwise enqueues it via QueueInLoop.
func (l *EventLoop) RunInLoop(fn func()) {
	if l.IsInLoopThread() {
		fn()
	} else {
		l.QueueInLoop(fn)
	}
}

// QueueInLoop enqueues fn to run on the loop's goroutine during the
// next (or current, if still collecting) pending-functor pass. It
// wakes the loop if the caller isn't the loop thread, or if the loop is
// currently draining pending tasks — the latter ensures a task enqueued
// by a task is flushed on the *next* iteration rather than starved
// behind the in-progress batch (spec.md §4.5).
func (l *EventLoop) QueueInLoop(fn func()) {
	l.mu.Lock()
	l.pendingTasks = append(l.pendingTasks, fn)
	callingPending := l.callingPending
	l.mu.Unlock()

	if !l.IsInLoopThread() || callingPending {
		l.wakeup()
	}
}

// QueueSize returns the number of tasks currently pending.
func (l *EventLoop) QueueSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pendingTasks)
}

func (l *EventLoop) wakeup() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(l.wakeupFD, buf[:]); err != nil {
		Logger.Errorw("event_loop: wakeup write failed", "err", err)
	}
}

func (l *EventLoop) handleWakeupRead() {
	var buf [8]byte
	if _, err := unix.Read(l.wakeupFD, buf[:]); err != nil {
		Logger.Errorw("event_loop: wakeup read failed", "err", err)
	}
}

func (l *EventLoop) doPendingFunctors() {
	l.mu.Lock()
	l.callingPending = true
	tasks := l.pendingTasks
	l.pendingTasks = nil
	l.mu.Unlock()

	for _, fn := range tasks {
		fn()
	}

	l.mu.Lock()
	l.callingPending = false
	l.mu.Unlock()
}

// RunAt, RunAfter, RunEvery and Cancel are thin, thread-safe wrappers
// around the loop's TimerQueue (spec.md §4.5).
func (l *EventLoop) RunAt(when base.Timestamp, cb func()) TimerID {
	return l.timerQueue.addTimer(cb, when, 0)
}

func (l *EventLoop) RunAfter(delay float64, cb func()) TimerID {
	return l.RunAt(base.Now().Add(durationFromSeconds(delay)), cb)
}

func (l *EventLoop) RunEvery(interval float64, cb func()) TimerID {
	when := base.Now().Add(durationFromSeconds(interval))
	return l.timerQueue.addTimer(cb, when, interval)
}

func (l *EventLoop) CancelTimer(id TimerID) {
	l.timerQueue.cancel(id)
}

// updateChannel and removeChannel register/unregister a Channel with
// this loop's Poller and fd->Channel map. Both must run on the loop's
// own goroutine.
func (l *EventLoop) updateChannel(ch *Channel) {
	l.assertInLoopThread()
	l.channelsMu.Lock()
	l.channels[ch.fd] = ch
	l.channelsMu.Unlock()
	if err := l.poller.UpdateChannel(&ch.reg); err != nil {
		Logger.Errorw("event_loop: poller update failed", "fd", ch.fd, "err", err)
	}
}

func (l *EventLoop) removeChannel(ch *Channel) {
	l.assertInLoopThread()
	if l.handling {
		if l.currentActive != ch && l.channelStillActive(ch) {
			Logger.Fatalw("event_loop: removed channel still pending dispatch this iteration")
		}
	}
	l.channelsMu.Lock()
	delete(l.channels, ch.fd)
	l.channelsMu.Unlock()
	if err := l.poller.RemoveChannel(&ch.reg); err != nil {
		Logger.Errorw("event_loop: poller remove failed", "fd", ch.fd, "err", err)
	}
}

func (l *EventLoop) channelStillActive(ch *Channel) bool {
	for _, c := range l.activeChannels {
		if c == ch {
			return true
		}
	}
	return false
}

// HasChannel reports whether ch is currently registered with this
// loop's Poller.
func (l *EventLoop) HasChannel(ch *Channel) bool {
	l.assertInLoopThread()
	l.channelsMu.Lock()
	defer l.channelsMu.Unlock()
	return l.channels[ch.fd] == ch
}
