package net

import (
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zLimbo/fishnet/base"
)

// timerQueue is a best-effort sorted timer list bound to one EventLoop, backed
// by a Linux timerfd so that timer expiry arrives through the same
// Poller the loop already waits on (spec.md §4.4, fishnet/net/timer_queue.h).
// It guarantees no callback runs before its expiration but not that it
// runs exactly on time — a slow handler earlier in the same Poll batch
// delays everything after it, same as fishnet's own disclaimer.
type timerQueue struct {
	loop *EventLoop

	timerFD      int
	timerChannel *Channel

	// entries is kept sorted by (expiration, sequence); ties are broken
	// by creation order so two timers scheduled for the identical
	// microsecond never collide the way a single Go map key would.
	entries []*Timer

	active map[int64]*Timer // sequence -> Timer, for O(1) cancel lookup

	callingExpired bool
	canceling      map[int64]struct{}
}

func newTimerQueue(loop *EventLoop) *timerQueue {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		Logger.Fatalw("timer_queue: timerfd_create failed", "err", err)
	}
	tq := &timerQueue{
		loop:      loop,
		timerFD:   fd,
		active:    make(map[int64]*Timer),
		canceling: make(map[int64]struct{}),
	}
	tq.timerChannel = NewChannel(loop, fd)
	tq.timerChannel.SetReadCallback(func(base.Timestamp) { tq.handleRead() })
	tq.timerChannel.EnableReading()
	return tq
}

// addTimer is thread-safe: it hops onto the loop's goroutine before
// touching the timer list, matching muduo's TimerQueue::addTimer contract.
func (tq *timerQueue) addTimer(cb TimerCallback, when base.Timestamp, intervalSeconds float64) TimerID {
	var interval time.Duration
	if intervalSeconds > 0 {
		interval = durationFromSeconds(intervalSeconds)
	}
	timer := newTimer(cb, when, interval)
	id := TimerID{timer: timer, sequence: timer.sequence}
	tq.loop.RunInLoop(func() { tq.addTimerInLoop(timer) })
	return id
}

func (tq *timerQueue) cancel(id TimerID) {
	tq.loop.RunInLoop(func() { tq.cancelInLoop(id) })
}

func (tq *timerQueue) addTimerInLoop(timer *Timer) {
	tq.loop.assertInLoopThread()
	if tq.insert(timer) {
		tq.resetTimerFD(timer.expiration)
	}
}

func (tq *timerQueue) cancelInLoop(id TimerID) {
	tq.loop.assertInLoopThread()
	if _, ok := tq.active[id.sequence]; ok {
		delete(tq.active, id.sequence)
		tq.removeEntry(id.sequence)
		return
	}
	if tq.callingExpired {
		// Being canceled from within its own (or a sibling's) callback:
		// record it so reset() skips re-arming it as a repeat.
		tq.canceling[id.sequence] = struct{}{}
	}
}

func (tq *timerQueue) handleRead() {
	tq.loop.assertInLoopThread()
	var buf [8]byte
	if _, err := unix.Read(tq.timerFD, buf[:]); err != nil {
		Logger.Warnw("timer_queue: timerfd read failed", "err", err)
	}

	now := base.Now()
	expired := tq.getExpired(now)

	tq.callingExpired = true
	tq.canceling = make(map[int64]struct{})
	for _, t := range expired {
		t.run()
	}
	tq.callingExpired = false

	tq.reset(expired, now)
}

// getExpired removes and returns every timer whose expiration is <= now.
func (tq *timerQueue) getExpired(now base.Timestamp) []*Timer {
	i := sort.Search(len(tq.entries), func(i int) bool {
		return tq.entries[i].expiration.After(now)
	})
	expired := append([]*Timer(nil), tq.entries[:i]...)
	tq.entries = tq.entries[i:]
	for _, t := range expired {
		delete(tq.active, t.sequence)
	}
	return expired
}

// reset re-arms repeating timers that weren't canceled mid-callback,
// then rewinds the timerfd to the new earliest deadline, if any.
func (tq *timerQueue) reset(expired []*Timer, now base.Timestamp) {
	for _, t := range expired {
		_, canceled := tq.canceling[t.sequence]
		if t.repeat && !canceled {
			t.restart(now)
			tq.insert(t)
		}
	}
	if len(tq.entries) > 0 {
		tq.resetTimerFD(tq.entries[0].expiration)
	}
}

// insert adds timer into the sorted slice and the active-lookup map,
// reporting whether it became the new earliest deadline.
func (tq *timerQueue) insert(timer *Timer) bool {
	earliestChanged := len(tq.entries) == 0 || timer.expiration.Before(tq.entries[0].expiration)

	i := sort.Search(len(tq.entries), func(i int) bool {
		e := tq.entries[i]
		if e.expiration == timer.expiration {
			return e.sequence > timer.sequence
		}
		return e.expiration.After(timer.expiration)
	})
	tq.entries = append(tq.entries, nil)
	copy(tq.entries[i+1:], tq.entries[i:])
	tq.entries[i] = timer
	tq.active[timer.sequence] = timer
	return earliestChanged
}

func (tq *timerQueue) removeEntry(sequence int64) {
	for i, t := range tq.entries {
		if t.sequence == sequence {
			tq.entries = append(tq.entries[:i], tq.entries[i+1:]...)
			return
		}
	}
}

// minTimerFDInterval is timerfd_settime's practical floor: arming it
// with exactly zero means "disarm," so an already-expired or
// immediately-due timer is nudged one microsecond out instead.
const minTimerFDInterval = time.Microsecond

func (tq *timerQueue) resetTimerFD(expiration base.Timestamp) {
	delta := expiration.Sub(base.Now())
	if delta < minTimerFDInterval {
		delta = minTimerFDInterval
	}
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(delta.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(tq.timerFD, 0, &spec, nil); err != nil {
		Logger.Warnw("timer_queue: timerfd_settime failed", "err", err)
	}
}
