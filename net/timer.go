package net

import (
	"sync/atomic"
	"time"

	"github.com/zLimbo/fishnet/base"
)

// TimerCallback is invoked when a Timer fires.
type TimerCallback func()

// timerSeq is the process-wide timer sequence counter, mirroring
// fishnet/net/timer.cc's Timer::s_numCreated_ atomic; it gives every
// Timer a unique, monotonically increasing id usable as a tiebreaker
// when two timers share an expiration and as the identity cancel()
// matches against.
var timerSeq atomic.Int64

// Timer is one scheduled (and possibly repeating) callback. Timers are
// owned by exactly one timerQueue and touched only on that queue's
// loop goroutine.
type Timer struct {
	callback   TimerCallback
	expiration base.Timestamp
	interval   time.Duration
	repeat     bool
	sequence   int64
}

func newTimer(cb TimerCallback, when base.Timestamp, interval time.Duration) *Timer {
	return &Timer{
		callback:   cb,
		expiration: when,
		interval:   interval,
		repeat:     interval > 0,
		sequence:   timerSeq.Add(1),
	}
}

func (t *Timer) run() { t.callback() }

// restart reschedules a repeating timer interval past now, or
// invalidates a one-shot timer once it has fired.
func (t *Timer) restart(now base.Timestamp) {
	if t.repeat {
		t.expiration = now.Add(t.interval)
	} else {
		t.expiration = base.Invalid
	}
}

// TimerID identifies a scheduled Timer for CancelTimer. It is opaque
// and carries no meaning outside the timerQueue that issued it.
type TimerID struct {
	timer    *Timer
	sequence int64
}

// durationFromSeconds converts a float seconds count (the unit spec.md
// uses for RunAfter/RunEvery, matching fishnet's Timestamp::addTime) to
// a time.Duration.
func durationFromSeconds(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
