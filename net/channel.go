package net

import (
	"github.com/zLimbo/fishnet/base"
	"github.com/zLimbo/fishnet/net/internal/poller"
)

// Event bits re-exported from the poller package so callers of Channel
// never need to import internal/poller themselves.
const (
	eventNone  = 0
	eventRead  = poller.EventIn | poller.EventPri
	eventWrite = poller.EventOut
)

// ReadEventFunc is invoked when a Channel's fd becomes readable, passed
// the moment the owning loop's Poll call returned.
type ReadEventFunc func(receiveTime base.Timestamp)

// EventFunc is invoked for write-ready, close, and error notifications.
type EventFunc func()

// Channel binds one file descriptor to an EventLoop: it stores the
// desired interest mask, the revents reported by the last Poll call,
// and the four per-event callbacks (spec.md §3, §4.3). A Channel does
// not own its fd — its owner (Acceptor, Connector, or TcpConnection)
// opens and closes it.
type Channel struct {
	loop *EventLoop
	fd   int

	events  uint32
	revents uint32
	reg     poller.Registration

	logHup bool

	tied      bool
	tieFunc   func() (tied any, ok bool)
	handling  bool
	addedLoop bool

	readCallback  ReadEventFunc
	writeCallback EventFunc
	closeCallback EventFunc
	errorCallback EventFunc
}

// NewChannel creates a Channel for fd, bound to loop. The channel
// starts with no interest registered; call EnableReading/EnableWriting
// to begin receiving events.
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{
		loop:    loop,
		fd:      fd,
		events:  eventNone,
		logHup:  true,
		reg:     poller.Registration{FD: fd, IndexHint: -1},
		tieFunc: nil,
	}
}

// FD returns the bound file descriptor.
func (c *Channel) FD() int { return c.fd }

// Loop returns the owning EventLoop.
func (c *Channel) Loop() *EventLoop { return c.loop }

func (c *Channel) SetReadCallback(cb ReadEventFunc)  { c.readCallback = cb }
func (c *Channel) SetWriteCallback(cb EventFunc)     { c.writeCallback = cb }
func (c *Channel) SetCloseCallback(cb EventFunc)     { c.closeCallback = cb }
func (c *Channel) SetErrorCallback(cb EventFunc)     { c.errorCallback = cb }
func (c *Channel) DoNotLogHup()                      { c.logHup = false }

// Tie ties the channel's dispatch to obj's lifetime: Tie stores a
// closure that reports whether obj is still the channel's live owner.
// Go has no native weak references, so fishnet re-expresses the tie
// contract (spec.md §9) as: HandleEvent consults isLive before running
// any callback and drops the event when it reports false. There is no
// Untie; once tied, a channel stays tied.
func (c *Channel) Tie(isLive func() (any, bool)) {
	c.tieFunc = isLive
	c.tied = true
}

func (c *Channel) setRevents(revents uint32) { c.revents = revents }

func (c *Channel) isNoneEvent() bool { return c.events == eventNone }

func (c *Channel) EnableReading() {
	c.events |= eventRead
	c.update()
}

func (c *Channel) DisableReading() {
	c.events &^= eventRead
	c.update()
}

func (c *Channel) EnableWriting() {
	c.events |= eventWrite
	c.update()
}

func (c *Channel) DisableWriting() {
	c.events &^= eventWrite
	c.update()
}

func (c *Channel) DisableAll() {
	c.events = eventNone
	c.update()
}

func (c *Channel) IsWriting() bool { return c.events&eventWrite != 0 }
func (c *Channel) IsReading() bool { return c.events&eventRead != 0 }

func (c *Channel) update() {
	c.addedLoop = true
	c.reg.Interest = c.events
	c.loop.updateChannel(c)
}

// Remove unregisters the channel from its loop's poller. Precondition:
// the channel's interest mask is already disabled (DisableAll called).
func (c *Channel) Remove() {
	c.addedLoop = false
	c.loop.removeChannel(c)
}

// HandleEvent dispatches the channel's revents to its callbacks, in the
// fixed order close -> error -> read -> write mandated by spec.md §4.3.
// If tied, the owner's liveness is checked first; a dead owner means
// the event is silently dropped.
func (c *Channel) HandleEvent(receiveTime base.Timestamp) {
	if c.tied {
		if _, ok := c.tieFunc(); !ok {
			return
		}
	}
	c.handleEventWithGuard(receiveTime)
}

func (c *Channel) handleEventWithGuard(receiveTime base.Timestamp) {
	c.handling = true
	defer func() { c.handling = false }()

	if c.revents&poller.EventHup != 0 && c.revents&poller.EventIn == 0 {
		if c.logHup {
			Logger.Warnw("channel: POLLHUP", "fd", c.fd)
		}
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if c.revents&poller.EventNval != 0 {
		Logger.Warnw("channel: POLLNVAL", "fd", c.fd)
	}
	if c.revents&(poller.EventErr|poller.EventNval) != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if c.revents&(poller.EventIn|poller.EventPri|poller.EventRdHup) != 0 {
		if c.readCallback != nil {
			c.readCallback(receiveTime)
		}
	}
	if c.revents&poller.EventOut != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}
