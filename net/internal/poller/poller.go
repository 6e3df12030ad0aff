// Package poller implements the two OS I/O-readiness backends that back
// a fishnet EventLoop: epoll(7) on Linux (the default) and poll(2),
// selected at runtime by the FISHNET_USE_POLL environment variable.
//
// Both backends implement the same Poller interface so that EventLoop
// can treat them polymorphically, mirroring fishnet/net/poller.h's
// virtual base class.
package poller

import "github.com/zLimbo/fishnet/base"

// Event is one fd's readiness report for a single Poll call: the raw fd
// plus the OS revents bitmask (poll(2)-numbered; epoll reuses the same
// bit values on Linux, so the epoll backend passes them through as is).
type Event struct {
	FD      int
	Revents uint32
}

// Poll(2)-numbered event bits, shared by both backends since epoll's
// EPOLLIN/EPOLLOUT/... bit values are defined to match poll(2)'s.
const (
	EventIn    = 0x0001 // POLLIN
	EventPri   = 0x0002 // POLLPRI
	EventOut   = 0x0004 // POLLOUT
	EventErr   = 0x0008 // POLLERR
	EventHup   = 0x0010 // POLLHUP
	EventNval  = 0x0020 // POLLNVAL
	EventRdHup = 0x2000 // POLLRDHUP
)

// Registration describes one fd's desired interest set, as tracked by
// the Channel that owns it. It carries no reference back to the
// Channel: Poll reports plain fds, and the EventLoop maps them back to
// Channels through its own fd -> Channel map.
type Registration struct {
	FD          int
	Interest    uint32 // desired events (EventIn|EventOut|...), 0 means disabled
	IndexHint   int    // opaque state owned by the backend (pollfd slot or New/Added/Deleted tag)
	initialized bool
}

// Poller multiplexes OS-level I/O readiness for a single EventLoop.
// Every method must be invoked from the loop's own goroutine; there is
// no internal locking.
type Poller interface {
	// Poll waits up to timeoutMs for readiness, returning one Event per
	// ready fd plus the moment Poll returned. EINTR is swallowed and
	// reported as a (nil, now, nil) result so the loop simply iterates
	// again on the next pass.
	Poll(timeoutMs int) ([]Event, base.Timestamp, error)

	// UpdateChannel reflects reg.Interest into the OS registration for
	// reg.FD, allocating, modifying, or (if Interest == 0 and the fd was
	// previously added) removing the kernel-side registration. It
	// mutates reg.IndexHint in place.
	UpdateChannel(reg *Registration) error

	// RemoveChannel drops reg.FD from the poller's bookkeeping.
	// Precondition: reg.Interest == 0.
	RemoveChannel(reg *Registration) error

	// Close releases the poller's own fds (the epoll fd; the poll
	// backend holds none).
	Close() error
}
