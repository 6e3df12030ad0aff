//go:build linux

package poller

import (
	"golang.org/x/sys/unix"

	"github.com/zLimbo/fishnet/base"
)

const (
	indexNew     = -1
	indexAdded   = 1
	indexDeleted = 2

	initEventListSize = 16
)

// epollPoller is the default backend, selected unless FISHNET_USE_POLL
// is set. It mirrors fishnet/net/poller/epoll_poller.cc: edge-compatible
// flags matching poll(2) semantics, a geometrically growing event
// buffer, and index hints in {New, Added, Deleted}.
type epollPoller struct {
	epfd   int
	events []unix.EpollEvent
}

// NewDefault opens the platform-default poller backend (epoll on Linux).
func NewDefault() (Poller, error) {
	return newEpoll()
}

func newEpoll() (*epollPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{epfd: epfd, events: make([]unix.EpollEvent, initEventListSize)}, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}

func (p *epollPoller) Poll(timeoutMs int) ([]Event, base.Timestamp, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	now := base.Now()
	if err != nil {
		if err == unix.EINTR {
			return nil, now, nil
		}
		return nil, now, err
	}
	if n == 0 {
		return nil, now, nil
	}
	active := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		active = append(active, Event{
			FD:      int(ev.Fd),
			Revents: ev.Events,
		})
	}
	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return active, now, nil
}

func (p *epollPoller) UpdateChannel(reg *Registration) error {
	switch reg.IndexHint {
	case 0, indexNew, indexDeleted:
		if reg.Interest == 0 {
			// never registered and already disabled: nothing to do.
			reg.IndexHint = indexNew
			return nil
		}
		if err := p.ctl(unix.EPOLL_CTL_ADD, reg); err != nil {
			return err
		}
		reg.IndexHint = indexAdded
		return nil
	default: // indexAdded
		if reg.Interest == 0 {
			if err := p.ctl(unix.EPOLL_CTL_DEL, reg); err != nil {
				return err
			}
			reg.IndexHint = indexDeleted
			return nil
		}
		return p.ctl(unix.EPOLL_CTL_MOD, reg)
	}
}

func (p *epollPoller) RemoveChannel(reg *Registration) error {
	if reg.IndexHint == indexAdded {
		if err := p.ctl(unix.EPOLL_CTL_DEL, reg); err != nil {
			return err
		}
	}
	reg.IndexHint = indexNew
	return nil
}

func (p *epollPoller) ctl(op int, reg *Registration) error {
	var ev unix.EpollEvent
	ev.Events = reg.Interest
	ev.Fd = int32(reg.FD)
	return unix.EpollCtl(p.epfd, op, reg.FD, &ev)
}
