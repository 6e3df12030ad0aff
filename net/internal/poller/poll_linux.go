//go:build linux

package poller

import (
	"golang.org/x/sys/unix"

	"github.com/zLimbo/fishnet/base"
)

// pollPoller is the poll(2) backend, selected when FISHNET_USE_POLL is
// set. It mirrors fishnet/net/poller/poll_poller.cc: a pollfd slice
// parallel to the registered fds, with index hints into that slice and
// the "negate fd to mask it without removing the slot" trick so a
// temporarily-disabled channel doesn't shift every other channel's
// index.
type pollPoller struct {
	fds []unix.PollFd
	// regs maps a live fd to the Registration UpdateChannel was called
	// with, so that RemoveChannel's swap-with-last-and-pop can fix up
	// the displaced channel's IndexHint in place — mirroring
	// poll_poller.cc's channels_ map, which plays the same role there.
	regs map[int]*Registration
}

// NewPoll opens the poll(2) backend.
func NewPoll() (Poller, error) {
	return &pollPoller{regs: make(map[int]*Registration)}, nil
}

func (p *pollPoller) Close() error {
	return nil
}

func (p *pollPoller) Poll(timeoutMs int) ([]Event, base.Timestamp, error) {
	if len(p.fds) == 0 {
		// unix.Poll with an empty slice still sleeps for timeoutMs; do
		// the same so the loop's 10s ceiling is observed consistently.
		n, err := unix.Poll(nil, timeoutMs)
		now := base.Now()
		if err != nil && err != unix.EINTR {
			return nil, now, err
		}
		_ = n
		return nil, now, nil
	}

	n, err := unix.Poll(p.fds, timeoutMs)
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
	remaining := n
	for _, pfd := range p.fds {
		if pfd.Revents != 0 {
			fd := pfd.Fd
			if fd < 0 {
				fd = -fd - 1
			}
			active = append(active, Event{FD: int(fd), Revents: uint32(pfd.Revents)})
			remaining--
			if remaining <= 0 {
				break
			}
		}
	}
	return active, now, nil
}

func (p *pollPoller) UpdateChannel(reg *Registration) error {
	if reg.IndexHint < 0 || !reg.initialized {
		idx := len(p.fds)
		p.fds = append(p.fds, unix.PollFd{
			Fd:     int32(reg.FD),
			Events: int16(reg.Interest),
		})
		reg.IndexHint = idx
		reg.initialized = true
		p.regs[reg.FD] = reg
		if reg.Interest == 0 {
			p.fds[idx].Fd = int32(-reg.FD - 1)
		}
		return nil
	}

	pfd := &p.fds[reg.IndexHint]
	pfd.Fd = int32(reg.FD)
	pfd.Events = int16(reg.Interest)
	pfd.Revents = 0
	if reg.Interest == 0 {
		pfd.Fd = int32(-reg.FD - 1)
	}
	return nil
}

func (p *pollPoller) RemoveChannel(reg *Registration) error {
	idx := reg.IndexHint
	last := len(p.fds) - 1
	if idx != last {
		displaced := p.fds[last]
		p.fds[idx] = displaced
		displacedFD := displaced.Fd
		if displacedFD < 0 {
			displacedFD = -displacedFD - 1
		}
		if displacedReg, ok := p.regs[int(displacedFD)]; ok {
			displacedReg.IndexHint = idx
		}
	}
	p.fds = p.fds[:last]
	delete(p.regs, reg.FD)
	reg.IndexHint = -1
	reg.initialized = false
	return nil
}
