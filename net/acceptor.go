package net

import (
	"net"

	reuseport "github.com/kavu/go_reuseport"
	"golang.org/x/sys/unix"

	"github.com/zLimbo/fishnet/base"
)

// NewConnectionFunc receives a freshly accepted client fd and its peer
// address. The recipient owns the fd from this point on.
type NewConnectionFunc func(fd int, peer InetAddress)

// Acceptor owns one listening socket on the main loop. It is the Go
// analogue of fishnet/net/acceptor.h: a Channel wrapping a
// non-blocking listening fd, plus the idle-fd trick that keeps a
// level-triggered poller from livelocking once the process runs out of
// file descriptors (spec.md §4.7).
type Acceptor struct {
	loop          *EventLoop
	listenFD      int
	channel       *Channel
	newConnection NewConnectionFunc
	listening     bool
	idleFD        int
}

// NewAcceptor opens a non-blocking listening socket bound to addr. If
// reuseport is set, the socket is created through go_reuseport so that
// multiple Acceptors across processes/threads may share the port —
// mirroring the teacher's reuseportListen+system() fd-extraction dance
// — otherwise a plain unix socket is created and SO_REUSEPORT is left
// off. Failure here is fatal: spec.md §7 treats a listen-path
// construction failure as unrecoverable.
func NewAcceptor(loop *EventLoop, addr InetAddress, reuseportEnabled bool) *Acceptor {
	var fd int
	if reuseportEnabled {
		fd = reuseportListenFD(addr)
	} else {
		fd = newNonblockingSocket(addr.Family())
		setReuseAddr(fd, true)
		if err := bindAddress(fd, addr); err != nil {
			Logger.Fatalw("acceptor: bind failed", "addr", addr.String(), "err", err)
		}
	}

	idleFD, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		Logger.Fatalw("acceptor: failed to reserve idle fd", "err", err)
	}

	a := &Acceptor{
		loop:     loop,
		listenFD: fd,
		idleFD:   idleFD,
	}
	a.channel = NewChannel(loop, fd)
	a.channel.SetReadCallback(func(base.Timestamp) { a.handleRead() })
	return a
}

// reuseportListenFD creates a SO_REUSEPORT listener via go_reuseport
// and extracts its raw fd, switching it back to non-blocking the way
// net.Listener.File()'s duplicate always resets it (teacher idiom,
// evio_linux.go's listener.system()).
func reuseportListenFD(addr InetAddress) int {
	network := "tcp4"
	if addr.Family() == unix.AF_INET6 {
		network = "tcp6"
	}
	ln, err := reuseport.Listen(network, addr.ToIPPort())
	if err != nil {
		Logger.Fatalw("acceptor: reuseport listen failed", "addr", addr.String(), "err", err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		Logger.Fatalw("acceptor: reuseport listener was not TCP", "addr", addr.String())
	}
	file, err := tcpLn.File()
	if err != nil {
		Logger.Fatalw("acceptor: failed to extract reuseport listener fd", "err", err)
	}
	// File() duplicates the fd and hands back a blocking copy; the
	// original net.Listener (and its fd) can now be closed.
	tcpLn.Close()
	fd := int(file.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		Logger.Fatalw("acceptor: failed to set reuseport fd non-blocking", "err", err)
	}
	return fd
}

// SetNewConnectionCallback installs the callback invoked once per
// accepted connection.
func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionFunc) { a.newConnection = cb }

// Listening reports whether Listen has been called.
func (a *Acceptor) Listening() bool { return a.listening }

// Listen begins accepting. Must run on the owning loop's thread.
func (a *Acceptor) Listen() {
	a.loop.assertInLoopThread()
	a.listening = true
	if err := unix.Listen(a.listenFD, unix.SOMAXCONN); err != nil {
		Logger.Warnw("acceptor: listen(2) failed", "err", err)
	}
	a.channel.EnableReading()
}

// Close tears the acceptor down: disables and removes its Channel,
// then closes both the listening fd and the idle fd.
func (a *Acceptor) Close() {
	a.channel.DisableAll()
	a.channel.Remove()
	unix.Close(a.listenFD)
	unix.Close(a.idleFD)
}

func (a *Acceptor) handleRead() {
	a.loop.assertInLoopThread()
	for {
		fd, peer, err := acceptConn(a.listenFD)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			if err == unix.EMFILE {
				a.handleFDExhaustion()
				return
			}
			Logger.Warnw("acceptor: accept4 failed", "err", err)
			return
		}
		if a.newConnection != nil {
			a.newConnection(fd, peer)
		} else {
			unix.Close(fd)
		}
	}
}

// handleFDExhaustion implements the idle-fd dance: give up the
// reserved /dev/null fd to let accept4 succeed, immediately close the
// connection it yields (there's nowhere to put it), then reopen
// /dev/null to re-reserve a fd slot for the next exhaustion (spec.md §4.7).
func (a *Acceptor) handleFDExhaustion() {
	unix.Close(a.idleFD)
	fd, _, err := unix.Accept(a.listenFD)
	if err == nil {
		unix.Close(fd)
	}
	idleFD, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		Logger.Errorw("acceptor: failed to reopen idle fd after EMFILE", "err", err)
		return
	}
	a.idleFD = idleFD
}
