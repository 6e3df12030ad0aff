package net

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// newNonblockingSocket opens a non-blocking, close-on-exec stream
// socket for the given address family (unix.AF_INET or AF_INET6),
// aborting the process on failure — fishnet treats socket(2) failure
// at construction as unrecoverable, same as the original's
// createNonblockingOrDie (spec.md §4.7/§4.9).
func newNonblockingSocket(family int) int {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		Logger.Fatalw("socket: socket(2) failed", "err", err)
	}
	return fd
}

func setReuseAddr(fd int, on bool) {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolToInt(on)); err != nil {
		Logger.Warnw("socket: SO_REUSEADDR failed", "fd", fd, "err", err)
	}
}

func setReusePort(fd int, on bool) {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, boolToInt(on)); err != nil {
		Logger.Warnw("socket: SO_REUSEPORT failed", "fd", fd, "err", err)
	}
}

func setTCPNoDelay(fd int, on bool) {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolToInt(on)); err != nil {
		Logger.Warnw("socket: TCP_NODELAY failed", "fd", fd, "err", err)
	}
}

func setKeepAlive(fd int, on bool) {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolToInt(on)); err != nil {
		Logger.Warnw("socket: SO_KEEPALIVE failed", "fd", fd, "err", err)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// bindAddress binds fd to addr. Listening is a separate step (Acceptor.Listen),
// matching fishnet's split between Socket::bindAddress and Socket::listen.
func bindAddress(fd int, addr InetAddress) error {
	sa, err := addr.sockaddr()
	if err != nil {
		return err
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	return nil
}

// acceptConn accepts one pending connection, returning a non-blocking,
// close-on-exec client fd and its peer address.
func acceptConn(listenFD int) (int, InetAddress, error) {
	fd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, InetAddress{}, err
	}
	addr, err := inetAddressFromSockaddr(sa)
	if err != nil {
		unix.Close(fd)
		return -1, InetAddress{}, err
	}
	return fd, addr, nil
}

func shutdownWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

// tcpInfo returns the kernel's unix.TCPInfo for fd, fishnet's
// getTcpInfo (spec.md's supplemented Socket::getTcpInfo).
func tcpInfo(fd int) (*unix.TCPInfo, error) {
	return unix.GetsockoptTCPInfo(fd, unix.SOL_TCP, unix.TCP_INFO)
}

// tcpInfoString renders the subset of unix.TCPInfo fishnet's
// getTcpInfoString historically surfaced: state, retransmits, rtt and
// its variance, and the current congestion window.
func tcpInfoString(fd int) (string, error) {
	info, err := tcpInfo(fd)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"state=%d retransmits=%d rtt=%dus rttvar=%dus snd_cwnd=%d total_retrans=%d",
		info.State, info.Retransmits, info.Rtt, info.Rttvar, info.Snd_cwnd, info.Total_retrans,
	), nil
}
