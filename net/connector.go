package net

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

type connectorState int

const (
	connectorDisconnected connectorState = iota
	connectorConnecting
	connectorConnected
)

// newRetryBackOff builds the exact 500ms -> 1000 -> 2000 -> 4000 ->
// 8000 -> 16000 -> 30000 -> 30000... doubling-then-cap sequence
// spec.md §8 pins, with no jitter: cenkalti/backoff's
// ExponentialBackOff expresses that directly via Multiplier=2 and
// RandomizationFactor=0, rather than hand-rolling the doubling.
func newRetryBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // never give up; Connector decides when to stop via its connect flag
	b.Reset()
	return b
}

// Connector drives a single outbound, non-blocking connect(2) with
// errno classification and exponential backoff (spec.md §4.9,
// fishnet/net/connector.h). It reports success exactly once per
// successful connect via NewConnectionCallback, handing off the
// established fd for the caller (normally TcpClient) to wrap in a
// TcpConnection.
type Connector struct {
	loop          *EventLoop
	serverAddr    InetAddress
	connect       bool
	state         connectorState
	channel       *Channel
	newConnection func(fd int)
	backOff       *backoff.ExponentialBackOff
	timerID       *TimerID
}

// NewConnector builds a Connector targeting serverAddr. It does not
// connect until Start is called.
func NewConnector(loop *EventLoop, serverAddr InetAddress) *Connector {
	return &Connector{
		loop:       loop,
		serverAddr: serverAddr,
		state:      connectorDisconnected,
		backOff:    newRetryBackOff(),
	}
}

// SetNewConnectionCallback installs the callback invoked once connect
// succeeds, passed the established fd.
func (c *Connector) SetNewConnectionCallback(cb func(fd int)) { c.newConnection = cb }

func (c *Connector) ServerAddress() InetAddress { return c.serverAddr }

// Start requests a connection attempt; safe from any goroutine.
func (c *Connector) Start() {
	c.connect = true
	c.loop.RunInLoop(c.startInLoop)
}

func (c *Connector) startInLoop() {
	c.loop.assertInLoopThread()
	if c.state != connectorDisconnected {
		Logger.Fatalw("connector: startInLoop called while not disconnected")
	}
	if c.connect {
		c.connectNow()
	} else {
		Logger.Debugw("connector: start requested connect=false, no-op")
	}
}

// Stop cancels a pending or in-flight attempt; safe from any goroutine.
func (c *Connector) Stop() {
	c.connect = false
	c.loop.QueueInLoop(c.stopInLoop)
}

func (c *Connector) stopInLoop() {
	c.loop.assertInLoopThread()
	if c.state == connectorConnecting {
		c.setState(connectorDisconnected)
		fd := c.removeAndResetChannel()
		c.retry(fd)
	}
}

// Restart resets the backoff and immediately attempts again. Must run
// on the owning loop's thread.
func (c *Connector) Restart() {
	c.loop.assertInLoopThread()
	c.setState(connectorDisconnected)
	c.backOff.Reset()
	c.connect = true
	c.startInLoop()
}

func (c *Connector) setState(s connectorState) { c.state = s }

func (c *Connector) connectNow() {
	fd := newNonblockingSocket(c.serverAddr.Family())
	sa, err := c.serverAddr.sockaddr()
	if err != nil {
		Logger.Errorw("connector: bad server address", "err", err)
		unix.Close(fd)
		return
	}

	connErr := unix.Connect(fd, sa)
	switch classifyConnectErrno(connErr) {
	case connectInProgress:
		c.connecting(fd)
	case connectRetryable:
		c.retry(fd)
	case connectFatal:
		Logger.Errorw("connector: fatal connect error, giving up", "addr", c.serverAddr.String(), "err", connErr)
		unix.Close(fd)
	}
}

type connectOutcome int

const (
	connectInProgress connectOutcome = iota
	connectRetryable
	connectFatal
)

// classifyConnectErrno sorts connect(2)'s possible outcomes into the
// three buckets spec.md §4.9/§7 distinguishes.
func classifyConnectErrno(err error) connectOutcome {
	switch err {
	case nil, unix.EINPROGRESS, unix.EINTR, unix.EISCONN:
		return connectInProgress
	case unix.EAGAIN, unix.EADDRINUSE, unix.ECONNREFUSED, unix.ENETUNREACH:
		return connectRetryable
	default:
		// EACCES, EPERM, EAFNOSUPPORT, EALREADY, EBADF, EFAULT,
		// ENOTSOCK, and anything else unrecognized: treat as fatal
		// misconfiguration rather than retry forever against a
		// connect() that can never succeed.
		return connectFatal
	}
}

func (c *Connector) connecting(fd int) {
	c.setState(connectorConnecting)
	ch := NewChannel(c.loop, fd)
	ch.SetWriteCallback(c.handleWrite)
	ch.SetErrorCallback(c.handleError)
	ch.EnableWriting()
	c.channel = ch
}

func (c *Connector) handleWrite() {
	c.loop.assertInLoopThread()
	if c.state != connectorConnecting {
		return
	}
	fd := c.removeAndResetChannel()

	sockErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || sockErr != 0 {
		Logger.Warnw("connector: SO_ERROR after writable", "err", sockErr)
		c.retry(fd)
		return
	}
	if c.isSelfConnect(fd) {
		Logger.Warnw("connector: detected self-connect", "addr", c.serverAddr.String())
		c.retry(fd)
		return
	}

	c.setState(connectorConnected)
	if c.connect && c.newConnection != nil {
		c.newConnection(fd)
	} else {
		unix.Close(fd)
	}
}

func (c *Connector) handleError() {
	c.loop.assertInLoopThread()
	if c.state != connectorConnecting {
		return
	}
	fd := c.removeAndResetChannel()
	sockErr, _ := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	Logger.Warnw("connector: error event while connecting", "err", sockErr)
	c.retry(fd)
}

// isSelfConnect detects the TCP self-connect pathology: a non-blocking
// connect to a local port that happens to pick the same ephemeral port
// as the listener, looping the socket back to itself.
func (c *Connector) isSelfConnect(fd int) bool {
	local := localAddrOf(fd)
	peer := peerAddrOf(fd)
	return local.Port() == peer.Port() && local.ToIP() == peer.ToIP()
}

func (c *Connector) retry(fd int) {
	if fd >= 0 {
		unix.Close(fd)
	}
	c.setState(connectorDisconnected)
	if c.connect {
		delay := c.backOff.NextBackOff()
		Logger.Debugw("connector: retrying", "addr", c.serverAddr.String(), "delay", delay)
		id := c.loop.RunAfter(delay.Seconds(), c.startInLoop)
		c.timerID = &id
	} else {
		Logger.Debugw("connector: not reconnecting, connect=false")
	}
}

func (c *Connector) removeAndResetChannel() int {
	ch := c.channel
	ch.DisableAll()
	ch.Remove()
	fd := ch.FD()
	// The channel leaves the poller right away; only clearing
	// c.channel is queued, which keeps this safe to call from within
	// the channel's own write/error callback, mirroring
	// fishnet's comment on Connector::removeAndResetChannel about not
	// destroying the Channel from inside its own HandleEvent call.
	c.loop.QueueInLoop(func() { c.resetChannel() })
	return fd
}

func (c *Connector) resetChannel() {
	c.channel = nil
}
