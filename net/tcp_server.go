package net

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ServerOption configures a TcpServer at construction. This is
// fishnet's supplemented `Option` enum (spec.md expansion) made
// idiomatic: functional options over an exported enum constant.
type ServerOption func(*TcpServer)

// WithReusePort toggles SO_REUSEPORT on the listening socket.
func WithReusePort(on bool) ServerOption {
	return func(s *TcpServer) { s.reusePort = on }
}

// TcpServer owns the Acceptor, the worker-loop pool, and the
// name->TcpConnection map (spec.md §4.10, fishnet/net/tcp_server.h).
// Map mutation is confined to the server's main loop goroutine.
type TcpServer struct {
	loop     *EventLoop
	name     string
	instance string // random per-instance tag, keeps names globally unique
	addr     InetAddress

	acceptor  *Acceptor
	pool      *EventLoopThreadPool
	reusePort bool

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	highWaterMark         int
	threadInitCallback    ThreadInitFunc

	started      atomic.Bool
	nextConnID   int64
	connections  map[string]*TcpConnection
	connectionMu sync.Mutex // guards only against diagnostic reads off-loop; mutation is main-loop only
}

// NewTcpServer builds a server that will listen on addr once Start is
// called.
func NewTcpServer(loop *EventLoop, name string, addr InetAddress, opts ...ServerOption) *TcpServer {
	s := &TcpServer{
		loop:          loop,
		name:          name,
		instance:      uuid.NewString()[:8],
		addr:          addr,
		highWaterMark: defaultHighWaterMark,
		connections:   make(map[string]*TcpConnection),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.acceptor = NewAcceptor(loop, addr, s.reusePort)
	s.acceptor.SetNewConnectionCallback(s.newConnection)
	s.pool = NewEventLoopThreadPool(loop)
	return s
}

func (s *TcpServer) SetConnectionCallback(cb ConnectionCallback)       { s.connectionCallback = cb }
func (s *TcpServer) SetMessageCallback(cb MessageCallback)             { s.messageCallback = cb }
func (s *TcpServer) SetWriteCompleteCallback(cb WriteCompleteCallback) { s.writeCompleteCallback = cb }

// SetHighWaterMarkCallback installs the per-connection high-water-mark
// callback and threshold applied to every future accepted connection.
func (s *TcpServer) SetHighWaterMarkCallback(cb HighWaterMarkCallback, highWaterMark int) {
	s.highWaterMarkCallback = cb
	s.highWaterMark = highWaterMark
}

// SetThreadNum sets the I/O worker count; must be called before Start.
func (s *TcpServer) SetThreadNum(n int) { s.pool.SetThreadNum(n) }

// SetThreadInitCallback installs a callback run on each I/O worker's
// EventLoop before it begins looping (spec.md's set_thread_init_callback,
// fishnet/net/tcp_server.h's threadInitCallback_). Must be called
// before Start.
func (s *TcpServer) SetThreadInitCallback(cb ThreadInitFunc) { s.threadInitCallback = cb }

// ThreadPool exposes the pool for diagnostics (e.g. AllLoops).
func (s *TcpServer) ThreadPool() *EventLoopThreadPool { return s.pool }

// Start is idempotent: only the first call spawns the worker pool and
// schedules the acceptor's listen(2).
func (s *TcpServer) Start() {
	if s.started.CompareAndSwap(false, true) {
		s.pool.Start(s.threadInitCallback)
		s.loop.RunInLoop(s.acceptor.Listen)
	}
}

func (s *TcpServer) newConnection(fd int, peer InetAddress) {
	s.loop.assertInLoopThread()
	ioLoop := s.pool.GetNextLoop()
	connName := fmt.Sprintf("%s-%s-%s#%d", s.name, s.instance, peer.ToIPPort(), s.nextConnID)
	s.nextConnID++

	local := localAddrOf(fd)
	conn := NewTcpConnection(ioLoop, connName, fd, local, peer)
	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	conn.SetHighWaterMarkCallback(s.highWaterMarkCallback, s.highWaterMark)
	conn.SetCloseCallback(s.removeConnection)

	s.connectionMu.Lock()
	s.connections[connName] = conn
	s.connectionMu.Unlock()

	ioLoop.RunInLoop(conn.connectEstablished)
}

func (s *TcpServer) removeConnection(conn *TcpConnection) {
	// closeCallback fires on the connection's own io loop; hop back to
	// the main loop before touching the shared connection map.
	s.loop.RunInLoop(func() { s.removeConnectionInLoop(conn) })
}

func (s *TcpServer) removeConnectionInLoop(conn *TcpConnection) {
	s.loop.assertInLoopThread()
	s.connectionMu.Lock()
	delete(s.connections, conn.Name())
	s.connectionMu.Unlock()
	conn.Loop().QueueInLoop(conn.connectDestroyed)
}

// ConnectionCount returns the number of live connections.
func (s *TcpServer) ConnectionCount() int {
	s.connectionMu.Lock()
	defer s.connectionMu.Unlock()
	return len(s.connections)
}
