package net

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var clientConnIDs atomic.Int64

// TcpClient owns at most one outbound connection at a time (spec.md
// §4.11, fishnet/net/tcp_client.h). Its current-connection pointer is
// guarded by a mutex because Connection() may be called from any
// goroutine; everything else about the connection itself still runs
// on its own io loop.
type TcpClient struct {
	loop      *EventLoop
	connector *Connector
	name      string

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback

	mu         sync.Mutex
	connection *TcpConnection
	retry      bool
	connect    bool
}

// NewTcpClient builds a client targeting serverAddr on loop.
func NewTcpClient(loop *EventLoop, serverAddr InetAddress, name string) *TcpClient {
	c := &TcpClient{
		loop:    loop,
		name:    name,
		connect: true,
	}
	c.connector = NewConnector(loop, serverAddr)
	c.connector.SetNewConnectionCallback(c.newConnection)
	return c
}

func (c *TcpClient) SetConnectionCallback(cb ConnectionCallback)       { c.connectionCallback = cb }
func (c *TcpClient) SetMessageCallback(cb MessageCallback)             { c.messageCallback = cb }
func (c *TcpClient) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.writeCompleteCallback = cb }

// EnableRetry causes the client to reconnect whenever its connection closes.
func (c *TcpClient) EnableRetry() { c.retry = true }

// Connect starts (or restarts) the connection attempt.
func (c *TcpClient) Connect() {
	c.connect = true
	c.connector.Start()
}

// Disconnect shuts down the current connection, if any, and turns off
// automatic reconnection (EnableRetry) for when that connection closes.
func (c *TcpClient) Disconnect() {
	c.connect = false
	c.mu.Lock()
	conn := c.connection
	c.mu.Unlock()
	if conn != nil {
		conn.Shutdown()
	}
}

// Stop cancels any in-flight connect attempt.
func (c *TcpClient) Stop() {
	c.connect = false
	c.connector.Stop()
}

// Connection returns the current connection, or nil if none is
// established. Safe from any goroutine.
func (c *TcpClient) Connection() *TcpConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connection
}

func (c *TcpClient) newConnection(fd int) {
	c.loop.assertInLoopThread()
	peer := c.connector.ServerAddress()
	local := localAddrOf(fd)
	connName := fmt.Sprintf("%s-%s-%s#%d", c.name, uuid.NewString()[:8], peer.ToIPPort(), clientConnIDs.Add(1))

	conn := NewTcpConnection(c.loop, connName, fd, local, peer)
	conn.SetConnectionCallback(c.connectionCallback)
	conn.SetMessageCallback(c.messageCallback)
	conn.SetWriteCompleteCallback(c.writeCompleteCallback)
	conn.SetCloseCallback(c.removeConnection)

	c.mu.Lock()
	c.connection = conn
	c.mu.Unlock()

	conn.connectEstablished()
}

func (c *TcpClient) removeConnection(conn *TcpConnection) {
	c.loop.assertInLoopThread()
	c.mu.Lock()
	if c.connection == conn {
		c.connection = nil
	}
	c.mu.Unlock()

	conn.Loop().QueueInLoop(conn.connectDestroyed)
	if c.retry && c.connect {
		c.connector.Restart()
	}
}
