package net

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/zLimbo/fishnet/base"
)

// startEchoServer brings up a TcpServer bouncing every received buffer
// back to its sender, running its own EventLoop on a dedicated
// goroutine, and returns the bound address plus a shutdown func.
func startEchoServer(t *testing.T, threadNum int) (InetAddress, func()) {
	t.Helper()
	loop := NewEventLoop()
	addr := NewInetAddress(0, true, false)
	server := NewTcpServer(loop, "test-echo", addr)
	server.SetThreadNum(threadNum)
	server.SetMessageCallback(func(conn *TcpConnection, buf *Buffer, _ base.Timestamp) {
		conn.Send(buf.RetrieveAllAsBytes())
	})

	done := make(chan struct{})
	loop.RunAfter(0, func() {
		server.Start()
		close(done)
	})
	go loop.Loop()
	<-done
	// give the acceptor a moment to actually bind+listen on loop thread
	time.Sleep(20 * time.Millisecond)

	bound := InetAddress{}
	loop.RunInLoop(func() {
		bound = localAddrOf(server.acceptor.listenFD)
	})
	time.Sleep(20 * time.Millisecond)

	return bound, func() { loop.Quit() }
}

func TestTcpEchoRoundTrip(t *testing.T) {
	addr, stop := startEchoServer(t, 0)
	defer stop()

	clientLoop := NewEventLoop()
	client := NewTcpClient(clientLoop, addr, "test-client")

	received := make(chan string, 1)
	client.SetConnectionCallback(func(conn *TcpConnection) {
		if conn.Connected() {
			conn.SendString("hello fishnet")
		}
	})
	client.SetMessageCallback(func(conn *TcpConnection, buf *Buffer, _ base.Timestamp) {
		received <- buf.RetrieveAllAsString()
		clientLoop.Quit()
	})
	client.Connect()

	doneLooping := make(chan struct{})
	go func() { clientLoop.Loop(); close(doneLooping) }()

	select {
	case msg := <-received:
		require.Equal(t, "hello fishnet", msg)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
	<-doneLooping
}

func TestTcpMultiConnectionFanout(t *testing.T) {
	const numClients = 8
	addr, stop := startEchoServer(t, 4)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(numClients)
	for i := 0; i < numClients; i++ {
		go func(i int) {
			defer wg.Done()
			loop := NewEventLoop()
			client := NewTcpClient(loop, addr, "fanout-client")
			payload := "ping"
			client.SetConnectionCallback(func(conn *TcpConnection) {
				if conn.Connected() {
					conn.SendString(payload)
				}
			})
			client.SetMessageCallback(func(conn *TcpConnection, buf *Buffer, _ base.Timestamp) {
				if buf.RetrieveAllAsString() == payload {
					loop.Quit()
				}
			})
			client.Connect()
			loop.Loop()
		}(i)
	}

	ok := make(chan struct{})
	go func() { wg.Wait(); close(ok) }()
	select {
	case <-ok:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for all fanout clients")
	}
}

func TestTcpGracefulShutdown(t *testing.T) {
	addr, stop := startEchoServer(t, 0)
	defer stop()

	loop := NewEventLoop()
	client := NewTcpClient(loop, addr, "shutdown-client")

	disconnected := make(chan struct{})
	client.SetConnectionCallback(func(conn *TcpConnection) {
		if conn.Connected() {
			conn.SendString("BYE")
		} else {
			close(disconnected)
		}
	})
	client.SetMessageCallback(func(conn *TcpConnection, buf *Buffer, _ base.Timestamp) {
		buf.RetrieveAllAsString()
		conn.Shutdown()
	})
	client.Connect()

	go loop.Loop()
	select {
	case <-disconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for graceful disconnect")
	}
	loop.Quit()
}

// TestTcpConnectionHighWaterMarkEdgeTriggered drives a TcpConnection
// over a socket pair with its channel forced into the buffering write
// path, so crossing the high-water-mark is deterministic regardless of
// the kernel's actual socket buffer size. The callback must fire
// exactly once per upward crossing, not once per Send while already
// above the threshold.
func TestTcpConnectionHighWaterMarkEdgeTriggered(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))

	loop := NewEventLoop()
	conn := NewTcpConnection(loop, "hwm-test", fds[0], InetAddress{}, InetAddress{})

	const highWaterMark = 1024
	var crossings atomic.Int32
	conn.SetHighWaterMarkCallback(func(*TcpConnection, int) {
		crossings.Add(1)
	}, highWaterMark)

	loop.RunInLoop(func() {
		conn.connectEstablished()
		// Force the slow (buffering) path: with the channel already
		// marked writing, sendInLoop always appends to outputBuffer
		// instead of attempting a direct write(2), making the
		// high-water-mark crossing deterministic regardless of the
		// kernel's actual socket buffer size.
		conn.channel.EnableWriting()
		chunk := make([]byte, highWaterMark+1)
		conn.sendInLoop(chunk) // crosses: 0 -> 1025, fires once
		conn.sendInLoop(chunk) // stays above: must not fire again
		// Loop clears an earlier Quit on entry, so quit from a queued
		// task that runs after the high-water-mark callback.
		loop.QueueInLoop(loop.Quit)
	})
	loop.Loop()

	require.Equal(t, int32(1), crossings.Load())
	unix.Close(fds[1])
}
