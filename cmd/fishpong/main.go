// Command fishpong is a minimal echo server and client over fishnet,
// mirroring the teacher's examples/simple usage and the original
// fishnet pingpong example: the server bounces every received buffer
// straight back to its sender.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/zLimbo/fishnet/base"
	"github.com/zLimbo/fishnet/net"
)

func main() {
	mode := flag.String("mode", "server", "server or client")
	addr := flag.String("addr", "127.0.0.1", "listen/dial address")
	port := flag.Uint("port", 9527, "listen/dial port")
	threads := flag.Int("threads", 0, "server I/O thread count (0 = single-threaded)")
	flag.Parse()

	switch *mode {
	case "server":
		runServer(*addr, uint16(*port), *threads)
	case "client":
		runClient(*addr, uint16(*port))
	default:
		fmt.Fprintf(os.Stderr, "fishpong: unknown -mode %q (want server or client)\n", *mode)
		os.Exit(1)
	}
}

func runServer(addr string, port uint16, threads int) {
	loop := net.NewEventLoop()
	ip, err := net.NewInetAddressHostPort(addr, port)
	if err != nil {
		net.Logger.Fatalw("fishpong: bad listen address", "err", err)
	}

	server := net.NewTcpServer(loop, "fishpong", ip)
	server.SetThreadNum(threads)
	server.SetConnectionCallback(func(conn *net.TcpConnection) {
		if conn.Connected() {
			net.Logger.Infow("fishpong: connection up", "name", conn.Name(), "peer", conn.PeerAddress().String())
		} else {
			net.Logger.Infow("fishpong: connection down", "name", conn.Name())
		}
	})
	server.SetMessageCallback(func(conn *net.TcpConnection, buf *net.Buffer, _ base.Timestamp) {
		conn.Send(buf.RetrieveAllAsBytes())
	})

	server.Start()
	loop.Loop()
}

func runClient(addr string, port uint16) {
	loop := net.NewEventLoop()
	ip, err := net.NewInetAddressHostPort(addr, port)
	if err != nil {
		net.Logger.Fatalw("fishpong: bad server address", "err", err)
	}

	client := net.NewTcpClient(loop, ip, "fishpong-client")
	client.SetConnectionCallback(func(conn *net.TcpConnection) {
		if conn.Connected() {
			conn.SendString("PING\n")
		} else {
			loop.Quit()
		}
	})
	client.SetMessageCallback(func(conn *net.TcpConnection, buf *net.Buffer, _ base.Timestamp) {
		fmt.Print(buf.RetrieveAllAsString())
		conn.Shutdown()
	})

	client.Connect()
	loop.Loop()
}
