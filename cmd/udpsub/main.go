// Command udpsub is a small client for exercising a broadcast-mode relay:
// it subscribes to the given subscriber socket, keeps the subscription alive
// with heartbeats and prints every datagram it receives.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9000", "relay subscriber address")
	heartbeat := flag.Duration("heartbeat", 30*time.Second, "heartbeat interval")
	flag.Parse()

	if err := run(*addr, *heartbeat); err != nil {
		fmt.Fprintln(os.Stderr, "udpsub:", err)
		os.Exit(1)
	}
}

func run(addr string, heartbeat time.Duration) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("SUBSCRIBE")); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for range ticker.C {
			conn.Write([]byte("HEARTBEAT"))
		}
	}()

	go func() {
		buf := make([]byte, 65536)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			fmt.Printf("%s %s\n", time.Now().Format(time.TimeOnly), buf[:n])
		}
	}()

	<-sig
	// Best effort: tell the relay we are leaving.
	conn.Write([]byte("UNSUBSCRIBE"))
	conn.SetReadDeadline(time.Now().Add(time.Second))
	return nil
}
