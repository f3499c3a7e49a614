//go:build linux || darwin

// Command tcpecho is a minimal echo server exercising fiberloop's
// IOManager end to end: one fiber accepts connections, one fiber per
// connection echoes bytes back until the peer closes or errors.
//
// Grounded on the original source's examples/echo_tcp_server.cc: a fixed
// worker-pool IOManager, one scheduled "run" fiber that binds and starts
// serving, and a per-connection handler looping recv/echo until EOF or
// error. Socket setup here goes straight to golang.org/x/sys/unix rather
// than net.Listen/net.Dial, since registering the same fd with both this
// package's own epoll and the Go runtime's built-in netpoller (which is
// what owns the fd behind any net.Conn) would have the two reactors
// fighting over the same edge-triggered readiness notifications.
package main

import (
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-fiberloop"
)

var logger = fiberloop.NewSlogLogger(slog.Default().Handler())

func main() {
	addr := flag.String("addr", "0.0.0.0:8020", "address to listen on")
	workers := flag.Int("workers", 2, "reactor worker count")
	flag.Parse()

	io, err := fiberloop.NewIOManager(fiberloop.Config{
		Name:    "tcpecho",
		Workers: *workers,
		Logger:  logger,
	})
	if err != nil {
		slog.Error("creating io manager", "error", err)
		os.Exit(1)
	}
	if err := io.Start(); err != nil {
		slog.Error("starting io manager", "error", err)
		os.Exit(1)
	}

	listenFd, err := listenTCP(*addr)
	if err != nil {
		slog.Error("listening", "addr", *addr, "error", err)
		os.Exit(1)
	}

	io.Schedule(func() { acceptLoop(io, listenFd) }, fiberloop.AnyThread)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	_ = unix.Close(listenFd)
	_ = io.Close()
}

// resolveTCPAddr parses a "host:port" string into the sockaddr shape
// unix.Bind expects, relying on net only for the parsing and DNS lookup,
// never for socket ownership.
func resolveTCPAddr(addr string) (unix.Sockaddr, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, err
	}
	var ip [4]byte
	copy(ip[:], tcpAddr.IP.To4())
	return &unix.SockaddrInet4{Port: tcpAddr.Port, Addr: ip}, nil
}

func listenTCP(addr string) (int, error) {
	sockAddr, err := resolveTCPAddr(addr)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fiberloop.NewSyscallFault("socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sockAddr); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 128); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// acceptLoop runs forever on its own fiber: accept4 in a tight loop,
// falling back to IOManager.WaitFor(EventRead) whenever the listener has
// nothing pending. Each accepted connection is handed to its own fiber.
func acceptLoop(io *fiberloop.IOManager, listenFd int) {
	for {
		connFd, _, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				if waitErr := io.WaitFor(listenFd, fiberloop.EventRead); waitErr != nil {
					logger.Err().Str("where", "acceptLoop").Any("error", waitErr).Log("wait failed, aborting accept loop")
					return
				}
				continue
			}
			logger.Err().Str("where", "acceptLoop").Any("error", err).Log("accept failed")
			return
		}
		io.Schedule(func() { handleConn(io, connFd) }, fiberloop.AnyThread)
	}
}

// handleConn echoes every byte read back to the peer until it closes the
// connection or an unrecoverable error occurs.
func handleConn(io *fiberloop.IOManager, fd int) {
	defer func() { _ = unix.Close(fd) }()

	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		switch {
		case n == 0 && err == nil:
			return
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			if waitErr := io.WaitFor(fd, fiberloop.EventRead); waitErr != nil {
				return
			}
			continue
		case err != nil:
			return
		}

		if err := writeAll(io, fd, buf[:n]); err != nil {
			return
		}
	}
}

func writeAll(io *fiberloop.IOManager, fd int, data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		switch {
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			if waitErr := io.WaitFor(fd, fiberloop.EventWrite); waitErr != nil {
				return waitErr
			}
			continue
		case err != nil:
			return err
		}
		data = data[n:]
	}
	return nil
}
