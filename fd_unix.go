//go:build linux || darwin

package fiberloop

import (
	"errors"

	"golang.org/x/sys/unix"
)

// closeFD closes a file descriptor on Unix systems.
func closeFD(fd int) error {
	return unix.Close(fd)
}

// readFD reads from a file descriptor on Unix systems.
func readFD(fd int, buf []byte) (int, error) {
	return unix.Read(fd, buf)
}

// writeFD writes to a file descriptor on Unix systems.
func writeFD(fd int, buf []byte) (int, error) {
	return unix.Write(fd, buf)
}

// isEINTR reports whether err is a syscall interrupted by a signal, the
// one poller error every platform loop must retry rather than surface.
func isEINTR(err error) bool {
	return errors.Is(err, unix.EINTR)
}
