//go:build windows

package fiberloop

import (
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/windows"
)

// iocpPoller implements poller on Windows using an I/O completion port.
// Grounded directly on the teacher's FastPoller (poller_windows.go): a
// single IOCP handle, a throwaway TCP socket associated with the port
// purely so PostQueuedCompletionStatus has somewhere to deliver a wake
// packet, and GetQueuedCompletionStatus as the wait primitive.
//
// IOCP is a completion-notification model, not a readiness model: a real
// production binding would post overlapped WSARecv/WSASend calls per fd and
// report completions, not readiness. Wiring that up needs the actual
// socket handles at the WSARecv/WSASend call sites, which this package's
// fd-oriented AddEvent/DelEvent API does not have visibility into. Matching
// the teacher's own admitted simplification (dispatchEvents' "simplified
// implementation" comment), this poller instead treats any non-wake
// completion as "something may be ready" and reports every currently
// registered fd, relying on the caller's own non-blocking read/write
// (EWOULDBLOCK) to discover a false-positive and re-register via
// IOManager.AddEvent.
type iocpPoller struct {
	iocp     windows.Handle
	wakeSock windows.Socket

	mu  sync.Mutex
	fds map[int]Event
}

func newPoller() (poller, error) {
	iocp, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, NewSyscallFault("CreateIoCompletionPort", err)
	}

	wakeSock, err := windows.Socket(windows.AF_INET, windows.SOCK_STREAM, windows.IPPROTO_TCP)
	if err != nil {
		_ = windows.CloseHandle(iocp)
		return nil, NewSyscallFault("socket(wake)", err)
	}
	if _, err := windows.CreateIoCompletionPort(windows.Handle(wakeSock), iocp, 0, 0); err != nil {
		_ = windows.Closesocket(wakeSock)
		_ = windows.CloseHandle(iocp)
		return nil, NewSyscallFault("CreateIoCompletionPort(wake)", err)
	}

	return &iocpPoller{
		iocp:     iocp,
		wakeSock: wakeSock,
		fds:      make(map[int]Event),
	}, nil
}

func (p *iocpPoller) add(fd int, events Event) error {
	if _, err := windows.CreateIoCompletionPort(windows.Handle(fd), p.iocp, 0, 0); err != nil {
		return NewSyscallFault("CreateIoCompletionPort(fd)", err)
	}
	p.mu.Lock()
	p.fds[fd] = events
	p.mu.Unlock()
	return nil
}

func (p *iocpPoller) modify(fd int, events Event) error {
	p.mu.Lock()
	p.fds[fd] = events
	p.mu.Unlock()
	return nil
}

func (p *iocpPoller) remove(fd int) error {
	p.mu.Lock()
	delete(p.fds, fd)
	p.mu.Unlock()
	// Closing the underlying handle is what actually detaches it from the
	// completion port; nothing further to do here.
	return nil
}

func (p *iocpPoller) wait(timeout time.Duration) ([]readyEvent, error) {
	var timeoutMS uint32 = windows.INFINITE
	if timeout >= 0 {
		timeoutMS = uint32(timeout / time.Millisecond)
	}

	var bytes uint32
	var key uintptr
	var overlapped *windows.Overlapped
	err := windows.GetQueuedCompletionStatus(p.iocp, &bytes, &key, &overlapped, timeoutMS)
	if err != nil {
		if errno, ok := err.(syscall.Errno); ok {
			if errno == windows.WAIT_TIMEOUT {
				return nil, nil
			}
			if errno == windows.ERROR_ABANDONED_WAIT_0 || errno == windows.ERROR_INVALID_HANDLE {
				return nil, nil
			}
		}
		return nil, NewSyscallFault("GetQueuedCompletionStatus", err)
	}
	if overlapped == nil {
		// Wake-up packet posted by wake(); nothing to report.
		return nil, nil
	}

	p.mu.Lock()
	events := make([]readyEvent, 0, len(p.fds))
	for fd, e := range p.fds {
		events = append(events, readyEvent{fd: fd, events: e})
	}
	p.mu.Unlock()
	return events, nil
}

func (p *iocpPoller) wake() {
	_ = windows.PostQueuedCompletionStatus(p.iocp, 0, 0, nil)
}

func (p *iocpPoller) close() error {
	err1 := windows.Closesocket(p.wakeSock)
	err2 := windows.CloseHandle(p.iocp)
	if err1 != nil {
		return NewSyscallFault("closesocket", err1)
	}
	if err2 != nil {
		return NewSyscallFault("CloseHandle", err2)
	}
	return nil
}
