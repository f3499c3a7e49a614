//go:build linux

package fiberloop

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller implements poller on Linux using epoll in edge-triggered
// mode, with an eventfd for waking a blocked epoll_wait. Grounded on the
// teacher's epoll-based reactor: EPOLLET everywhere, one eventfd consumed
// per wake rather than per-event, and fd-to-event translation split into
// small pure helpers for testability.
type epollPoller struct {
	epfd   int
	wakeFd int
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, NewSyscallFault("epoll_create1", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, NewSyscallFault("eventfd", err)
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFd),
	}); err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(epfd)
		return nil, NewSyscallFault("epoll_ctl(wake)", err)
	}
	return &epollPoller{epfd: epfd, wakeFd: wakeFd}, nil
}

func eventsToEpoll(e Event) uint32 {
	var out uint32 = unix.EPOLLET
	if e&EventRead != 0 {
		out |= unix.EPOLLIN
	}
	if e&EventWrite != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func epollToEvents(e uint32) Event {
	var out Event
	if e&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		out |= EventRead
	}
	if e&(unix.EPOLLOUT|unix.EPOLLERR) != 0 {
		out |= EventWrite
	}
	return out
}

func (p *epollPoller) add(fd int, events Event) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	})
	return NewSyscallFault("epoll_ctl(add)", err)
}

func (p *epollPoller) modify(fd int, events Event) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	})
	return NewSyscallFault("epoll_ctl(mod)", err)
}

func (p *epollPoller) remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	return NewSyscallFault("epoll_ctl(del)", err)
}

func (p *epollPoller) wait(timeout time.Duration) ([]readyEvent, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	var raw [128]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, raw[:], ms)
	if err != nil {
		return nil, NewSyscallFault("epoll_wait", err)
	}
	events := make([]readyEvent, 0, n)
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		if fd == p.wakeFd {
			var buf [8]byte
			_, _ = unix.Read(p.wakeFd, buf[:])
			continue
		}
		events = append(events, readyEvent{fd: fd, events: epollToEvents(raw[i].Events)})
	}
	return events, nil
}

func (p *epollPoller) wake() {
	one := [8]byte{0, 0, 0, 0, 0, 0, 0, 1}
	_, _ = unix.Write(p.wakeFd, one[:])
}

func (p *epollPoller) close() error {
	err1 := unix.Close(p.wakeFd)
	err2 := unix.Close(p.epfd)
	if err1 != nil {
		return NewSyscallFault("close(eventfd)", err1)
	}
	if err2 != nil {
		return NewSyscallFault("close(epoll)", err2)
	}
	return nil
}
