//go:build darwin

package fiberloop

import (
	"time"

	"golang.org/x/sys/unix"
)

// kqueuePoller implements poller on Darwin using kqueue, with a
// non-blocking self-pipe for waking a blocked kevent call. Grounded on the
// teacher's kqueue reactor: EV_CLEAR for edge-triggered semantics, separate
// EVFILT_READ/EVFILT_WRITE registrations per fd since kqueue has no single
// combined read+write filter the way epoll does.
type kqueuePoller struct {
	kq         int
	wakeReadFd int
	wakeWriteFd int
}

func newPoller() (poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, NewSyscallFault("kqueue", err)
	}
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		_ = unix.Close(kq)
		return nil, NewSyscallFault("pipe", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		_ = unix.Close(kq)
		return nil, NewSyscallFault("fcntl(O_NONBLOCK)", err)
	}
	p := &kqueuePoller{kq: kq, wakeReadFd: fds[0], wakeWriteFd: fds[1]}
	_, err = unix.Kevent(kq, []unix.Kevent_t{{
		Ident:  uint64(fds[0]),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil)
	if err != nil {
		_ = p.close()
		return nil, NewSyscallFault("kevent(wake)", err)
	}
	return p, nil
}

func (p *kqueuePoller) changeFor(fd int, events Event, flag uint16) []unix.Kevent_t {
	var changes []unix.Kevent_t
	if events&EventRead != 0 {
		changes = append(changes, unix.Kevent_t{
			Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flag | unix.EV_CLEAR,
		})
	}
	if events&EventWrite != 0 {
		changes = append(changes, unix.Kevent_t{
			Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flag | unix.EV_CLEAR,
		})
	}
	return changes
}

func (p *kqueuePoller) add(fd int, events Event) error {
	changes := p.changeFor(fd, events, unix.EV_ADD)
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return NewSyscallFault("kevent(add)", err)
}

// modify on kqueue re-applies EV_ADD for the desired bits and EV_DELETE for
// whichever filter is no longer wanted; kqueue has no direct "replace mask"
// operation like epoll_ctl(MOD).
func (p *kqueuePoller) modify(fd int, events Event) error {
	var changes []unix.Kevent_t
	if events&EventRead != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_CLEAR})
	} else {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
	}
	if events&EventWrite != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_CLEAR})
	} else {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
	}
	// EV_DELETE on a filter that was never added returns ENOENT; harmless.
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	if err != nil && err != unix.ENOENT {
		return NewSyscallFault("kevent(modify)", err)
	}
	return nil
}

func (p *kqueuePoller) remove(fd int) error {
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	if err != nil && err != unix.ENOENT {
		return NewSyscallFault("kevent(remove)", err)
	}
	return nil
}

func (p *kqueuePoller) wait(timeout time.Duration) ([]readyEvent, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	var raw [128]unix.Kevent_t
	n, err := unix.Kevent(p.kq, nil, raw[:], ts)
	if err != nil {
		return nil, NewSyscallFault("kevent(wait)", err)
	}
	byFd := make(map[int]Event, n)
	for i := 0; i < n; i++ {
		fd := int(raw[i].Ident)
		if fd == p.wakeReadFd {
			var buf [512]byte
			for {
				nRead, _ := unix.Read(p.wakeReadFd, buf[:])
				if nRead <= 0 {
					break
				}
			}
			continue
		}
		switch raw[i].Filter {
		case unix.EVFILT_READ:
			byFd[fd] |= EventRead
		case unix.EVFILT_WRITE:
			byFd[fd] |= EventWrite
		}
	}
	events := make([]readyEvent, 0, len(byFd))
	for fd, e := range byFd {
		events = append(events, readyEvent{fd: fd, events: e})
	}
	return events, nil
}

func (p *kqueuePoller) wake() {
	one := [1]byte{1}
	_, _ = unix.Write(p.wakeWriteFd, one[:])
}

func (p *kqueuePoller) close() error {
	err1 := unix.Close(p.wakeReadFd)
	err2 := unix.Close(p.wakeWriteFd)
	err3 := unix.Close(p.kq)
	for _, err := range []error{err1, err2, err3} {
		if err != nil {
			return NewSyscallFault("close(kqueue)", err)
		}
	}
	return nil
}
