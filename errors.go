// Package fiberloop provides error types matching the four fault categories
// of the scheduler: programmer faults, system-call failures, fiber faults,
// and out-of-range operations.
package fiberloop

import (
	"errors"
	"fmt"
)

// ProgrammerFault indicates a violated precondition: double-registering an
// event on a fd, resetting a fiber that isn't INIT/TERM/EXCEPT, calling Stop
// from the wrong thread when UseCaller is set, and similar programming bugs.
//
// A ProgrammerFault is returned to the caller as an error (from Fiber.Reset,
// Fiber.Resume, IOManager.AddEvent and IOManager.WaitFor); the package does
// not log it and does not terminate the process. The one exception is the
// run loop, which panics with the fault if a pooled fiber cannot be reset.
type ProgrammerFault struct {
	Op      string
	Message string
}

func (e *ProgrammerFault) Error() string {
	return fmt.Sprintf("fiberloop: programmer fault in %s: %s", e.Op, e.Message)
}

// NewProgrammerFault constructs a ProgrammerFault for the named operation.
func NewProgrammerFault(op, message string) *ProgrammerFault {
	return &ProgrammerFault{Op: op, Message: message}
}

// SyscallFault wraps a failed system call (epoll_ctl, pipe, socket, ...).
// No failure of this kind aborts the process: NewIOManager returns a
// poller-creation failure to its caller, AddEvent returns a registration
// failure without logging it, DelEvent/CancelEvent/CancelAll discard poller
// errors, and only poll failures inside IOManager.Idle are logged
// (rate-limited).
type SyscallFault struct {
	Syscall string
	Err     error
}

func (e *SyscallFault) Error() string {
	return fmt.Sprintf("fiberloop: %s: %s", e.Syscall, e.Err)
}

func (e *SyscallFault) Unwrap() error { return e.Err }

// NewSyscallFault wraps err as a SyscallFault for the named syscall. Returns
// nil if err is nil, so call sites can write `return NewSyscallFault(...)`
// unconditionally after a syscall.
func NewSyscallFault(syscall string, err error) error {
	if err == nil {
		return nil
	}
	return &SyscallFault{Syscall: syscall, Err: err}
}

// FiberFault records a panic recovered from a fiber's closure. The fiber's
// state is set to EXCEPT and it is discarded; there is no automatic retry.
type FiberFault struct {
	FiberID uint64
	Value   any
	Stack   []byte
}

func (e *FiberFault) Error() string {
	return fmt.Sprintf("fiberloop: fiber %d faulted: %v", e.FiberID, e.Value)
}

// Unwrap returns the recovered value if it is itself an error, enabling
// errors.Is/errors.As to see through to the original cause.
func (e *FiberFault) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// WrapError wraps an error with a message, preserving the chain for
// errors.Is/errors.As.
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}

// IsProgrammerFault, IsSyscallFault and IsFiberFault report whether err is
// (or wraps) a ProgrammerFault, SyscallFault, or FiberFault respectively. Provided for symmetry with the stdlib errors
// package's conventions; direct errors.As works equally well.
func IsProgrammerFault(err error) bool {
	var e *ProgrammerFault
	return errors.As(err, &e)
}

func IsSyscallFault(err error) bool {
	var e *SyscallFault
	return errors.As(err, &e)
}

func IsFiberFault(err error) bool {
	var e *FiberFault
	return errors.As(err, &e)
}
