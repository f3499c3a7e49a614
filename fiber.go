package fiberloop

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// State is a Fiber's lifecycle state.
type State int32

const (
	// StateInit is the state of a newly allocated or freshly Reset fiber.
	StateInit State = iota
	// StateReady means the fiber is in the scheduler's ready queue awaiting
	// its next resume.
	StateReady
	// StateExec means the fiber is the one currently running on its worker.
	StateExec
	// StateHold means the fiber voluntarily suspended outside the ready
	// queue (parked on a timer, an fd registration, or some other external
	// condition) and must be explicitly re-scheduled.
	StateHold
	// StateTerm means the fiber's closure returned normally.
	StateTerm
	// StateExcept means the fiber's closure panicked; the panic value and a
	// stack trace were captured on the Fiber.
	StateExcept
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateExec:
		return "EXEC"
	case StateHold:
		return "HOLD"
	case StateTerm:
		return "TERM"
	case StateExcept:
		return "EXCEPT"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var fiberIDSeq atomic.Uint64

// Fiber is a stackful-semantics coroutine: a closure, a state, and a saved
// point of execution it can be suspended from and resumed into.
//
// Go has no ucontext-equivalent register/stack-switch primitive in its
// standard library, and nothing in the example corpus implements one (the
// one VM-backed eventloop in the retrieval pack runs an actual script
// engine instead of switching native stacks). Rather than hand-roll
// assembly context switching, a Fiber is backed by a single persistent
// goroutine, handed control via a pair of unbuffered rendezvous channels:
// Resume sends on resumeCh and blocks on yieldCh; the fiber's goroutine,
// wherever it is blocked (possibly many stack frames deep inside the
// user's closure), receives on resumeCh and sends on yieldCh at exactly the
// point it last yielded. This is the same suspend-at-arbitrary-depth
// property the spec's Context.swap gives a stackful coroutine, built from
// Go's own M:N goroutine scheduler instead of reimplementing one.
type Fiber struct {
	id          uint64
	stackSize   int
	callerOwned bool

	state atomic.Int32

	resumeCh chan struct{}
	yieldCh  chan struct{}
	started  atomic.Bool

	closureMu sync.Mutex
	closure   func()

	fault *FiberFault

	// scheduler/hooks record which Scheduler (or IOManager, via hooks) most
	// recently resumed this fiber, so code running inside the fiber's
	// closure can call CurrentScheduler/CurrentIOManager with no arguments,
	// matching the spec's GetThis() contract.
	scheduler *Scheduler
	hooks     SchedulerHooks
}

// NewFiber allocates a fiber around closure. stackSize is advisory only
// (see Config.StackSize); callerOwned marks a fiber that switches against a
// thread's bootstrap frame rather than a worker's scheduling loop.
func NewFiber(closure func(), stackSize int, callerOwned bool) *Fiber {
	f := &Fiber{
		id:          fiberIDSeq.Add(1),
		stackSize:   stackSize,
		callerOwned: callerOwned,
		closure:     closure,
		resumeCh:    make(chan struct{}),
		yieldCh:     make(chan struct{}),
	}
	f.state.Store(int32(StateInit))
	return f
}

// ID returns the fiber's monotonically increasing identifier.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// Fault returns the captured panic, if the fiber last terminated via
// StateExcept. Returns nil otherwise.
func (f *Fiber) Fault() *FiberFault { return f.fault }

// Reset rebinds the fiber to a new closure, reusing its goroutine. Requires
// state to be INIT, TERM, or EXCEPT; returns a *ProgrammerFault otherwise.
func (f *Fiber) Reset(closure func()) error {
	switch f.State() {
	case StateInit, StateTerm, StateExcept:
	default:
		return NewProgrammerFault("Fiber.Reset", fmt.Sprintf("fiber %d cannot be reset from state %s", f.id, f.State()))
	}
	f.closureMu.Lock()
	f.closure = closure
	f.closureMu.Unlock()
	f.fault = nil
	f.state.Store(int32(StateInit))
	return nil
}

// bind records which scheduler/hooks are resuming this fiber, readable from
// inside the fiber's own closure via CurrentScheduler/CurrentIOManager.
func (f *Fiber) bind(sched *Scheduler, hooks SchedulerHooks) {
	f.scheduler = sched
	f.hooks = hooks
}

// Resume switches control from the calling goroutine into the fiber,
// blocking until the fiber yields or terminates. Preconditions: the fiber
// must not already be in StateExec.
func (f *Fiber) Resume() error {
	if f.State() == StateExec {
		return NewProgrammerFault("Fiber.Resume", fmt.Sprintf("fiber %d is already executing", f.id))
	}
	if f.started.CompareAndSwap(false, true) {
		go f.spin()
	}
	f.state.Store(int32(StateExec))
	f.resumeCh <- struct{}{}
	<-f.yieldCh
	return nil
}

// Call switches control from the calling goroutine into the fiber, exactly
// like Resume. It is the entry point a UseCaller consumer uses to drive a
// callerOwned bootstrap fiber obtained from Scheduler.CallerFiber by hand,
// outside of the scheduler's own ready-queue-driven run loop.
func (f *Fiber) Call() error {
	return f.Resume()
}

// Back suspends a callerOwned fiber, handing control back to whatever Call
// invocation is waiting on it, to be resumed by a later Call. Must be
// called from inside the fiber's own closure; equivalent to YieldToHold,
// named separately to match the call/return vocabulary a UseCaller
// consumer manually driving its bootstrap fiber expects.
func (f *Fiber) Back() { f.Yield(StateHold) }

// spin is the fiber's persistent goroutine body. It registers itself as
// "current" for this goroutine exactly once (the goroutine, and therefore
// the goroutine-local current-fiber entry, outlives any number of Reset
// cycles), then loops: wait to be resumed, run the trampoline to
// completion (which internally parks on resumeCh/yieldCh at every
// Yield call), report completion, and wait for the next resume (which only
// arrives if the fiber is Reset and resubmitted).
func (f *Fiber) spin() {
	registerCurrentFiber(f)
	defer unregisterCurrentFiber()
	for range f.resumeCh {
		f.trampoline()
		f.yieldCh <- struct{}{}
	}
}

// trampoline invokes the stored closure under a panic guard, setting TERM
// or EXCEPT on the way out. Per the spec, the trampoline's final action is
// conceptually a yield that must not return to ordinary control flow: here
// that is simply the enclosing spin loop going back to wait on resumeCh.
func (f *Fiber) trampoline() {
	f.closureMu.Lock()
	closure := f.closure
	f.closureMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			f.fault = &FiberFault{FiberID: f.id, Value: r, Stack: buf[:n]}
			f.state.Store(int32(StateExcept))
			return
		}
	}()

	closure()
	f.state.Store(int32(StateTerm))
}

// Yield suspends the fiber, switching control back to whatever goroutine
// called Resume, and sets the fiber's state to target (StateHold or
// StateReady). Must be called from inside the fiber's own closure.
func (f *Fiber) Yield(target State) {
	f.state.Store(int32(target))
	f.yieldCh <- struct{}{}
	<-f.resumeCh
}

// YieldToHold parks the fiber outside the ready queue; some external event
// (timer, I/O completion, manual reschedule) must resume it later.
func (f *Fiber) YieldToHold() { f.Yield(StateHold) }

// YieldToReady cooperatively gives up the worker, asking to be placed back
// onto the ready queue immediately.
func (f *Fiber) YieldToReady() { f.Yield(StateReady) }

// ---- goroutine-local "current fiber" ----
//
// GetThis()-style APIs in the spec are thread-local; our unit of execution
// is a goroutine (one per live Fiber), not an OS thread, so "current" is
// tracked per goroutine instead. Go has no native goroutine-local storage;
// this uses the well-known trick of parsing the goroutine ID out of a
// runtime.Stack header, same technique used by goroutine-local-storage
// libraries in the wider ecosystem (e.g. jtolio/gls). It is set exactly
// once per fiber goroutine (at spin-up) and cleared when that goroutine
// exits, so the lookup cost is paid only by code that calls GetThis/
// CurrentFiber, never by Resume/Yield themselves.
var currentFibers sync.Map // goroutine id (uint64) -> *Fiber

func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if idx := bytes.IndexByte(b, ' '); idx >= 0 {
		b = b[:idx]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

func registerCurrentFiber(f *Fiber) {
	currentFibers.Store(goroutineID(), f)
}

func unregisterCurrentFiber() {
	currentFibers.Delete(goroutineID())
}

// CurrentFiber returns the fiber currently executing on the calling
// goroutine, or nil if the caller is not running inside a fiber's closure.
func CurrentFiber() *Fiber {
	if v, ok := currentFibers.Load(goroutineID()); ok {
		return v.(*Fiber)
	}
	return nil
}

// SetCurrentFiber overrides the calling goroutine's current-fiber entry,
// for code that drives a fiber's closure from a goroutine spin didn't set
// up itself (e.g. a callerOwned bootstrap fiber's closure invoked other
// than through spin). Pass nil to clear the entry.
func SetCurrentFiber(f *Fiber) {
	if f == nil {
		unregisterCurrentFiber()
		return
	}
	registerCurrentFiber(f)
}

// TotalFibers returns the number of fibers ever allocated via NewFiber,
// process-wide. Monotonically increasing; never decremented on Fiber
// termination or Reset.
func TotalFibers() int64 { return int64(fiberIDSeq.Load()) }

// CurrentScheduler returns the Scheduler that most recently resumed the
// currently executing fiber, or nil outside a fiber's closure.
func CurrentScheduler() *Scheduler {
	if f := CurrentFiber(); f != nil {
		return f.scheduler
	}
	return nil
}

// CurrentIOManager returns the IOManager that most recently resumed the
// currently executing fiber, matching the socket/hook layer's
// IOManager.GetThis() contract. Returns nil if the current scheduler is a
// plain Scheduler rather than an IOManager, or outside a fiber's closure.
func CurrentIOManager() *IOManager {
	if f := CurrentFiber(); f != nil {
		if io, ok := f.hooks.(*IOManager); ok {
			return io
		}
	}
	return nil
}
