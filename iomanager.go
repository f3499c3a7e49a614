package fiberloop

import (
	"fmt"
	"sync"
	"time"
)

// EventHandler is what fires when a registered fd becomes ready: either a
// plain closure, or a parked fiber to be resumed. Exactly one of the two is
// set.
type EventHandler struct {
	closure    func()
	fiber      *Fiber
	threadHint int
}

func (h EventHandler) fire(s *Scheduler) {
	if h.fiber != nil {
		s.ScheduleFiber(h.fiber, h.threadHint)
		return
	}
	if h.closure != nil {
		s.Schedule(h.closure, h.threadHint)
	}
}

// fdContext tracks the registered handlers for a single fd, one slot per
// Event bit. Grounded on the source's per-fd event context pairing a
// scheduler reference with either a coroutine or a raw callback.
type fdContext struct {
	mask  Event
	read  *EventHandler
	write *EventHandler
}

func (c *fdContext) slot(event Event) **EventHandler {
	if event == EventRead {
		return &c.read
	}
	return &c.write
}

// IOManager extends Scheduler with timer and fd-readiness scheduling: an
// epoll/kqueue/IOCP-equivalent reactor that runs as the worker pool's Idle
// implementation. Grounded on the teacher's reactor-as-idle-hook structure:
// rather than a dedicated poller goroutine, any worker that finds the ready
// queue empty becomes the one that polls, amortizing the reactor cost
// across the whole pool instead of a single dedicated thread.
type IOManager struct {
	*Scheduler
	*TimerManager

	poller poller

	mu  sync.Mutex
	fds map[int]*fdContext

	pollMu sync.Mutex // serializes concurrent Idle callers' poll calls
}

// NewIOManager builds a Scheduler plus reactor from cfg. The worker pool is
// not started; call Start (inherited from Scheduler) when ready, and Stop
// (or Close, which also releases the poller) to shut down. The returned
// IOManager's Idle method replaces the base Scheduler's park-on-channel
// idle loop with a real epoll_wait (or platform equivalent), timer-aware
// wait.
func NewIOManager(cfg Config) (*IOManager, error) {
	if cfg.StackSize == 0 {
		cfg.StackSize = DefaultStackSize
	}
	if cfg.IdlePollCap == 0 {
		cfg.IdlePollCap = DefaultIdlePollCap
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}

	p, err := newPoller()
	if err != nil {
		return nil, WrapError("fiberloop: creating poller", err)
	}

	io := &IOManager{
		Scheduler: NewScheduler(cfg),
		poller:    p,
		fds:       make(map[int]*fdContext, 32),
	}
	io.TimerManager = NewTimerManager(io)
	io.Scheduler.hooks = io

	return io, nil
}

// OnTimerInsertedAtFront implements TimerInsertedHook by tickling the
// reactor so a concurrently-blocked poll call recomputes its timeout
// against the new earliest deadline.
func (io *IOManager) OnTimerInsertedAtFront() { io.Tickle() }

// Tickle overrides Scheduler.Tickle: besides waking a channel-parked
// worker, it also wakes a worker blocked inside the platform poller.
func (io *IOManager) Tickle() {
	io.Scheduler.Tickle()
	io.poller.wake()
}

// Stopping overrides Scheduler.Stopping: the reactor additionally refuses
// to report stopped while any fd registrations remain outstanding, since
// those represent externally-parked fibers that still need to run.
func (io *IOManager) Stopping() bool {
	if !io.Scheduler.Stopping() {
		return false
	}
	io.mu.Lock()
	n := len(io.fds)
	io.mu.Unlock()
	return n == 0
}

// Idle overrides Scheduler.Idle with the reactor loop from spec.md §4.4:
// compute a bounded timeout from the idle poll cap and the next timer
// deadline, poll, drain expired timers, and fire ready fd handlers -- all
// without ever running user code inline on the polling worker; everything
// discovered here is pushed onto the ready queue for some worker (possibly
// this one, on its next iteration) to actually run.
func (io *IOManager) Idle(w *worker) {
	cap := io.cfg.IdlePollCap
	if cap <= 0 {
		cap = DefaultIdlePollCap
	}

	timeout := cap
	if next := io.TimerManager.NextTimeout(); next >= 0 && next < timeout {
		timeout = next
	}

	io.pollMu.Lock()
	events, err := io.waitRetryingEINTR(timeout)
	io.pollMu.Unlock()
	if err != nil {
		if faultLimiter.Allow("poll-error") {
			io.logger().Error("poll failed", "error", err)
		}
	}

	for _, cb := range io.TimerManager.DrainExpired() {
		io.Schedule(cb, AnyThread)
	}

	if io.cfg.Metrics != nil {
		io.cfg.Metrics.ReactorBatch.Update(len(events))
	}
	for _, ev := range events {
		io.fireReady(ev.fd, ev.events)
	}
}

func (io *IOManager) waitRetryingEINTR(timeout time.Duration) ([]readyEvent, error) {
	deadline := time.Now().Add(timeout)
	for {
		events, err := io.poller.wait(timeout)
		if err == nil || !isEINTR(err) {
			return events, err
		}
		timeout = time.Until(deadline)
		if timeout < 0 {
			timeout = 0
		}
	}
}

// fireReady schedules whichever handlers are registered for the readiness
// bits in events, clearing the fired slots (one-shot semantics: a fired
// handler must be re-registered via AddEvent to fire again).
func (io *IOManager) fireReady(fd int, events Event) {
	io.mu.Lock()
	ctx, ok := io.fds[fd]
	if !ok {
		io.mu.Unlock()
		return
	}
	var toFire []EventHandler
	var fired Event
	if events&EventRead != 0 && ctx.read != nil {
		toFire = append(toFire, *ctx.read)
		ctx.read = nil
		fired |= EventRead
	}
	if events&EventWrite != 0 && ctx.write != nil {
		toFire = append(toFire, *ctx.write)
		ctx.write = nil
		fired |= EventWrite
	}
	ctx.mask &^= fired
	newMask := ctx.mask
	if fired != 0 && newMask == 0 {
		delete(io.fds, fd)
	}
	io.mu.Unlock()

	if fired != 0 {
		if newMask == 0 {
			_ = io.poller.remove(fd)
		} else {
			_ = io.poller.modify(fd, newMask)
		}
	}
	for _, h := range toFire {
		h.fire(io.Scheduler)
	}
}

func (io *IOManager) growFor(fd int) *fdContext {
	ctx, ok := io.fds[fd]
	if !ok {
		ctx = &fdContext{}
		io.fds[fd] = ctx
	}
	return ctx
}

// AddEvent registers interest in event on fd, firing closure when it fires.
// closure may be nil, in which case the calling fiber (via CurrentFiber) is
// captured and resumed instead -- the fiber must have already been
// recorded as the handler by calling this from inside the fiber's own
// closure, immediately before YieldToHold. Double-registering the same
// (fd, event) pair without an intervening fire or Del/CancelEvent is a
// ProgrammerFault.
func (io *IOManager) AddEvent(fd int, event Event, closure func(), threadHint int) error {
	if fd < 0 {
		return NewProgrammerFault("IOManager.AddEvent", fmt.Sprintf("negative fd %d", fd))
	}
	var handler EventHandler
	if closure != nil {
		handler = EventHandler{closure: closure, threadHint: threadHint}
	} else {
		f := CurrentFiber()
		if f == nil {
			return NewProgrammerFault("IOManager.AddEvent", "no closure given and not called from within a fiber")
		}
		handler = EventHandler{fiber: f, threadHint: threadHint}
	}

	io.mu.Lock()
	ctx := io.growFor(fd)
	slot := ctx.slot(event)
	if *slot != nil {
		io.mu.Unlock()
		return NewProgrammerFault("IOManager.AddEvent", fmt.Sprintf("fd %d already has a handler registered for %s", fd, event))
	}
	*slot = &handler
	prevMask := ctx.mask
	ctx.mask |= event
	newMask := ctx.mask
	io.mu.Unlock()

	var err error
	if prevMask == 0 {
		err = io.poller.add(fd, newMask)
	} else {
		err = io.poller.modify(fd, newMask)
	}
	if err != nil {
		io.mu.Lock()
		*ctx.slot(event) = nil
		ctx.mask = prevMask
		io.mu.Unlock()
		return WrapError("fiberloop: registering event", err)
	}
	return nil
}

// WaitFor is a convenience for the common fiber pattern: register interest
// in event on fd for the currently-executing fiber, then yield to hold
// until it fires.
func (io *IOManager) WaitFor(fd int, event Event) error {
	f := CurrentFiber()
	if f == nil {
		return NewProgrammerFault("IOManager.WaitFor", "must be called from within a fiber")
	}
	if err := io.AddEvent(fd, event, nil, AnyThread); err != nil {
		return err
	}
	f.YieldToHold()
	return nil
}

// DelEvent unregisters event on fd without firing its handler. Returns
// false if nothing was registered.
func (io *IOManager) DelEvent(fd int, event Event) bool {
	io.mu.Lock()
	ctx, ok := io.fds[fd]
	if !ok || *ctx.slot(event) == nil {
		io.mu.Unlock()
		return false
	}
	*ctx.slot(event) = nil
	ctx.mask &^= event
	newMask := ctx.mask
	if newMask == 0 {
		delete(io.fds, fd)
	}
	io.mu.Unlock()

	if newMask == 0 {
		_ = io.poller.remove(fd)
	} else {
		_ = io.poller.modify(fd, newMask)
	}
	return true
}

// CancelEvent unregisters event on fd and fires its handler immediately
// (from the ready queue, not inline), so a pending fiber wakes up to
// observe the cancellation rather than being left parked forever. Returns
// false if nothing was registered.
func (io *IOManager) CancelEvent(fd int, event Event) bool {
	io.mu.Lock()
	ctx, ok := io.fds[fd]
	if !ok {
		io.mu.Unlock()
		return false
	}
	slot := ctx.slot(event)
	h := *slot
	if h == nil {
		io.mu.Unlock()
		return false
	}
	*slot = nil
	ctx.mask &^= event
	newMask := ctx.mask
	if newMask == 0 {
		delete(io.fds, fd)
	}
	io.mu.Unlock()

	if newMask == 0 {
		_ = io.poller.remove(fd)
	} else {
		_ = io.poller.modify(fd, newMask)
	}
	h.fire(io.Scheduler)
	return true
}

// CancelAll unregisters and fires every handler (read and/or write)
// present for fd. Returns false if fd had no registrations at all.
func (io *IOManager) CancelAll(fd int) bool {
	io.mu.Lock()
	ctx, ok := io.fds[fd]
	if !ok {
		io.mu.Unlock()
		return false
	}
	delete(io.fds, fd)
	var toFire []EventHandler
	if ctx.read != nil {
		toFire = append(toFire, *ctx.read)
	}
	if ctx.write != nil {
		toFire = append(toFire, *ctx.write)
	}
	io.mu.Unlock()

	_ = io.poller.remove(fd)
	for _, h := range toFire {
		h.fire(io.Scheduler)
	}
	return true
}

// Close stops the worker pool and releases the poller's OS resources.
func (io *IOManager) Close() error {
	io.Stop()
	return io.poller.close()
}
