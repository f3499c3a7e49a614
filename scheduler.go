package fiberloop

import (
	"sync"
	"sync/atomic"
	"time"
)

// SchedulerHooks is the seam IOManager uses to override Tickle, Stopping,
// and Idle without Go's embedding forcing static dispatch back onto the
// base Scheduler. NewIOManager builds a *Scheduler and points its hooks
// field at the IOManager itself; everything else (Schedule, Start, Stop,
// worker bookkeeping) is inherited unmodified.
type SchedulerHooks interface {
	// Tickle wakes a worker parked in Idle, if any are idle.
	Tickle()
	// Stopping reports whether the scheduler has drained enough to finish
	// shutting down.
	Stopping() bool
	// Idle runs when a worker finds the ready queue empty; it should block
	// briefly and return, letting the run loop re-scan.
	Idle(w *worker)
}

// worker is one OS-thread-equivalent goroutine: either spawned by Start,
// or -- when UseCaller is set -- the constructing goroutine itself, driven
// inline from Stop.
type worker struct {
	id    int
	sched *Scheduler
}

// Scheduler is a fixed pool of workers sharing one FIFO ready queue, with
// optional per-item thread pinning. See doc.go for the overall design.
type Scheduler struct {
	cfg Config

	queue readyQueue

	// active and idle are incremented/decremented on every single run-loop
	// iteration across every worker (they are the two counters behind
	// spec.md §5's "active + idle ≤ total_workers" invariant); padding
	// them onto separate cache lines avoids one worker's active-count
	// write forcing a cache-line bounce on another worker's idle-count
	// read. Grounded on the teacher's FastState (state.go), which pads a
	// single hot atomic the same way.
	_      [sizeOfCacheLine]byte
	active atomic.Int32
	_      [sizeOfCacheLine]byte
	idle   atomic.Int32
	_      [sizeOfCacheLine]byte

	autoStop atomic.Bool
	running  atomic.Bool

	mu           sync.Mutex
	workers      []*worker
	callerWorker *worker
	callerFiber  *Fiber
	wg           sync.WaitGroup

	wakeCh chan struct{}

	hooks SchedulerHooks

	cbFibers sync.Pool // reusable closure-binding fibers
}

// NewScheduler constructs a Scheduler from cfg. The returned scheduler uses
// itself as its SchedulerHooks; NewIOManager rewires this to add I/O and
// timer semantics.
func NewScheduler(cfg Config) *Scheduler {
	s := &Scheduler{
		cfg:    cfg,
		wakeCh: make(chan struct{}, 1),
	}
	s.hooks = s
	s.cbFibers.New = func() any {
		return NewFiber(nil, cfg.StackSize, false)
	}
	return s
}

// Name returns the scheduler's diagnostic name.
func (s *Scheduler) Name() string { return s.cfg.Name }

// Metrics returns the scheduler's metrics sink, or nil if none configured.
func (s *Scheduler) Metrics() *Metrics { return s.cfg.Metrics }

func (s *Scheduler) logger() *loggerHandle { return newLoggerHandle(s.cfg.Logger, s.cfg.Name) }

// Start spawns the worker pool. Idempotent: a second call while already
// running is a no-op. If Config.UseCaller is set, the constructing
// goroutine is donated as worker 0, but that worker's run loop only
// executes later, inline, inside Stop.
func (s *Scheduler) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	spawnCount := s.cfg.Workers
	startID := 0
	if s.cfg.UseCaller {
		spawnCount--
		s.callerWorker = &worker{id: 0, sched: s}
		s.callerFiber = NewFiber(nil, s.cfg.StackSize, true)
		_ = s.callerFiber.Reset(func() {
			for !s.runOnce(s.callerWorker) {
			}
		})
		startID = 1
	}
	if spawnCount < 0 {
		spawnCount = 0
	}

	s.workers = make([]*worker, 0, spawnCount)
	s.wg.Add(spawnCount)
	for i := 0; i < spawnCount; i++ {
		w := &worker{id: startID + i, sched: s}
		s.workers = append(s.workers, w)
		go s.runWorker(w)
	}
	return nil
}

// Stop requests shutdown and blocks until every worker has joined. Setting
// autoStop is idempotent; a second call returns immediately. If
// Config.UseCaller is set, Stop must be called from the constructing
// goroutine: it runs worker 0's run loop inline until termination,
// donating the caller's own goroutine as the last worker.
func (s *Scheduler) Stop() {
	if !s.autoStop.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	workers := s.workers
	caller := s.callerWorker
	s.mu.Unlock()

	for range workers {
		s.hooks.Tickle()
	}

	if caller != nil {
		s.hooks.Tickle()
		for !s.runOnce(caller) {
		}
	}

	s.wg.Wait()
}

// CallerFiber returns a callerOwned bootstrap fiber wrapping the donated
// worker's run loop, or nil if Config.UseCaller was not set or Start has
// not yet run. A UseCaller consumer that wants an obtainable *Fiber to
// drive manually (one Call at a time, e.g. interleaved with other work on
// the constructing goroutine, rather than blocking inside Stop to
// completion) can use this instead of Stop; grounded on the C++ source's
// GetMainFiber accessor (original_source/mumu/.or/scheduler.h). Like every
// Fiber, driving it still goes through the resume/yield goroutine
// handshake described on the Fiber type -- Stop itself avoids that
// indirection, running the same loop as a direct call on the constructing
// goroutine, to keep the literal single-goroutine donation it documents.
func (s *Scheduler) CallerFiber() *Fiber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callerFiber
}

// Schedule enqueues a plain closure. A fiber will be bound (reused from the
// cb-fiber pool, or allocated) when a worker picks it up. threadHint pins
// the work to a specific worker id, or AnyThread for no preference.
func (s *Scheduler) Schedule(fn func(), threadHint int) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Queue.Update(s.queue.len() + 1)
	}
	wasEmpty := s.queue.push(entry{kind: entryClosure, closure: fn, threadHint: threadHint})
	if wasEmpty {
		s.hooks.Tickle()
	}
}

// ScheduleFiber enqueues an already-prepared fiber.
func (s *Scheduler) ScheduleFiber(f *Fiber, threadHint int) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Queue.Update(s.queue.len() + 1)
	}
	wasEmpty := s.queue.push(entry{kind: entryFiber, fiber: f, threadHint: threadHint})
	if wasEmpty {
		s.hooks.Tickle()
	}
}

// ScheduleBatch enqueues many closures sharing one thread hint, under a
// single lock acquisition.
func (s *Scheduler) ScheduleBatch(fns []func(), threadHint int) {
	entries := make([]entry, len(fns))
	for i, fn := range fns {
		entries[i] = entry{kind: entryClosure, closure: fn, threadHint: threadHint}
	}
	wasEmpty := s.queue.pushBatch(entries)
	if wasEmpty && len(entries) > 0 {
		s.hooks.Tickle()
	}
}

// Active returns the number of workers currently executing a fiber.
func (s *Scheduler) Active() int { return int(s.active.Load()) }

// IdleWorkers returns the number of workers currently parked in Idle.
func (s *Scheduler) IdleWorkers() int { return int(s.idle.Load()) }

// QueueLen returns the current ready-queue depth.
func (s *Scheduler) QueueLen() int { return s.queue.len() }

// Tickle is the base implementation: it only wakes a locally-parked Idle
// worker via wakeCh, with no real I/O wake-up mechanism. IOManager
// overrides this to also wake a worker blocked in the platform poller.
func (s *Scheduler) Tickle() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Stopping is the base implementation, true once autoStop is set and the
// scheduler has fully drained: no active workers, nothing left to run.
func (s *Scheduler) Stopping() bool {
	return s.autoStop.Load() && s.active.Load() == 0 && s.queue.len() == 0
}

// Idle is the base implementation: park until Tickled or the idle poll cap
// elapses, then return so the run loop can re-scan. IOManager overrides
// this with the epoll/kqueue/IOCP reactor loop.
func (s *Scheduler) Idle(w *worker) {
	cap := s.cfg.IdlePollCap
	if cap <= 0 {
		cap = DefaultIdlePollCap
	}
	select {
	case <-s.wakeCh:
	case <-time.After(cap):
	}
}

func (s *Scheduler) runWorker(w *worker) {
	defer s.wg.Done()
	for !s.runOnce(w) {
	}
}

// runOnce executes one iteration of the per-worker run loop described in
// spec.md §4.2, returning true if the worker should terminate.
func (s *Scheduler) runOnce(w *worker) bool {
	ent, ok, skipped := s.queue.popFor(w.id)
	if skipped {
		s.hooks.Tickle()
	}
	if ok {
		s.runEntry(w, ent)
		return false
	}
	if s.hooks.Stopping() {
		return true
	}
	s.idle.Add(1)
	s.hooks.Idle(w)
	s.idle.Add(-1)
	return false
}

func (s *Scheduler) runEntry(w *worker, ent entry) {
	switch ent.kind {
	case entryFiber:
		f := ent.fiber
		if st := f.State(); st == StateTerm || st == StateExcept {
			return
		}
		s.active.Add(1)
		s.resumeAndSettle(w, f, ent.threadHint, false)
		s.active.Add(-1)
	case entryClosure:
		cb := s.cbFibers.Get().(*Fiber)
		if err := cb.Reset(ent.closure); err != nil {
			// Programmer error: the cb fiber should always be INIT/TERM/
			// EXCEPT when pulled from the pool. Fail loudly rather than
			// silently drop the closure.
			panic(err)
		}
		s.active.Add(1)
		s.resumeAndSettle(w, cb, ent.threadHint, true)
		s.active.Add(-1)
	}
}

// resumeAndSettle resumes f once and reacts to the resulting state per the
// run loop pseudocode: READY means re-queue, TERM/EXCEPT means done
// (recycling cb fibers back to the pool and logging faults), anything else
// is forced to HOLD (externally parked, e.g. on a timer or fd wait).
func (s *Scheduler) resumeAndSettle(w *worker, f *Fiber, threadHint int, pooled bool) {
	f.bind(s, s.hooks)
	start := time.Now()
	_ = f.Resume()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ResumeLatency.Record(time.Since(start))
	}

	switch f.State() {
	case StateReady:
		s.ScheduleFiber(f, threadHint)
	case StateTerm:
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.recordCompletion()
		}
		if pooled {
			s.cbFibers.Put(f)
		}
	case StateExcept:
		s.logFault(f)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.recordCompletion()
		}
		if pooled {
			s.cbFibers.Put(f)
		}
	default:
		f.state.Store(int32(StateHold))
	}
}

func (s *Scheduler) logFault(f *Fiber) {
	if faultLimiter.Allow("fiber-except") {
		s.logger().Error("fiber faulted", "fiber_id", f.ID(), "value", f.Fault().Value, "stack", string(f.Fault().Stack))
	}
}
