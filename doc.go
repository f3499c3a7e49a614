// Package fiberloop implements an M:N coroutine scheduler with an
// epoll/kqueue/IOCP-driven I/O reactor and an ordered timer wheel, forming
// the concurrency substrate of a network server framework.
//
// # Architecture
//
// Four components cooperate tightly:
//
//   - [Fiber]: a stackful user-mode task carrying a closure, a state
//     (INIT/READY/EXEC/HOLD/TERM/EXCEPT), and a context.
//   - [Scheduler]: a thread pool plus a shared FIFO ready queue, with
//     optional thread-hint pinning; each worker alternates between running
//     ready work and an overridable Idle hook.
//   - [TimerManager]: an ordered set of deadlines, draining expired
//     callbacks in bulk and notifying the scheduler when the earliest
//     deadline shrinks.
//   - [IOManager]: embeds Scheduler and TimerManager, adding a per-fd event
//     table, a wake pipe, and a reactor Idle loop that blocks in the
//     platform poller.
//
// # Platform support
//
// The reactor is implemented once per platform, behind a common interface:
// epoll on Linux, kqueue on Darwin, IOCP on Windows.
//
// # Thread safety
//
// [Scheduler.Schedule] and [Scheduler.ScheduleBatch] are safe to call from
// any goroutine. [IOManager.AddEvent], [IOManager.CancelEvent], and
// [IOManager.CancelAll] are safe to call from any fiber. Per-fiber state
// ([CurrentFiber]) is confined to the worker goroutine that owns it.
//
// # Usage
//
//	io, err := fiberloop.NewIOManager(fiberloop.Config{Workers: 4})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	io.Schedule(func() {
//	    fmt.Println("running on a fiber")
//	}, fiberloop.AnyThread)
//	if err := io.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer io.Stop()
package fiberloop
