package fiberloop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{WithLogger(NewDiscardLogger())}, opts...)
	return NewScheduler(resolveConfig(opts))
}

// TestScheduler_ThreePinnedTasksOnThreeWorkers is scenario 1 from spec.md
// §8: five closures pinned round-robin across three workers must each run
// exactly once and a shared counter must reach zero. Thread-hint pinning
// itself (P5) is verified directly against the ready queue in
// TestReadyQueue_ThreadHintSkipsToNextMatch, since a worker's identity is
// an internal scheduling concept with no public accessor to assert against
// from inside a scheduled closure.
func TestScheduler_ThreePinnedTasksOnThreeWorkers(t *testing.T) {
	sched := newTestScheduler(t, WithWorkers(3))
	require.NoError(t, sched.Start())

	const n = 5
	var counter atomic.Int32
	counter.Store(n)
	var ranCount atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		hint := i % 3
		sched.Schedule(func() {
			ranCount.Add(1)
			counter.Add(-1)
			wg.Done()
		}, hint)
	}

	wg.Wait()
	sched.Stop()

	assert.EqualValues(t, 0, counter.Load())
	assert.EqualValues(t, n, ranCount.Load())
}

func TestScheduler_StartIsIdempotent(t *testing.T) {
	sched := newTestScheduler(t, WithWorkers(2))
	require.NoError(t, sched.Start())
	require.NoError(t, sched.Start())
	sched.Stop()
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	sched := newTestScheduler(t, WithWorkers(2))
	require.NoError(t, sched.Start())
	sched.Stop()
	sched.Stop() // must not block or panic
}

func TestScheduler_ScheduleBeforeStartRunsAfterStart(t *testing.T) {
	sched := newTestScheduler(t, WithWorkers(1))
	var wg sync.WaitGroup
	wg.Add(1)
	sched.Schedule(func() { wg.Done() }, AnyThread)
	require.NoError(t, sched.Start())
	wg.Wait()
	sched.Stop()
}

func TestScheduler_ScheduleBatch(t *testing.T) {
	sched := newTestScheduler(t, WithWorkers(2))
	const n = 25
	var wg sync.WaitGroup
	wg.Add(n)
	fns := make([]func(), n)
	for i := range fns {
		fns[i] = func() { wg.Done() }
	}
	sched.ScheduleBatch(fns, AnyThread)
	require.NoError(t, sched.Start())
	wg.Wait()
	sched.Stop()
}

// TestScheduler_GracefulShutdownUnderLoad is scenario 6 from spec.md §8:
// 1000 closures that each yield to ready 10 times before returning; Stop
// must only return once every one of the 11000 scheduling steps completed.
func TestScheduler_GracefulShutdownUnderLoad(t *testing.T) {
	sched := newTestScheduler(t, WithWorkers(4), WithUseCaller(true))

	const jobs = 1000
	const yields = 10
	var completed atomic.Int64

	for i := 0; i < jobs; i++ {
		sched.Schedule(func() {
			f := CurrentFiber()
			for i := 0; i < yields; i++ {
				f.YieldToReady()
			}
			completed.Add(1)
		}, AnyThread)
	}

	require.NoError(t, sched.Start())
	sched.Stop()

	assert.EqualValues(t, jobs, completed.Load())
	assert.Equal(t, 0, sched.QueueLen())
	assert.Equal(t, 0, sched.Active())
}

func TestScheduler_UseCallerDonatesConstructingGoroutine(t *testing.T) {
	sched := newTestScheduler(t, WithWorkers(1), WithUseCaller(true))
	var ran atomic.Bool
	sched.Schedule(func() { ran.Store(true) }, AnyThread)
	require.NoError(t, sched.Start())
	sched.Stop()
	assert.True(t, ran.Load())
}

func TestScheduler_CallerFiberNilWithoutUseCaller(t *testing.T) {
	sched := newTestScheduler(t, WithWorkers(1))
	require.NoError(t, sched.Start())
	assert.Nil(t, sched.CallerFiber())
	sched.Stop()
}

// TestScheduler_CallerFiberDrivesDonatedWorker exercises CallerFiber as an
// alternative to Stop for pumping the donated worker by hand.
func TestScheduler_CallerFiberDrivesDonatedWorker(t *testing.T) {
	sched := newTestScheduler(t, WithWorkers(1), WithUseCaller(true))
	var ran atomic.Bool
	sched.Schedule(func() { ran.Store(true) }, AnyThread)
	require.NoError(t, sched.Start())

	caller := sched.CallerFiber()
	require.NotNil(t, caller)

	sched.autoStop.Store(true)
	require.NoError(t, caller.Call())

	assert.True(t, ran.Load())
	assert.Equal(t, StateTerm, caller.State())
}

func TestScheduler_PooledClosureFiberIsReusedAcrossJobs(t *testing.T) {
	sched := newTestScheduler(t, WithWorkers(1))
	require.NoError(t, sched.Start())

	var fiberIDs []uint64
	var mu sync.Mutex
	var wg sync.WaitGroup
	const n = 10
	wg.Add(n)
	for i := 0; i < n; i++ {
		sched.Schedule(func() {
			mu.Lock()
			fiberIDs = append(fiberIDs, CurrentFiber().ID())
			mu.Unlock()
			wg.Done()
		}, AnyThread)
	}
	wg.Wait()
	sched.Stop()

	require.Len(t, fiberIDs, n)
	first := fiberIDs[0]
	for _, id := range fiberIDs {
		assert.Equal(t, first, id, "cb fiber should be reused, not reallocated, across sequential jobs on one worker")
	}
}

func TestScheduler_FaultedClosureDoesNotStopWorker(t *testing.T) {
	sched := newTestScheduler(t, WithWorkers(1))
	require.NoError(t, sched.Start())

	var wg sync.WaitGroup
	wg.Add(2)
	sched.Schedule(func() {
		defer wg.Done()
		panic("boom")
	}, AnyThread)
	var secondRan atomic.Bool
	sched.Schedule(func() {
		defer wg.Done()
		secondRan.Store(true)
	}, AnyThread)
	wg.Wait()
	sched.Stop()
	assert.True(t, secondRan.Load())
}

func TestScheduler_ActiveCounterTracksRunningFiber(t *testing.T) {
	sched := newTestScheduler(t, WithWorkers(2), WithIdlePollCap(10*time.Millisecond))
	require.NoError(t, sched.Start())

	var release = make(chan struct{})
	var entered = make(chan struct{})
	sched.Schedule(func() {
		close(entered)
		<-release
	}, AnyThread)
	<-entered
	assert.Equal(t, 1, sched.Active())
	close(release)

	sched.Stop()
	assert.Equal(t, 0, sched.Active())
}

func TestScheduler_PreparedFiberScheduledDirectly(t *testing.T) {
	sched := newTestScheduler(t, WithWorkers(1))
	var ran atomic.Bool
	f := NewFiber(func() { ran.Store(true) }, 0, false)
	sched.ScheduleFiber(f, AnyThread)
	require.NoError(t, sched.Start())
	sched.Stop()
	assert.True(t, ran.Load())
	assert.Equal(t, StateTerm, f.State())
}

func TestScheduler_FiberYieldToHoldRequiresExplicitReschedule(t *testing.T) {
	sched := newTestScheduler(t, WithWorkers(1))
	require.NoError(t, sched.Start())

	var phase atomic.Int32
	f := NewFiber(func() {
		phase.Store(1)
		CurrentFiber().YieldToHold()
		phase.Store(2)
	}, 0, false)

	sched.ScheduleFiber(f, AnyThread)
	// Poll until the fiber reaches HOLD; it will not re-run on its own.
	deadline := time.Now().Add(time.Second)
	for f.State() != StateHold && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, StateHold, f.State())
	assert.EqualValues(t, 1, phase.Load())

	sched.ScheduleFiber(f, AnyThread)
	deadline = time.Now().Add(time.Second)
	for f.State() != StateTerm && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, StateTerm, f.State())
	assert.EqualValues(t, 2, phase.Load())

	sched.Stop()
}

func TestScheduler_TickleBeforeStartDoesNotBlock(t *testing.T) {
	sched := newTestScheduler(t, WithWorkers(1))
	// Calling Tickle before Start (no workers parked yet) must not panic
	// or block -- it is a best-effort, buffered-channel send.
	sched.Tickle()
	sched.Tickle()
	require.NoError(t, sched.Start())
	sched.Stop()
}

func TestScheduler_StoppingFalseWhileWorkQueued(t *testing.T) {
	sched := newTestScheduler(t, WithWorkers(1))
	block := make(chan struct{})
	sched.Schedule(func() { <-block }, AnyThread)
	sched.Schedule(func() {}, AnyThread)
	require.NoError(t, sched.Start())
	time.Sleep(10 * time.Millisecond)
	assert.False(t, sched.Stopping())
	close(block)
	sched.Stop()
}

func TestScheduler_MetricsQueueDepthTracksSubmissions(t *testing.T) {
	m := NewMetrics()
	sched := newTestScheduler(t, WithWorkers(1), WithMetrics(m))
	block := make(chan struct{})
	sched.Schedule(func() { <-block }, AnyThread)
	require.NoError(t, sched.Start())
	for i := 0; i < 5; i++ {
		sched.Schedule(func() {}, AnyThread)
	}
	_, max, _ := m.Queue.Snapshot()
	assert.GreaterOrEqual(t, max, 1)
	close(block)
	sched.Stop()
}

func TestScheduler_AnyThreadConstant(t *testing.T) {
	assert.Equal(t, -1, AnyThread)
}

func TestReadyQueue_FIFOOrderWithinSameHint(t *testing.T) {
	var q readyQueue
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		q.push(entry{kind: entryClosure, closure: func() { order = append(order, i) }, threadHint: AnyThread})
	}
	for {
		e, ok, _ := q.popFor(0)
		if !ok {
			break
		}
		e.closure()
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestReadyQueue_ThreadHintSkipsToNextMatch(t *testing.T) {
	var q readyQueue
	q.push(entry{kind: entryClosure, closure: func() {}, threadHint: 5})
	q.push(entry{kind: entryClosure, closure: func() {}, threadHint: AnyThread})

	e, ok, skipped := q.popFor(0)
	require.True(t, ok)
	assert.True(t, skipped, "the hint-5 entry should be reported as skipped for worker 0")
	assert.Equal(t, AnyThread, e.threadHint)

	e2, ok2, _ := q.popFor(5)
	require.True(t, ok2)
	assert.Equal(t, 5, e2.threadHint)
}
