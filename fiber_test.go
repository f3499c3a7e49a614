package fiberloop

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiber_NewHasInitState(t *testing.T) {
	f := NewFiber(func() {}, 0, false)
	assert.Equal(t, StateInit, f.State())
	assert.NotZero(t, f.ID())
}

func TestFiber_ResumeRunsToTermination(t *testing.T) {
	var ran bool
	f := NewFiber(func() { ran = true }, 0, false)
	require.NoError(t, f.Resume())
	assert.True(t, ran)
	assert.Equal(t, StateTerm, f.State())
}

func TestFiber_ResumeWhileExecutingIsProgrammerFault(t *testing.T) {
	// Resume is documented to reject being called while the fiber is
	// already EXEC; simulate that precondition directly since genuinely
	// re-entering Resume from within the fiber's own goroutine would
	// deadlock on the rendezvous channel.
	f := NewFiber(func() {}, 0, false)
	f.state.Store(int32(StateExec))
	err := f.Resume()
	require.Error(t, err)
	assert.True(t, IsProgrammerFault(err))
}

func TestFiber_YieldToHoldThenResume(t *testing.T) {
	var phase int
	f := NewFiber(func() {
		phase = 1
		CurrentFiber().YieldToHold()
		phase = 2
	}, 0, false)

	require.NoError(t, f.Resume())
	assert.Equal(t, 1, phase)
	assert.Equal(t, StateHold, f.State())

	require.NoError(t, f.Resume())
	assert.Equal(t, 2, phase)
	assert.Equal(t, StateTerm, f.State())
}

func TestFiber_YieldToReady(t *testing.T) {
	f := NewFiber(func() {
		CurrentFiber().YieldToReady()
	}, 0, false)
	require.NoError(t, f.Resume())
	assert.Equal(t, StateReady, f.State())
}

func TestFiber_PanicSetsExceptAndCapturesFault(t *testing.T) {
	f := NewFiber(func() { panic("boom") }, 0, false)
	require.NoError(t, f.Resume())
	assert.Equal(t, StateExcept, f.State())
	require.NotNil(t, f.Fault())
	assert.Equal(t, "boom", f.Fault().Value)
	assert.NotEmpty(t, f.Fault().Stack)
}

func TestFiber_ResetRequiresTerminalState(t *testing.T) {
	f := NewFiber(func() {}, 0, false)
	require.NoError(t, f.Resume())
	require.Equal(t, StateTerm, f.State())

	var secondRan bool
	require.NoError(t, f.Reset(func() { secondRan = true }))
	assert.Equal(t, StateInit, f.State())
	require.NoError(t, f.Resume())
	assert.True(t, secondRan)
}

func TestFiber_ResetFromHoldFails(t *testing.T) {
	f := NewFiber(func() {
		CurrentFiber().YieldToHold()
	}, 0, false)
	require.NoError(t, f.Resume())
	require.Equal(t, StateHold, f.State())

	err := f.Reset(func() {})
	require.Error(t, err)
	assert.True(t, IsProgrammerFault(err))
}

func TestFiber_ResetClearsPriorFault(t *testing.T) {
	f := NewFiber(func() { panic("x") }, 0, false)
	require.NoError(t, f.Resume())
	require.Equal(t, StateExcept, f.State())
	require.NoError(t, f.Reset(func() {}))
	assert.Nil(t, f.Fault())
}

func TestFiber_CurrentFiberInsideClosure(t *testing.T) {
	f := NewFiber(nil, 0, false)
	var seen *Fiber
	require.NoError(t, f.Reset(func() {
		seen = CurrentFiber()
	}))
	require.NoError(t, f.Resume())
	assert.Same(t, f, seen)
}

func TestFiber_CurrentFiberOutsideClosureIsNil(t *testing.T) {
	assert.Nil(t, CurrentFiber())
}

func TestFiber_CurrentSchedulerBoundByScheduler(t *testing.T) {
	sched := NewScheduler(resolveConfig([]Option{WithWorkers(1)}))
	var seen *Scheduler
	var wg sync.WaitGroup
	wg.Add(1)
	sched.Schedule(func() {
		seen = CurrentScheduler()
		wg.Done()
	}, AnyThread)
	require.NoError(t, sched.Start())
	wg.Wait()
	sched.Stop()
	assert.Same(t, sched, seen)
}

func TestFiber_ManyFibersDistinctIDs(t *testing.T) {
	seen := map[uint64]bool{}
	for i := 0; i < 100; i++ {
		f := NewFiber(func() {}, 0, false)
		assert.False(t, seen[f.ID()])
		seen[f.ID()] = true
	}
}

func TestFiber_MultipleYieldsRoundTrip(t *testing.T) {
	var order []int
	var mu sync.Mutex
	record := func(n int) {
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
	}

	f := NewFiber(func() {
		record(1)
		CurrentFiber().YieldToHold()
		record(2)
		CurrentFiber().YieldToHold()
		record(3)
	}, 0, false)

	require.NoError(t, f.Resume())
	require.NoError(t, f.Resume())
	require.NoError(t, f.Resume())
	assert.Equal(t, StateTerm, f.State())
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestFiber_ConcurrentFibersDoNotCrossTalk(t *testing.T) {
	const n = 20
	var wg sync.WaitGroup
	results := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f := NewFiber(func() {
				results[i] = i * i
			}, 0, false)
			_ = f.Resume()
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		assert.Equal(t, i*i, results[i])
	}
}

func TestFiber_FaultUnwrapsErrorValue(t *testing.T) {
	sentinel := errors.New("sentinel")
	f := NewFiber(func() { panic(sentinel) }, 0, false)
	require.NoError(t, f.Resume())
	require.True(t, IsFiberFault(f.Fault()))
	assert.ErrorIs(t, f.Fault(), sentinel)
}

func TestFiber_StateStringer(t *testing.T) {
	cases := map[State]string{
		StateInit:   "INIT",
		StateReady:  "READY",
		StateExec:   "EXEC",
		StateHold:   "HOLD",
		StateTerm:   "TERM",
		StateExcept: "EXCEPT",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
	assert.Contains(t, State(99).String(), "State(99)")
}

func TestFiber_GoroutineIDStableAcrossYields(t *testing.T) {
	// CurrentFiber must resolve consistently even after several
	// suspend/resume cycles on the same goroutine.
	var ids []*Fiber
	f := NewFiber(func() {
		for i := 0; i < 3; i++ {
			ids = append(ids, CurrentFiber())
			CurrentFiber().YieldToHold()
		}
	}, 0, false)
	for i := 0; i < 4; i++ {
		require.NoError(t, f.Resume())
	}
	require.Len(t, ids, 3)
	for _, id := range ids {
		assert.Same(t, f, id)
	}
}

func TestFiber_ResumeLatencyRecordedByScheduler(t *testing.T) {
	m := NewMetrics()
	sched := NewScheduler(resolveConfig([]Option{WithWorkers(1), WithMetrics(m)}))
	var wg sync.WaitGroup
	wg.Add(1)
	sched.Schedule(func() { wg.Done() }, AnyThread)
	require.NoError(t, sched.Start())
	wg.Wait()
	sched.Stop()

	// No wait is needed: the resume-latency record happens right after
	// Resume returns, before active is decremented, so by the time Stop
	// returns it is already recorded.
	assert.GreaterOrEqual(t, m.ResumeLatency.Sample(), 1)
}

func TestFiber_CallerOwnedFlagPreserved(t *testing.T) {
	f := NewFiber(func() {}, 4096, true)
	assert.True(t, f.callerOwned)
}

func TestFiber_CallAndBackRoundTrip(t *testing.T) {
	var order []int
	f := NewFiber(func() {
		order = append(order, 1)
		CurrentFiber().Back()
		order = append(order, 2)
	}, 4096, true)

	require.NoError(t, f.Call())
	assert.Equal(t, StateHold, f.State())
	assert.Equal(t, []int{1}, order)

	require.NoError(t, f.Call())
	assert.Equal(t, StateTerm, f.State())
	assert.Equal(t, []int{1, 2}, order)
}

func TestFiber_SetCurrentFiberOverridesAndClears(t *testing.T) {
	assert.Nil(t, CurrentFiber())
	f := NewFiber(func() {}, 0, false)
	SetCurrentFiber(f)
	assert.Same(t, f, CurrentFiber())
	SetCurrentFiber(nil)
	assert.Nil(t, CurrentFiber())
}

func TestTotalFibers_MonotonicallyIncreases(t *testing.T) {
	before := TotalFibers()
	NewFiber(func() {}, 0, false)
	NewFiber(func() {}, 0, false)
	assert.GreaterOrEqual(t, TotalFibers(), before+2)
}

func TestFiber_RepeatedResetAndResume(t *testing.T) {
	// Reset and Resume are not meant to be called concurrently by
	// different goroutines on the same fiber (the scheduler always
	// serializes this per-fiber), but Reset itself must not corrupt state
	// when called back-to-back many times between full run cycles.
	f := NewFiber(func() {}, 0, false)
	var calls atomic.Int32
	for i := 0; i < 50; i++ {
		require.NoError(t, f.Reset(func() { calls.Add(1) }))
		require.NoError(t, f.Resume())
	}
	assert.EqualValues(t, 50, calls.Load())
}
