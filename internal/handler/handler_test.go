package handler

import (
	"sync"
	"testing"
	"time"

	"github.com/hollowforge/opqueue/pkg/operation"
)

// testOp is a minimal operation used across scenarios: it runs fn on the
// worker thread and records its own outcome for assertions.
type testOp struct {
	*operation.Base
	fn func(op *testOp)

	mu        sync.Mutex
	cancelled bool
}

func newTestOp(fn func(op *testOp)) *testOp {
	return &testOp{Base: operation.NewBase(nil, nil, "test"), fn: fn}
}

func (t *testOp) Execute() { t.fn(t) }

func (t *testOp) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
}

func (t *testOp) wasCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

type finishedCapture struct {
	mu  sync.Mutex
	ops []operation.Op
}

func (f *finishedCapture) OnOperationFinished(op operation.Op) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
}

func (f *finishedCapture) snapshot() []operation.Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]operation.Op, len(f.ops))
	copy(out, f.ops)
	return out
}

// assertOpsAvailableInvariant checks spec property 7 — ops_available must
// equal the total entries across both queues plus outstanding pseudo-permits
// — at a point the caller has arranged to be quiescent (no cancelAllPending
// or terminatePending in flight), where outstanding pseudo-permits is known
// to be zero and the invariant reduces to a plain equality.
func assertOpsAvailableInvariant(t *testing.T, h *QueueHandler) {
	t.Helper()
	h.queueMu.Lock()
	nCount, hCount := h.normal.count(), h.high.count()
	h.queueMu.Unlock()
	want := nCount + hCount
	if got := h.opsAvailable.value(); got != want {
		t.Fatalf("ops_available invariant violated: got %d, want normal.count+high.count = %d+%d = %d",
			got, nCount, hCount, want)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// S1: FIFO within a single priority class.
func TestFIFOWithinNormalClass(t *testing.T) {
	h := New(Options{})
	defer h.Terminate()

	var order []int
	var mu sync.Mutex
	done := make(chan struct{}, 3)

	for i := 1; i <= 3; i++ {
		i := i
		op := newTestOp(func(op *testOp) {
			op.Started()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			op.Success()
			op.Finished()
			done <- struct{}{}
		})
		h.AddOperation(op)
	}

	for i := 0; i < 3; i++ {
		<-done
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected FIFO order [1 2 3], got %v", order)
	}
}

// S2: high priority drains ahead of normal priority.
func TestHighPriorityRunsBeforeNormal(t *testing.T) {
	h := New(Options{})
	defer h.Terminate()

	gate := make(chan struct{})
	var order []string
	var mu sync.Mutex
	done := make(chan struct{}, 2)

	blocker := newTestOp(func(op *testOp) {
		op.Started()
		<-gate
		op.Success()
		op.Finished()
	})
	h.AddOperation(blocker)

	waitFor(t, time.Second, func() bool {
		h.currentMu.Lock()
		defer h.currentMu.Unlock()
		return h.current != nil && h.current.ID() == blocker.ID()
	})

	normalOp := newTestOp(func(op *testOp) {
		op.Started()
		mu.Lock()
		order = append(order, "normal")
		mu.Unlock()
		op.Success()
		op.Finished()
		done <- struct{}{}
	})
	highOp := newTestOp(func(op *testOp) {
		op.Started()
		mu.Lock()
		order = append(order, "high")
		mu.Unlock()
		op.Success()
		op.Finished()
		done <- struct{}{}
	})

	h.AddOperation(normalOp)
	h.AddHighPriorityOperation(highOp)
	close(gate)

	<-done
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "high" {
		t.Fatalf("expected high priority first, got %v", order)
	}
}

// S3: timeout fires, Cancel is invoked, and the handler moves on to the
// next queued operation without waiting for the abandoned one.
func TestTimeoutAbandonsAndContinues(t *testing.T) {
	h := New(Options{})
	defer h.Terminate()

	capture := &finishedCapture{}

	slow := &testOp{}
	slow.Base = operation.NewBase(capture, nil, "slow")
	slow.fn = func(op *testOp) {
		op.Started(30 * time.Millisecond)
		for op.Status().State() != operation.TimedOut {
			time.Sleep(5 * time.Millisecond)
		}
		op.Finished() // no-op: status is already TimedOut by the time we get here
	}
	h.AddOperation(slow)

	nextRan := make(chan struct{})
	next := newTestOp(func(op *testOp) {
		op.Started()
		op.Success()
		op.Finished()
		close(nextRan)
	})
	h.AddOperation(next)

	select {
	case <-nextRan:
	case <-time.After(time.Second):
		t.Fatalf("operation queued after a timed-out one never ran")
	}

	waitFor(t, time.Second, func() bool {
		return slow.Status().State() == operation.TimedOut
	})
	waitFor(t, time.Second, slow.wasCancelled)
}

// S4: bulk cancel discards queued work and cooperatively cancels the
// in-flight operation, while an operation submitted after the call
// survives and runs.
func TestCancelAllWithInFlightAndSurvivor(t *testing.T) {
	h := New(Options{})
	defer h.Terminate()

	inFlight := newTestOp(func(op *testOp) {
		op.Started(2 * time.Second)
		for op.CanContinue() {
			time.Sleep(2 * time.Millisecond)
		}
		op.Finished() // status is already Cancelled by the handler; this lands as a no-op
	})
	h.AddOperation(inFlight)

	waitFor(t, time.Second, func() bool {
		h.currentMu.Lock()
		defer h.currentMu.Unlock()
		return h.current != nil && h.current.ID() == inFlight.ID()
	})

	queuedA := newTestOp(func(op *testOp) { op.Started(); op.Success(); op.Finished() })
	queuedB := newTestOp(func(op *testOp) { op.Started(); op.Success(); op.Finished() })
	h.AddOperation(queuedA)
	h.AddOperation(queuedB)

	// Quiescent: inFlight is still current (its own permit already consumed
	// on dequeue), queuedA/queuedB sit untouched in normal, no cancel or
	// terminate flag is set yet.
	assertOpsAvailableInvariant(t, h)

	h.CancelAllOperations()

	survivorRan := make(chan struct{})
	survivor := newTestOp(func(op *testOp) {
		op.Started()
		op.Success()
		op.Finished()
		close(survivorRan)
	})
	h.AddOperation(survivor)

	select {
	case <-survivorRan:
	case <-time.After(time.Second):
		t.Fatalf("operation submitted after cancel-all never ran")
	}

	waitFor(t, time.Second, func() bool { return queuedA.Status().State() == operation.Cancelled })
	waitFor(t, time.Second, func() bool { return queuedB.Status().State() == operation.Cancelled })

	// Quiescent again: both queues drained, survivor already completed and
	// dequeued, cancelAllPending cleared, nothing else in flight.
	waitFor(t, time.Second, func() bool {
		h.currentMu.Lock()
		idle := h.current == nil && !h.cancelAllPending
		h.currentMu.Unlock()
		h.queueMu.Lock()
		empty := h.normal.count() == 0 && h.high.count() == 0
		h.queueMu.Unlock()
		return idle && empty
	})
	assertOpsAvailableInvariant(t, h)
}

// S5: cancel a specific queued operation by id; others are unaffected.
func TestCancelOperationByID(t *testing.T) {
	h := New(Options{})
	defer h.Terminate()

	gate := make(chan struct{})
	blocker := newTestOp(func(op *testOp) {
		op.Started()
		<-gate
		op.Success()
		op.Finished()
	})
	h.AddOperation(blocker)
	waitFor(t, time.Second, func() bool {
		h.currentMu.Lock()
		defer h.currentMu.Unlock()
		return h.current != nil
	})

	victim := newTestOp(func(op *testOp) { op.Started(); op.Success(); op.Finished() })
	survivor := newTestOp(func(op *testOp) { op.Started(); op.Success(); op.Finished() })
	h.AddOperation(victim)
	h.AddOperation(survivor)

	h.CancelOperation(victim.ID())
	close(gate)

	waitFor(t, time.Second, func() bool { return survivor.Status().State() == operation.Success })
	if victim.Status().State() != operation.Cancelled {
		t.Fatalf("victim state = %v, want Cancelled", victim.Status().State())
	}
}

// S6: shutdown drains the queue; every submitted operation receives exactly
// one terminal callback.
func TestTerminateDrainsQueue(t *testing.T) {
	h := New(Options{})
	capture := &finishedCapture{}

	gate := make(chan struct{})
	running := newTestOp(func(op *testOp) {
		op.Started()
		<-gate
		op.Success()
		op.Finished()
	})
	running.Base = operation.NewBase(capture, nil, "running")
	h.AddOperation(running)
	waitFor(t, time.Second, func() bool {
		h.currentMu.Lock()
		defer h.currentMu.Unlock()
		return h.current != nil
	})

	var queued []*testOp
	for i := 0; i < 4; i++ {
		op := &testOp{}
		op.Base = operation.NewBase(capture, nil, "queued")
		op.fn = func(op *testOp) { op.Started(); op.Success(); op.Finished() }
		queued = append(queued, op)
		h.AddOperation(op)
	}

	close(gate)
	h.Terminate()

	<-h.Done()
	got := capture.snapshot()
	if len(got) != 5 {
		t.Fatalf("expected exactly 5 terminal callbacks, got %d", len(got))
	}
}
