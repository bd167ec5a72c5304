// Package handler implements the single worker thread's state machine: a
// dual-priority queue feeding one operation at a time to a goroutine, with
// cooperative cancellation, per-operation timeouts, and a sentinel-fenced
// bulk-cancel protocol.
package handler

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hollowforge/opqueue/pkg/operation"
)

// Metrics is the narrow slice of internal/metrics.Collector the handler
// needs. Defined here, on the consumer side, so this package does not
// import internal/metrics and metrics stays purely an observer of events
// the handler already has to raise.
type Metrics interface {
	RecordSubmitted(highPriority bool)
	RecordCompleted(state operation.Status, latency time.Duration)
	RecordCancelled()
	SetQueueDepth(normal, high int)
}

// Options configures a QueueHandler.
type Options struct {
	Logger     *slog.Logger
	Metrics    Metrics
	EmptyQueue func()
}

// QueueHandler owns the two priority queues and the single worker
// goroutine that drains them. It is safe for concurrent use: producers call
// AddOperation, AddHighPriorityOperation, CancelOperation and
// CancelAllOperations from any goroutine.
type QueueHandler struct {
	logger     *slog.Logger
	metrics    Metrics
	emptyQueue func()

	queueMu sync.Mutex
	normal  *opQueue
	high    *opQueue

	currentMu          sync.Mutex
	current            operation.Op
	currentStartedAt   time.Time
	currentCanContinue bool
	cancelAllPending   bool
	terminatePending   bool
	timer              *time.Timer

	gen uint64 // bumped whenever a driver abandons the operation it is stuck executing

	opsAvailable *countingSemaphore
	doneCh       chan struct{}
}

// internal driver states
type state int

const (
	stateWaiting state = iota
	stateProcessing
	stateExiting
	stateAbandoned
)

// New constructs a QueueHandler and immediately starts its worker
// goroutine; the returned handler is ready to accept operations.
func New(opts Options) *QueueHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &QueueHandler{
		logger:       logger,
		metrics:      opts.Metrics,
		emptyQueue:   opts.EmptyQueue,
		normal:       newOpQueue(),
		high:         newOpQueue(),
		opsAvailable: newCountingSemaphore(),
		doneCh:       make(chan struct{}),
	}
	go h.driveLoop()
	return h
}

// Done returns a channel closed once the handler reaches its terminal
// state, queues drained.
func (h *QueueHandler) Done() <-chan struct{} { return h.doneCh }

// RequestTerminate asks the worker to drain and exit; it does not block.
func (h *QueueHandler) RequestTerminate() {
	h.currentMu.Lock()
	h.currentCanContinue = false
	h.terminatePending = true
	h.currentMu.Unlock()
	h.opsAvailable.release(1)
}

// Terminate asks the worker to drain and exit, and blocks until it has.
func (h *QueueHandler) Terminate() {
	h.RequestTerminate()
	<-h.doneCh
}

// AddOperation enqueues op at normal priority.
func (h *QueueHandler) AddOperation(op operation.Op) { h.submit(op, h.normal, false) }

// AddHighPriorityOperation enqueues op ahead of all normal-priority work.
func (h *QueueHandler) AddHighPriorityOperation(op operation.Op) { h.submit(op, h.high, true) }

func (h *QueueHandler) submit(op operation.Op, q *opQueue, highPriority bool) {
	h.queueMu.Lock()
	h.addToQueueLocked(op, q)
	nCount, hCount := h.normal.count(), h.high.count()
	h.queueMu.Unlock()

	h.opsAvailable.release(1)
	if h.metrics != nil {
		h.metrics.RecordSubmitted(highPriority)
		h.metrics.SetQueueDepth(nCount, hCount)
	}
}

func (h *QueueHandler) addToQueueLocked(op operation.Op, q *opQueue) {
	if q.contains(op.ID()) {
		h.removeFromQueueLocked(op.ID(), q)
	}
	op.BindRuntime(op, h)
	q.enqueue(op)
}

// removeFromQueueLocked removes id from q, if present, treating the
// displaced operation as Cancelled and rebalancing ops_available for the
// permit it represented. Must be called with queueMu held.
func (h *QueueHandler) removeFromQueueLocked(id int64, q *opQueue) operation.Op {
	removed := q.remove(id)
	if removed == nil {
		return nil
	}
	removed.MarkCancelled()
	removed.CleanThreadSpecificResources()
	h.endOperation(removed)
	h.opsAvailable.acquire()
	return removed
}

// CancelOperation cancels a queued or currently running operation by id.
// Lock order is current_lock then queue_lock throughout this package.
func (h *QueueHandler) CancelOperation(id int64) {
	h.currentMu.Lock()
	h.queueMu.Lock()
	h.removeFromQueueLocked(id, h.high)
	h.removeFromQueueLocked(id, h.normal)
	h.queueMu.Unlock()

	if h.current != nil && h.current.ID() == id {
		h.current.MarkCancelled()
		h.currentCanContinue = false
	}
	h.currentMu.Unlock()
}

// CancelAllOperations discards every queued operation and cooperatively
// cancels the one currently running, if any. Operations submitted after
// this call returns are unaffected: a sentinel fences the boundary.
func (h *QueueHandler) CancelAllOperations() {
	highSentinel := operation.NewSentinel()
	normalSentinel := operation.NewSentinel()

	h.currentMu.Lock()
	h.queueMu.Lock()
	h.high.enqueue(highSentinel)
	h.normal.enqueue(normalSentinel)
	h.cancelAllPending = true
	if h.current != nil {
		h.currentCanContinue = false
	}
	h.queueMu.Unlock()
	h.currentMu.Unlock()

	h.opsAvailable.release(2)
	go h.doCancelAll()
}

// drainUntilSentinel pops entries off q, cancelling each one, until it pops
// the sentinel itself and stops. Every popped entry re-acquires one permit,
// the sentinel included: its presence in the queue was counted by the two
// permits CancelAllOperations released up front, so consuming it here is
// what balances that back out.
func (h *QueueHandler) drainUntilSentinel(q *opQueue) {
	for {
		op := q.dequeue()
		if op == nil {
			return
		}
		h.opsAvailable.acquire()
		if op.ID() == operation.SentinelID {
			return
		}
		op.MarkCancelled()
		op.CleanThreadSpecificResources()
		h.endOperation(op)
	}
}

func (h *QueueHandler) doCancelAll() {
	h.queueMu.Lock()
	h.drainUntilSentinel(h.high)
	h.drainUntilSentinel(h.normal)
	nCount, hCount := h.normal.count(), h.high.count()
	h.queueMu.Unlock()

	if h.metrics != nil {
		h.metrics.SetQueueDepth(nCount, hCount)
	}

	h.currentMu.Lock()
	var abandoned operation.Op
	if h.current != nil {
		abandoned = h.current
		abandoned.MarkCancelled()
		h.current = nil
		h.killTimerLocked()
	}
	h.cancelAllPending = false
	h.currentMu.Unlock()

	if abandoned != nil {
		abandoned.Cancel()
		abandoned.CleanThreadSpecificResources()
		h.endOperation(abandoned)
		atomic.AddUint64(&h.gen, 1)
		h.checkEmptyAndNotify()
		go h.driveLoop()
		return
	}
	h.checkEmptyAndNotify()
	h.opsAvailable.release(1) // wakes the driver still parked in onWaiting
}

// ArmTimer satisfies operation.Handler; it is called by Base.Started.
func (h *QueueHandler) ArmTimer(op operation.Op, timeout time.Duration) {
	h.currentMu.Lock()
	defer h.currentMu.Unlock()
	h.killTimerLocked()
	h.timer = time.AfterFunc(timeout, func() { h.onTimeout(op) })
}

// CanContinue satisfies operation.Handler.
func (h *QueueHandler) CanContinue() bool {
	h.currentMu.Lock()
	defer h.currentMu.Unlock()
	return h.currentCanContinue
}

// NotifyFinished satisfies operation.Handler; it is called by Base.Finished.
func (h *QueueHandler) NotifyFinished(op operation.Op) {
	h.completeCurrent(op)
}

func (h *QueueHandler) killTimerLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (h *QueueHandler) onTimeout(op operation.Op) {
	h.currentMu.Lock()
	if h.current == nil || h.current.ID() != op.ID() {
		h.currentMu.Unlock()
		return // stale timer, already handled via the other path
	}
	h.current = nil
	h.timer = nil
	h.currentCanContinue = false
	h.currentMu.Unlock()

	op.MarkTimedOut()
	op.Cancel()

	if h.metrics != nil {
		h.metrics.RecordCompleted(operation.TimedOut, time.Since(h.currentStartedAt))
	}
	op.CleanThreadSpecificResources()
	h.endOperation(op)
	h.checkEmptyAndNotify()

	atomic.AddUint64(&h.gen, 1)
	go h.driveLoop()
}

// completeCurrent is reached from Base.Finished, on the worker goroutine,
// in the common case. It is a no-op if a timeout has already claimed this
// operation's completion.
func (h *QueueHandler) completeCurrent(op operation.Op) {
	h.currentMu.Lock()
	if h.current == nil || h.current.ID() != op.ID() {
		h.currentMu.Unlock()
		return
	}
	h.current = nil
	h.killTimerLocked()
	started := h.currentStartedAt
	h.currentMu.Unlock()

	if h.metrics != nil {
		h.metrics.RecordCompleted(op.Status().State(), time.Since(started))
	}
	op.CleanThreadSpecificResources()
	h.endOperation(op)
	h.checkEmptyAndNotify()
}

func (h *QueueHandler) endOperation(op operation.Op) {
	if op.Status().State() == operation.Cancelled && h.metrics != nil {
		h.metrics.RecordCancelled()
	}
	if deliverer, ok := op.(interface{ Deliver() }); ok {
		deliverer.Deliver()
	}
}

func (h *QueueHandler) checkEmptyAndNotify() {
	h.queueMu.Lock()
	empty := h.normal.count() == 0 && h.high.count() == 0
	h.queueMu.Unlock()
	if empty && h.emptyQueue != nil {
		h.emptyQueue()
	}
}

// driveLoop runs the Waiting/Processing/Exiting state machine. A fresh
// instance is spawned whenever a timeout or bulk-cancel abandons the
// operation the previous instance is stuck executing; abandoned instances
// detect the handoff via gen and quietly return without touching doneCh.
func (h *QueueHandler) driveLoop() {
	st := stateWaiting
	for {
		switch st {
		case stateWaiting:
			st = h.onWaiting()
		case stateProcessing:
			st = h.onProcessing()
		case stateAbandoned:
			return
		case stateExiting:
			h.onExiting()
			close(h.doneCh)
			return
		}
	}
}

func (h *QueueHandler) onWaiting() state {
	h.opsAvailable.acquire()

	h.currentMu.Lock()
	if h.cancelAllPending {
		h.currentMu.Unlock()
		h.opsAvailable.release(1) // compensate: this wake-up wasn't a real item
		return stateWaiting
	}
	if h.terminatePending {
		h.currentMu.Unlock()
		return stateExiting
	}
	h.currentMu.Unlock()

	h.queueMu.Lock()
	var op operation.Op
	if id, ok := h.high.peekHead(); ok && id == operation.SentinelID {
		h.logger.Error("sentinel at queue head outside cancel-all path, retrying")
		h.queueMu.Unlock()
		h.opsAvailable.release(1)
		return stateWaiting
	}
	if h.high.count() > 0 {
		op = h.high.dequeue()
	} else if h.normal.count() > 0 {
		if id, ok := h.normal.peekHead(); ok && id == operation.SentinelID {
			h.logger.Error("sentinel at queue head outside cancel-all path, retrying")
			h.queueMu.Unlock()
			h.opsAvailable.release(1)
			return stateWaiting
		}
		op = h.normal.dequeue()
	}
	nCount, hCount := h.normal.count(), h.high.count()
	h.queueMu.Unlock()

	if h.metrics != nil {
		h.metrics.SetQueueDepth(nCount, hCount)
	}

	if op == nil {
		h.logger.Error("ops_available signalled work but both queues are empty, retrying")
		return stateWaiting
	}

	h.currentMu.Lock()
	h.current = op
	h.currentCanContinue = true
	h.currentStartedAt = time.Now()
	h.currentMu.Unlock()

	return stateProcessing
}

func (h *QueueHandler) onProcessing() state {
	h.currentMu.Lock()
	op := h.current
	h.currentMu.Unlock()

	myGen := atomic.LoadUint64(&h.gen)
	op.Execute()

	if atomic.LoadUint64(&h.gen) != myGen {
		// A timeout or bulk-cancel abandoned this operation while Execute
		// was still running and already spawned a replacement driver.
		return stateAbandoned
	}
	return stateWaiting
}

func (h *QueueHandler) onExiting() {
	h.queueMu.Lock()
	h.drainAll(h.high)
	h.drainAll(h.normal)
	h.queueMu.Unlock()
	h.checkEmptyAndNotify()
}

func (h *QueueHandler) drainAll(q *opQueue) {
	for q.count() > 0 {
		op := q.dequeue()
		if op.ID() == operation.SentinelID {
			continue
		}
		op.MarkCancelled()
		op.CleanThreadSpecificResources()
		h.endOperation(op)
		h.opsAvailable.acquire()
	}
}
