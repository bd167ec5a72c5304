// Package operation defines the unit of work executed by a single worker
// thread: its lifecycle hooks, status encoding, and the small interfaces a
// queue handler and an observer need to drive and be notified of it.
package operation

import (
	"sync/atomic"
	"time"
)

var idSeq atomic.Int64

func nextID() int64 {
	return idSeq.Add(1)
}

// SentinelID is reserved for bulk-cancellation markers. No real operation
// may use it.
const SentinelID int64 = 0

// Op is what a queue handler needs from an operation: enough to run it,
// stop it, and account for it, without knowing its concrete type.
type Op interface {
	Execute()
	Cancel()
	CleanThreadSpecificResources()
	ID() int64
	Status() Status
	MarkCancelled()
	MarkTimedOut()
	BindRuntime(self Op, h Handler)
}

// Handler is the subset of the queue handler an operation needs to call
// back into: arm its timeout, check whether it should keep going, and
// report that it is done. Defined here, on the consumer side, so this
// package and the handler package never need to import each other.
type Handler interface {
	ArmTimer(op Op, timeout time.Duration)
	CanContinue() bool
	NotifyFinished(op Op)
}

// Observer is notified when an operation reaches a terminal state.
type Observer interface {
	OnOperationFinished(op Op)
}

// Poster delivers a callback to an observer's home goroutine. An observer
// with no Poster is called directly, on whichever goroutine delivers the
// completion.
type Poster interface {
	Post(fn func())
}

// Base implements the bookkeeping every operation needs: id allocation,
// status packing, the started/canContinue/success/failed/finished
// lifecycle, and callback delivery. Embed it in a concrete operation type
// and implement Execute; Cancel and CleanThreadSpecificResources may be
// overridden by defining same-named methods on the embedding type.
type Base struct {
	id           int64
	callbackName string
	observer     Observer
	poster       Poster
	status       atomic.Uint32

	self    Op
	handler Handler
}

// NewBase constructs an operation's base. callbackName is carried purely as
// a label for logs and metrics; dispatch always goes through Observer, not
// a resolved method name.
func NewBase(observer Observer, poster Poster, callbackName string) *Base {
	b := &Base{
		id:           nextID(),
		callbackName: callbackName,
		observer:     observer,
		poster:       poster,
	}
	b.status.Store(uint32(NotStarted))
	return b
}

func (b *Base) ID() int64            { return b.id }
func (b *Base) CallbackName() string { return b.callbackName }
func (b *Base) Status() Status       { return Status(b.status.Load()) }
func (b *Base) CustomCode() uint16   { return b.Status().Code() }

func (b *Base) setState(state Status) {
	for {
		old := Status(b.status.Load())
		next := Merge(state, old.Code())
		if b.status.CompareAndSwap(uint32(old), uint32(next)) {
			return
		}
	}
}

func (b *Base) setCode(code uint16) {
	for {
		old := Status(b.status.Load())
		next := Merge(old.State(), code)
		if b.status.CompareAndSwap(uint32(old), uint32(next)) {
			return
		}
	}
}

// BindRuntime is called by the queue handler the moment an operation is
// accepted into a queue: it records the back-reference to the handler and
// the operation's own outward-facing identity (self), and resets status to
// NotStarted so a re-submitted operation starts clean.
func (b *Base) BindRuntime(self Op, h Handler) {
	b.self = self
	b.handler = h
	b.setState(NotStarted)
}

// Started marks the operation Running and arms its timeout. Call it first
// thing inside Execute. An explicit timeout may be supplied; otherwise
// DefaultTimeout applies.
func (b *Base) Started(timeout ...time.Duration) {
	b.setState(Running)
	d := DefaultTimeout * time.Millisecond
	if len(timeout) > 0 {
		d = timeout[0]
	}
	if b.handler != nil && b.self != nil {
		b.handler.ArmTimer(b.self, d)
	}
}

// CanContinue reports whether the operation should keep running. Long
// executions should poll this periodically and return early when false;
// nothing preempts a goroutine that ignores it.
func (b *Base) CanContinue() bool {
	if b.handler == nil {
		return true
	}
	return b.handler.CanContinue()
}

// SetCustomCode sets the caller-defined result code without touching the
// lifecycle state bits.
func (b *Base) SetCustomCode(code uint16) { b.setCode(code) }

// Success marks the operation successful, with an optional result code.
func (b *Base) Success(code ...uint16) {
	b.setState(Success)
	if len(code) > 0 {
		b.setCode(code[0])
	}
}

// Failed marks the operation failed, with an optional result code.
func (b *Base) Failed(code ...uint16) {
	b.setState(Failed)
	if len(code) > 0 {
		b.setCode(code[0])
	}
}

// MarkCancelled forces the Cancelled state. Used by the handler when
// discarding a queued operation or abandoning the current one.
func (b *Base) MarkCancelled() { b.setState(Cancelled) }

// MarkTimedOut forces the TimedOut state. Used by the handler's timer.
func (b *Base) MarkTimedOut() { b.setState(TimedOut) }

// Finished must be called exactly once, at the end of Execute, whether the
// operation succeeded or failed. It is a no-op if the timer already marked
// the operation TimedOut: the handler has moved on and this call arrives
// too late to matter.
func (b *Base) Finished() {
	if b.Status().State() == TimedOut {
		return
	}
	if b.handler != nil && b.self != nil {
		b.handler.NotifyFinished(b.self)
	}
}

// Cancel is the default no-op hook, called when the operation is cancelled
// or times out. Override by defining Cancel on the embedding type.
func (b *Base) Cancel() {}

// CleanThreadSpecificResources is the default no-op hook, called right
// before the operation is handed back to its observer, on the goroutine
// that completes it: the worker goroutine for a normal finish, the caller's
// goroutine for a cancel by id, and a separate goroutine for a timeout or a
// bulk cancel. It is not confined to the worker goroutine.
// Override by defining it on the embedding type; with no observer the
// original design destroyed the operation here, which in Go is simply
// left to the garbage collector.
func (b *Base) CleanThreadSpecificResources() {}

// deliver routes the finished operation to its observer, respecting the
// observer's home-thread posting preference.
func (b *Base) deliver(self Op) {
	if b.observer == nil {
		return
	}
	if b.poster == nil {
		b.observer.OnOperationFinished(self)
		return
	}
	b.poster.Post(func() { b.observer.OnOperationFinished(self) })
}

// Deliver is exported so the queue handler can invoke delivery without
// reaching into Base's private fields.
func (b *Base) Deliver() { b.deliver(b.self) }

type sentinel struct {
	*Base
}

// NewSentinel returns a fresh marker operation used to fence bulk
// cancellation: everything dequeued ahead of it belongs to the cancel-all
// call that enqueued it, everything behind it was submitted afterward and
// survives.
func NewSentinel() Op {
	s := &sentinel{Base: &Base{}}
	s.id = SentinelID
	s.status.Store(uint32(NotStarted))
	return s
}

func (s *sentinel) Execute() {}
