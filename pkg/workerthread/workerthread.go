// Package workerthread is the public entry point for the single-worker
// operation scheduler: construct one, start it, feed it operations, and
// terminate it when done.
package workerthread

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hollowforge/opqueue/internal/handler"
	"github.com/hollowforge/opqueue/pkg/operation"
)

// ErrAlreadyStarted is returned by Start if called more than once.
var ErrAlreadyStarted = errors.New("workerthread: already started")

// ErrNotStarted is returned when an operation is submitted before Start.
var ErrNotStarted = errors.New("workerthread: not started")

// JoinTimeout bounds how long Terminate waits before logging a warning; it
// keeps waiting afterward, it just stops waiting silently.
const JoinTimeout = 1500 * time.Millisecond

// Metrics mirrors internal/handler.Metrics so callers can supply a
// prometheus-backed collector without importing the internal package.
type Metrics = handler.Metrics

// Config configures a WorkerThread.
type Config struct {
	Logger       *slog.Logger
	Metrics      Metrics
	OnEmptyQueue func()
}

// WorkerThread owns exactly one worker goroutine and the queue handler
// feeding it.
type WorkerThread struct {
	cfg Config

	mu      sync.Mutex
	h       *handler.QueueHandler
	started bool
}

// New constructs a WorkerThread. Call Start before adding operations.
func New(cfg Config) *WorkerThread {
	return &WorkerThread{cfg: cfg}
}

// Start spawns the worker goroutine. It blocks until the goroutine's queue
// handler is constructed and ready to accept work.
func (w *WorkerThread) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrAlreadyStarted
	}
	w.h = handler.New(handler.Options{
		Logger:     w.cfg.Logger,
		Metrics:    w.cfg.Metrics,
		EmptyQueue: w.cfg.OnEmptyQueue,
	})
	w.started = true
	return nil
}

// AddOperation enqueues op at normal priority.
func (w *WorkerThread) AddOperation(op operation.Op) error {
	h, err := w.handlerOrErr()
	if err != nil {
		return err
	}
	h.AddOperation(op)
	return nil
}

// AddHighPriorityOperation enqueues op ahead of normal-priority work.
func (w *WorkerThread) AddHighPriorityOperation(op operation.Op) error {
	h, err := w.handlerOrErr()
	if err != nil {
		return err
	}
	h.AddHighPriorityOperation(op)
	return nil
}

// CancelOperation cancels a queued or running operation by id.
func (w *WorkerThread) CancelOperation(id int64) error {
	h, err := w.handlerOrErr()
	if err != nil {
		return err
	}
	h.CancelOperation(id)
	return nil
}

// CancelAllOperations discards everything currently queued and
// cooperatively cancels the operation in flight, if any. Operations
// submitted after this call returns are unaffected.
func (w *WorkerThread) CancelAllOperations() error {
	h, err := w.handlerOrErr()
	if err != nil {
		return err
	}
	h.CancelAllOperations()
	return nil
}

// Terminate cancels everything, drains the queue, and joins the worker
// goroutine. Exceeding JoinTimeout is logged but not fatal; Terminate keeps
// waiting until the goroutine actually exits.
func (w *WorkerThread) Terminate() {
	w.mu.Lock()
	h := w.h
	started := w.started
	w.mu.Unlock()
	if !started {
		return
	}

	h.RequestTerminate()
	select {
	case <-h.Done():
		return
	case <-time.After(JoinTimeout):
	}

	logger := w.cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("worker thread join exceeded bound, still waiting", "bound", JoinTimeout)
	<-h.Done()
}

func (w *WorkerThread) handlerOrErr() (*handler.QueueHandler, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return nil, ErrNotStarted
	}
	return w.h, nil
}
