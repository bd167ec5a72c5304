// Package demo provides a sample Operation used by the CLI's "run" command
// to exercise the scheduler end to end: it simulates work by sleeping in
// short increments, polling for cancellation between each one, exactly the
// pattern a real long-running operation is expected to follow.
package demo

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/hollowforge/opqueue/pkg/operation"
)

const pollInterval = 10 * time.Millisecond

// FailureCode is the custom status code attached to an operation that
// fails on purpose, to show the callback carrying application-specific
// data alongside the lifecycle state.
const FailureCode uint16 = 1

// SleepOperation simulates a unit of work with a configurable duration and
// failure rate.
type SleepOperation struct {
	*operation.Base

	Name        string
	Work        time.Duration
	Timeout     time.Duration
	FailureRate float64

	logger *slog.Logger
}

// NewSleepOperation constructs a SleepOperation. observer and poster follow
// operation.Base's own constructor semantics; pass nil poster for
// direct, same-goroutine delivery.
func NewSleepOperation(name string, work, timeout time.Duration, failureRate float64, observer operation.Observer, poster operation.Poster, logger *slog.Logger) *SleepOperation {
	return &SleepOperation{
		Base:        operation.NewBase(observer, poster, name),
		Name:        name,
		Work:        work,
		Timeout:     timeout,
		FailureRate: failureRate,
		logger:      logger,
	}
}

// Execute runs the simulated work, polling CanContinue between increments
// so a timeout or cancellation takes effect promptly.
func (s *SleepOperation) Execute() {
	if s.Timeout > 0 {
		s.Started(s.Timeout)
	} else {
		s.Started()
	}

	deadline := time.Now().Add(s.Work)
	for time.Now().Before(deadline) {
		if !s.CanContinue() {
			s.log("stopped early, can_continue is false")
			s.Finished()
			return
		}
		time.Sleep(pollInterval)
	}

	if rand.Float64() < s.FailureRate {
		s.Failed(FailureCode)
		s.log("failed")
	} else {
		s.Success()
		s.log("succeeded")
	}
	s.Finished()
}

// Cancel is called by the handler when this operation times out or is
// cancelled in bulk; there is nothing to release here beyond what the embedded
// Base already does.
func (s *SleepOperation) Cancel() {
	s.log("cancelled")
}

func (s *SleepOperation) log(msg string) {
	if s.logger == nil {
		return
	}
	s.logger.Info(msg, "operation", s.Name, "id", s.ID(), "status", s.Status().State())
}
