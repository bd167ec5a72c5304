package handler

import "sync"

// countingSemaphore is the ops_available primitive: its value must always
// equal the number of queued operations plus any outstanding pseudo-permits
// (wake-ups that don't correspond to a real queued item, such as a
// terminate request or a cancel-all nudge).
type countingSemaphore struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int
}

func newCountingSemaphore() *countingSemaphore {
	s := &countingSemaphore{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *countingSemaphore) release(permits int) {
	s.mu.Lock()
	s.n += permits
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *countingSemaphore) acquire() {
	s.mu.Lock()
	for s.n == 0 {
		s.cond.Wait()
	}
	s.n--
	s.mu.Unlock()
}

// value reports the current permit count. Exported only to this package's
// tests, to check the ops_available invariant directly rather than inferring
// it from behavior.
func (s *countingSemaphore) value() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}
