// Package backoff provides the reconnect delay policy as a pure function plus
// a small scheduler that owns timer cancellation, so callers can unit-test
// backoff behavior without real timers.
package backoff

import (
	"sync"
	"time"
)

// Delay returns the exponential backoff delay for the given zero-based
// attempt: base doubled per attempt, capped at max.
func Delay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Scheduler runs at most one pending call at a time. Scheduling a new call
// cancels the previous pending one; Stop cancels whatever is pending.
type Scheduler struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// Schedule arranges for fn to run after d, replacing any pending call.
func (s *Scheduler) Schedule(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		live := s.gen == gen
		s.mu.Unlock()
		if live {
			fn()
		}
	})
}

// Stop cancels any pending call. Calls already started are not interrupted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}
