// Package acks correlates outbound messages awaiting confirmation with the
// acknowledgments that resolve them, bounding memory with a periodic sweep of
// expired entries.
package acks

import (
	"context"
	"sync"
	"time"
)

// Outcome is the terminal result of a tracked message: the ack payload on
// success or the error that ended the wait.
type Outcome struct {
	Payload []byte
	Err     error
}

type entry struct {
	deadline time.Time
	ch       chan Outcome
}

// Tracker holds pending-acknowledgment entries keyed by message ID. A sweep
// goroutine expires entries past their deadline so memory stays bounded even
// if acknowledgments never arrive.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]entry
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	interval   time.Duration
	timeoutErr error
}

// New creates a tracker that sweeps at the given interval and fails expired
// entries with timeoutErr. The interval should not exceed the ack timeout.
func New(interval time.Duration, timeoutErr error) *Tracker {
	return &Tracker{
		pending:    make(map[string]entry),
		interval:   interval,
		timeoutErr: timeoutErr,
	}
}

// Start launches the sweep goroutine. It is idempotent, and a stopped tracker
// may be started again.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.sweep(time.Now())
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to exit. Pending entries
// are left untouched; callers that want them rejected use FailAll first.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	cancel := t.cancel
	t.mu.Unlock()
	cancel()
	t.wg.Wait()
}

// Track registers a message ID and returns a channel that receives exactly one
// Outcome: the ack payload, a failure, or the timeout at deadline.
func (t *Tracker) Track(id string, deadline time.Time) <-chan Outcome {
	ch := make(chan Outcome, 1)
	t.mu.Lock()
	t.pending[id] = entry{deadline: deadline, ch: ch}
	t.mu.Unlock()
	return ch
}

// Resolve completes the entry for id with the ack payload. It reports whether
// an entry was waiting.
func (t *Tracker) Resolve(id string, payload []byte) bool {
	return t.finish(id, Outcome{Payload: payload})
}

// Fail completes the entry for id with an error. It reports whether an entry
// was waiting.
func (t *Tracker) Fail(id string, err error) bool {
	return t.finish(id, Outcome{Err: err})
}

// FailAll rejects every pending entry with err, clearing the map.
func (t *Tracker) FailAll(err error) {
	t.mu.Lock()
	for id, e := range t.pending {
		e.ch <- Outcome{Err: err}
		delete(t.pending, id)
	}
	t.mu.Unlock()
}

// Len returns the number of pending entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracker) finish(id string, out Outcome) bool {
	t.mu.Lock()
	e, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if ok {
		e.ch <- out
	}
	return ok
}

func (t *Tracker) sweep(now time.Time) {
	t.mu.Lock()
	var expired []chan Outcome
	for id, e := range t.pending {
		if now.After(e.deadline) {
			expired = append(expired, e.ch)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()
	for _, ch := range expired {
		ch <- Outcome{Err: t.timeoutErr}
	}
}
