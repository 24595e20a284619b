package gearsync

import (
	"sync"
	"time"
)

// ConnectionStats is a snapshot of transport health exposed to the application.
type ConnectionStats struct {
	Connected         bool      `json:"connected"`
	ConnectionID      string    `json:"connectionId,omitempty"`
	PlayerID          string    `json:"playerId,omitempty"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	QueuedMessages    int       `json:"queuedMessages"`
	PendingAcks       int       `json:"pendingAcks"`
	LastHeartbeat     time.Time `json:"lastHeartbeat,omitzero"`
}

// healthMonitor tracks when the last heartbeat response arrived and decides
// whether the link has gone stale.
type healthMonitor struct {
	mu   sync.RWMutex
	last time.Time
}

// beat records a heartbeat response at now.
func (h *healthMonitor) beat(now time.Time) {
	h.mu.Lock()
	h.last = now
	h.mu.Unlock()
}

// lastBeat returns when the most recent heartbeat response arrived.
func (h *healthMonitor) lastBeat() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

// stale reports whether no heartbeat response arrived within window.
// A monitor that never saw a beat is not stale; the window starts counting
// from the first recorded beat (connect records one).
func (h *healthMonitor) stale(now time.Time, window time.Duration) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.last.IsZero() {
		return false
	}
	return now.Sub(h.last) > window
}
