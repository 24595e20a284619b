// Package hub keeps the gateway's per-player session registry and the fan-out
// path used to notify a player's other sessions of accepted changes.
package hub

import "sync"

// Session is one connected client the hub can write to. Implementations must
// be safe for concurrent Send calls.
type Session interface {
	ID() string
	Send(data []byte) error
}

// Hub indexes live sessions by player.
type Hub struct {
	mu       sync.RWMutex
	byPlayer map[string]map[string]Session
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{byPlayer: make(map[string]map[string]Session)}
}

// Add registers a session under the player.
func (h *Hub) Add(playerID string, s Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.byPlayer[playerID]
	if !ok {
		m = make(map[string]Session)
		h.byPlayer[playerID] = m
	}
	m[s.ID()] = s
}

// Remove drops the session and reports whether the player has none left.
func (h *Hub) Remove(playerID, sessionID string) (empty bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.byPlayer[playerID]
	if !ok {
		return true
	}
	delete(m, sessionID)
	if len(m) == 0 {
		delete(h.byPlayer, playerID)
		return true
	}
	return false
}

// Broadcast sends data to every session of the player except exceptID. It
// returns the number of sessions written; failed sends are skipped.
func (h *Hub) Broadcast(playerID string, data []byte, exceptID string) int {
	h.mu.RLock()
	sessions := make([]Session, 0, len(h.byPlayer[playerID]))
	for id, s := range h.byPlayer[playerID] {
		if id != exceptID {
			sessions = append(sessions, s)
		}
	}
	h.mu.RUnlock()

	n := 0
	for _, s := range sessions {
		if err := s.Send(data); err == nil {
			n++
		}
	}
	return n
}

// Each calls fn for every session across all players. The snapshot is taken
// under the lock; fn runs outside it.
func (h *Hub) Each(fn func(playerID string, s Session)) {
	type item struct {
		player string
		s      Session
	}
	h.mu.RLock()
	items := make([]item, 0)
	for player, m := range h.byPlayer {
		for _, s := range m {
			items = append(items, item{player: player, s: s})
		}
	}
	h.mu.RUnlock()
	for _, it := range items {
		fn(it.player, it.s)
	}
}

// Len returns the total number of live sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, m := range h.byPlayer {
		n += len(m)
	}
	return n
}
