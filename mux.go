package gearsync

import (
	"context"
	"sync"
)

// Wildcard is the subscription key matching every message type.
const Wildcard = "*"

// HandlerFunc is the function signature for processing an inbound envelope.
// The context carries per-message metadata (connection ID, received-at time).
type HandlerFunc func(ctx context.Context, env *Envelope) error

// Middleware is a function that wraps a HandlerFunc to provide cross-cutting concerns.
type Middleware func(HandlerFunc) HandlerFunc

type handler struct {
	exec HandlerFunc
	seq  uint64
}

// Mux routes inbound envelopes to their handlers by message type. At most one
// handler is retained per exact type key (last registration wins) plus at most
// one wildcard handler registered under Wildcard.
type Mux struct {
	mu          sync.RWMutex
	handlers    map[string]handler
	seq         uint64
	middlewares []Middleware
}

// NewMux creates a new message Mux.
func NewMux() *Mux {
	return &Mux{
		handlers:    make(map[string]handler),
		middlewares: []Middleware{},
	}
}

// Handle registers a handler for a message type, replacing any previous
// registration for the same key. The returned func unsubscribes the handler;
// it is a no-op if a later registration already replaced it.
func (m *Mux) Handle(msgType string, fn HandlerFunc) (unsubscribe func()) {
	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.handlers[msgType] = handler{exec: fn, seq: seq}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		if h, ok := m.handlers[msgType]; ok && h.seq == seq {
			delete(m.handlers, msgType)
		}
		m.mu.Unlock()
	}
}

// Use adds middleware(s) to the mux. Middlewares are executed in the order they are added.
func (m *Mux) Use(mw Middleware) {
	m.mu.Lock()
	m.middlewares = append(m.middlewares, mw)
	m.mu.Unlock()
}

// Dispatch invokes the exact-type handler for the envelope, then the wildcard
// handler if one is registered. The first handler error is returned.
func (m *Mux) Dispatch(ctx context.Context, env *Envelope) error {
	m.mu.RLock()
	exact, okExact := m.handlers[env.Type]
	wild, okWild := m.handlers[Wildcard]
	m.mu.RUnlock()

	var first error
	if okExact {
		if err := m.wrapHandler(exact.exec)(ctx, env); err != nil {
			first = err
		}
	}
	if okWild && env.Type != Wildcard {
		if err := m.wrapHandler(wild.exec)(ctx, env); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *Mux) wrapHandler(h HandlerFunc) HandlerFunc {
	m.mu.RLock()
	mws := m.middlewares
	m.mu.RUnlock()
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
