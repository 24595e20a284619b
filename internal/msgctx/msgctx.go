package msgctx

import (
	"context"
	"time"
)

// Meta holds per-message metadata attached by the transport before a handler
// runs: which connection delivered the message and when it arrived.
type Meta struct {
	ConnectionID string
	ReceivedAt   time.Time
}

type ctxKey struct{}

// With returns a child context carrying the given message metadata.
func With(parent context.Context, m *Meta) context.Context {
	return context.WithValue(parent, ctxKey{}, m)
}

// From extracts the message metadata from context if present.
func From(ctx context.Context) (*Meta, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	m, ok := v.(*Meta)
	return m, ok
}
