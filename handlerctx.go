package gearsync

import (
	"context"
	"time"

	"github.com/GearSync/gearsync-go/internal/msgctx"
)

// MessageConnection returns the ID of the connection that delivered the
// message being handled. It returns "" if the context was not provided by the
// transport dispatch path.
func MessageConnection(ctx context.Context) string {
	m, ok := msgctx.From(ctx)
	if !ok || m == nil {
		return ""
	}
	return m.ConnectionID
}

// MessageReceivedAt returns when the message being handled arrived. It returns
// the zero time if the context was not provided by the transport dispatch path.
func MessageReceivedAt(ctx context.Context) time.Time {
	m, ok := msgctx.From(ctx)
	if !ok || m == nil {
		return time.Time{}
	}
	return m.ReceivedAt
}
