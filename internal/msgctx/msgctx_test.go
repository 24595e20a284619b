package msgctx

import (
	"context"
	"testing"
	"time"
)

func TestFrom_MissingMeta(t *testing.T) {
	if m, ok := From(context.Background()); ok || m != nil {
		t.Fatal("expected no meta on a bare context")
	}
}

func TestWithAndFrom(t *testing.T) {
	at := time.Now()
	ctx := With(context.Background(), &Meta{ConnectionID: "c1", ReceivedAt: at})
	m, ok := From(ctx)
	if !ok || m == nil {
		t.Fatal("meta not carried")
	}
	if m.ConnectionID != "c1" || !m.ReceivedAt.Equal(at) {
		t.Fatalf("unexpected meta: %+v", m)
	}
}
