package acks

import (
	"errors"
	"testing"
	"time"
)

var errTimeout = errors.New("ack timeout")

func TestTracker_ResolveDeliversPayload(t *testing.T) {
	tr := New(10*time.Millisecond, errTimeout)
	ch := tr.Track("m1", time.Now().Add(time.Second))

	if !tr.Resolve("m1", []byte(`{"ok":true}`)) {
		t.Fatal("Resolve should report a waiting entry")
	}
	out := <-ch
	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if string(out.Payload) != `{"ok":true}` {
		t.Fatalf("unexpected payload: %s", out.Payload)
	}
	if tr.Len() != 0 {
		t.Fatalf("entry not removed, len=%d", tr.Len())
	}
	// second resolve finds nothing
	if tr.Resolve("m1", nil) {
		t.Fatal("second Resolve should find no entry")
	}
}

func TestTracker_SweepExpires(t *testing.T) {
	tr := New(5*time.Millisecond, errTimeout)
	tr.Start()
	defer tr.Stop()

	ch := tr.Track("m2", time.Now().Add(15*time.Millisecond))
	select {
	case out := <-ch:
		if !errors.Is(out.Err, errTimeout) {
			t.Fatalf("expected timeout error, got %v", out.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("sweep never expired the entry")
	}
	if tr.Len() != 0 {
		t.Fatalf("expired entry not removed, len=%d", tr.Len())
	}
}

func TestTracker_FailAll(t *testing.T) {
	tr := New(time.Second, errTimeout)
	errClosed := errors.New("closed")
	a := tr.Track("a", time.Now().Add(time.Minute))
	b := tr.Track("b", time.Now().Add(time.Minute))

	tr.FailAll(errClosed)
	for _, ch := range []<-chan Outcome{a, b} {
		out := <-ch
		if !errors.Is(out.Err, errClosed) {
			t.Fatalf("expected closed error, got %v", out.Err)
		}
	}
	if tr.Len() != 0 {
		t.Fatal("FailAll should clear the map")
	}
}

func TestTracker_StartStopIdempotent(t *testing.T) {
	tr := New(time.Millisecond, errTimeout)
	tr.Start()
	tr.Start()
	tr.Stop()
	tr.Stop()
}
