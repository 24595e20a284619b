package hub

import (
	"errors"
	"sync"
	"testing"
)

type fakeSession struct {
	id   string
	mu   sync.Mutex
	got  [][]byte
	fail bool
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) Send(data []byte) error {
	if f.fail {
		return errors.New("send failed")
	}
	f.mu.Lock()
	f.got = append(f.got, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestHub_BroadcastSkipsSenderAndOtherPlayers(t *testing.T) {
	h := New()
	a := &fakeSession{id: "a"}
	b := &fakeSession{id: "b"}
	other := &fakeSession{id: "c"}
	h.Add("p1", a)
	h.Add("p1", b)
	h.Add("p2", other)

	n := h.Broadcast("p1", []byte("x"), "a")
	if n != 1 {
		t.Fatalf("broadcast wrote %d sessions, want 1", n)
	}
	if a.count() != 0 || b.count() != 1 || other.count() != 0 {
		t.Fatalf("wrong delivery: a=%d b=%d other=%d", a.count(), b.count(), other.count())
	}
}

func TestHub_BroadcastSkipsFailedSends(t *testing.T) {
	h := New()
	bad := &fakeSession{id: "bad", fail: true}
	good := &fakeSession{id: "good"}
	h.Add("p1", bad)
	h.Add("p1", good)

	if n := h.Broadcast("p1", []byte("x"), ""); n != 1 {
		t.Fatalf("broadcast wrote %d sessions, want 1", n)
	}
}

func TestHub_RemoveReportsEmptiness(t *testing.T) {
	h := New()
	a := &fakeSession{id: "a"}
	b := &fakeSession{id: "b"}
	h.Add("p1", a)
	h.Add("p1", b)

	if empty := h.Remove("p1", "a"); empty {
		t.Fatal("player still has a session")
	}
	if empty := h.Remove("p1", "b"); !empty {
		t.Fatal("player should be empty after last removal")
	}
	if h.Len() != 0 {
		t.Fatalf("hub should be empty, len=%d", h.Len())
	}
	// removing from an unknown player reports empty
	if empty := h.Remove("ghost", "x"); !empty {
		t.Fatal("unknown player should report empty")
	}
}

func TestHub_Each(t *testing.T) {
	h := New()
	h.Add("p1", &fakeSession{id: "a"})
	h.Add("p2", &fakeSession{id: "b"})

	seen := map[string]bool{}
	h.Each(func(playerID string, s Session) { seen[playerID+"/"+s.ID()] = true })
	if !seen["p1/a"] || !seen["p2/b"] || len(seen) != 2 {
		t.Fatalf("unexpected visit set: %v", seen)
	}
}
