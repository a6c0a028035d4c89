package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

type fakeConn struct {
	id string
}

func (f *fakeConn) ID() string             { return f.id }
func (f *fakeConn) Deliver(_ []byte) error { return nil }

func TestPresenceAddGetRemove(t *testing.T) {
	p := NewPresence()
	s1 := &fakeConn{id: "s1"}

	if _, _, err := p.Add("", s1); !errors.Is(err, ErrInvalidUID) {
		t.Fatalf("expected ErrInvalidUID, got %v", err)
	}
	if _, _, err := p.Add("u1", nil); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}

	if _, replaced, err := p.Add("u1", s1); err != nil || replaced {
		t.Fatalf("expected fresh registration, got replaced=%v err=%v", replaced, err)
	}
	if !p.IsOnline("u1") {
		t.Fatal("expected u1 online")
	}
	entry, ok := p.Get("u1")
	if !ok || entry.SessionID != "s1" || entry.Conn != s1 || entry.ConnectedAt.IsZero() {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	if !p.Remove("u1", "s1") {
		t.Fatal("expected removal")
	}
	if p.IsOnline("u1") || p.Len() != 0 {
		t.Fatal("expected u1 offline after removal")
	}
	if p.Remove("u1", "s1") {
		t.Fatal("second removal must be a no-op")
	}
}

func TestPresenceReplaceReturnsPrevious(t *testing.T) {
	p := NewPresence()
	old := &fakeConn{id: "old"}
	next := &fakeConn{id: "new"}

	_, _, _ = p.Add("u1", old)
	prev, replaced, err := p.Add("u1", next)
	if err != nil || !replaced || prev.Conn != old {
		t.Fatalf("expected old session returned for eviction, got %+v replaced=%v err=%v", prev, replaced, err)
	}

	// the evicted session closing must not deregister its successor
	if p.Remove("u1", "old") {
		t.Fatal("stale session removed the replacement entry")
	}
	entry, ok := p.Get("u1")
	if !ok || entry.SessionID != "new" {
		t.Fatalf("expected replacement to stay registered, got %+v", entry)
	}
}

func TestPresenceAtMostOneEntryPerUID(t *testing.T) {
	p := NewPresence()
	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, replaced, err := p.Add("u1", &fakeConn{id: fmt.Sprintf("s%d", i)})
			if err != nil {
				t.Errorf("add: %v", err)
				return
			}
			if !replaced {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if fresh != 1 {
		t.Fatalf("expected exactly one non-replacing registration, got %d", fresh)
	}
	if p.Len() != 1 {
		t.Fatalf("expected a single entry, got %d", p.Len())
	}
}

func TestPresenceListSorted(t *testing.T) {
	p := NewPresence()
	for _, uid := range []string{"c", "a", "b"} {
		_, _, _ = p.Add(uid, &fakeConn{id: uid})
	}
	list := p.List()
	if len(list) != 3 || list[0].UID != "a" || list[2].UID != "c" {
		t.Fatalf("unexpected list order: %+v", list)
	}
}
