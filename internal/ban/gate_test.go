package ban

import (
	"context"
	"errors"
	"testing"
)

type staticSource struct {
	snap Snapshot
	err  error
}

func (s staticSource) BanSnapshot(context.Context) (Snapshot, error) {
	return s.snap, s.err
}

func TestGateLookups(t *testing.T) {
	gate := NewGate(Snapshot{
		IPs:  []string{"10.0.0.1", " 10.0.0.2 ", ""},
		UIDs: []string{"mallory", ""},
	})

	if !gate.IsBannedPeer("10.0.0.1") || !gate.IsBannedPeer("10.0.0.2") {
		t.Fatal("expected listed IPs to be banned")
	}
	if gate.IsBannedPeer("10.0.0.3") || gate.IsBannedPeer("") {
		t.Fatal("unexpected ban for unlisted or empty IP")
	}
	if !gate.IsBannedUID("mallory") {
		t.Fatal("expected listed uid to be banned")
	}
	if gate.IsBannedUID("alice") || gate.IsBannedUID("") {
		t.Fatal("unexpected ban for unlisted or empty uid")
	}
	if ips, uids := gate.Size(); ips != 2 || uids != 1 {
		t.Fatalf("expected 2 ips and 1 uid, got %d/%d", ips, uids)
	}
}

func TestNilGateBansNothing(t *testing.T) {
	var gate *Gate
	if gate.IsBannedPeer("10.0.0.1") || gate.IsBannedUID("mallory") {
		t.Fatal("nil gate must not ban")
	}
}

func TestLoadMergesExtras(t *testing.T) {
	src := staticSource{snap: Snapshot{IPs: []string{"1.2.3.4"}, UIDs: []string{"u-store"}}}
	gate, err := Load(context.Background(), src, Snapshot{UIDs: []string{"u-config"}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !gate.IsBannedPeer("1.2.3.4") || !gate.IsBannedUID("u-store") || !gate.IsBannedUID("u-config") {
		t.Fatal("expected store and config bans to be merged")
	}
}

func TestLoadPropagatesSourceError(t *testing.T) {
	boom := errors.New("store down")
	if _, err := Load(context.Background(), staticSource{err: boom}, Snapshot{}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped source error, got %v", err)
	}
}

func TestParseEntry(t *testing.T) {
	kind, value, err := ParseEntry(" ip = 203.0.113.9 ")
	if err != nil || kind != KindIP || value != "203.0.113.9" {
		t.Fatalf("unexpected parse %q %q %v", kind, value, err)
	}
	if kind, value, err = ParseEntry("uid=troll"); err != nil || kind != KindUID || value != "troll" {
		t.Fatalf("unexpected parse %q %q %v", kind, value, err)
	}
	for _, bad := range []string{"troll", "uid=", "device=x", "=x"} {
		if _, _, err := ParseEntry(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
	if _, _, err := ParseEntry("device=x"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestSnapshotAdd(t *testing.T) {
	var snap Snapshot
	for _, entry := range []struct {
		kind, value string
		changed     bool
	}{
		{KindIP, "10.0.0.1", true},
		{KindUID, "mallory", true},
		{KindUID, "mallory", false},
	} {
		changed, err := snap.Add(entry.kind, entry.value)
		if err != nil || changed != entry.changed {
			t.Fatalf("add %s=%s: changed=%v err=%v", entry.kind, entry.value, changed, err)
		}
	}
	if len(snap.IPs) != 1 || len(snap.UIDs) != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if _, err := snap.Add("device", "x"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}
