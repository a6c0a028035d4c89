// Package ban holds the startup snapshot of banned peers and users.
package ban

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Ban kinds.
const (
	KindIP  = "ip"
	KindUID = "uid"
)

var ErrUnknownKind = errors.New("unknown ban kind")

// Snapshot is the stored shape of the ban list.
type Snapshot struct {
	IPs  []string `json:"ip"`
	UIDs []string `json:"uid"`
}

// Add records value under kind unless it is already listed. It reports
// whether the snapshot changed.
func (s *Snapshot) Add(kind, value string) (bool, error) {
	if err := Validate(kind, value); err != nil {
		return false, err
	}
	list := &s.IPs
	if kind == KindUID {
		list = &s.UIDs
	}
	if slices.Contains(*list, value) {
		return false, nil
	}
	*list = append(*list, value)
	return true, nil
}

// ParseEntry splits a "kind=value" ban entry such as "ip=203.0.113.9".
func ParseEntry(entry string) (kind, value string, err error) {
	kind, value, ok := strings.Cut(entry, "=")
	if !ok {
		return "", "", fmt.Errorf("ban entry %q: expected kind=value", entry)
	}
	kind = strings.TrimSpace(kind)
	value = strings.TrimSpace(value)
	if err := Validate(kind, value); err != nil {
		return "", "", err
	}
	return kind, value, nil
}

// Validate checks that kind is known and value is non-empty.
func Validate(kind, value string) error {
	if kind != KindIP && kind != KindUID {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if value == "" {
		return fmt.Errorf("empty %s ban", kind)
	}
	return nil
}

// Source loads the ban snapshot from the persistent store.
type Source interface {
	BanSnapshot(ctx context.Context) (Snapshot, error)
}

// Seeder persists a ban so that the next snapshot includes it.
type Seeder interface {
	Ban(ctx context.Context, kind, value string) error
}

// Gate answers ban lookups against a point-in-time snapshot. It is never
// refreshed after construction, so it is safe for concurrent reads.
type Gate struct {
	ips  map[string]struct{}
	uids map[string]struct{}
}

// NewGate builds a gate from one or more snapshots; entries are unioned.
func NewGate(snapshots ...Snapshot) *Gate {
	g := &Gate{
		ips:  make(map[string]struct{}),
		uids: make(map[string]struct{}),
	}
	for _, s := range snapshots {
		for _, ip := range s.IPs {
			if ip = strings.TrimSpace(ip); ip != "" {
				g.ips[ip] = struct{}{}
			}
		}
		for _, uid := range s.UIDs {
			if uid != "" {
				g.uids[uid] = struct{}{}
			}
		}
	}
	return g
}

// Load reads the snapshot from src and merges the static extras on top.
func Load(ctx context.Context, src Source, extra Snapshot) (*Gate, error) {
	if src == nil {
		return NewGate(extra), nil
	}
	snap, err := src.BanSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ban snapshot: %w", err)
	}
	return NewGate(snap, extra), nil
}

// IsBannedPeer reports whether the peer address is banned.
func (g *Gate) IsBannedPeer(ip string) bool {
	if g == nil {
		return false
	}
	_, ok := g.ips[ip]
	return ok
}

// IsBannedUID reports whether the user id is banned.
func (g *Gate) IsBannedUID(uid string) bool {
	if g == nil {
		return false
	}
	_, ok := g.uids[uid]
	return ok
}

// Size returns the number of banned IPs and uids.
func (g *Gate) Size() (ips, uids int) {
	if g == nil {
		return 0, 0
	}
	return len(g.ips), len(g.uids)
}
