package registry

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrInvalidUID     = errors.New("uid is required")
	ErrInvalidSession = errors.New("session handle is required")
)

// Conn is the live handle a registered session exposes to the router.
type Conn interface {
	ID() string
	Deliver(frame []byte) error
}

// Entry tracks one active session for a uid.
type Entry struct {
	UID         string
	SessionID   string
	Conn        Conn
	ConnectedAt time.Time
}

// Presence maps uids to their single active session.
type Presence struct {
	mu      sync.RWMutex
	entries map[string]Entry
	nowFn   func() time.Time
}

// NewPresence creates an empty presence registry.
func NewPresence() *Presence {
	return &Presence{
		entries: make(map[string]Entry),
		nowFn:   time.Now,
	}
}

// Add registers conn as the active session for uid in one locked step.
// An existing entry for uid is replaced and returned so the caller can evict it.
func (p *Presence) Add(uid string, conn Conn) (Entry, bool, error) {
	if uid == "" {
		return Entry{}, false, ErrInvalidUID
	}
	if conn == nil {
		return Entry{}, false, ErrInvalidSession
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	prev, replaced := p.entries[uid]
	p.entries[uid] = Entry{
		UID:         uid,
		SessionID:   conn.ID(),
		Conn:        conn,
		ConnectedAt: p.nowFn(),
	}
	return prev, replaced, nil
}

// Remove deletes the entry for uid if it still belongs to sessionID.
// A session evicted by a newer login therefore never deregisters its successor.
func (p *Presence) Remove(uid, sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[uid]
	if !ok || entry.SessionID != sessionID {
		return false
	}
	delete(p.entries, uid)
	return true
}

// IsOnline reports whether uid has an active session.
func (p *Presence) IsOnline(uid string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[uid]
	return ok
}

// Get fetches the active session for uid.
func (p *Presence) Get(uid string) (Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.entries[uid]
	return entry, ok
}

// Len returns the number of online uids.
func (p *Presence) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// List enumerates active sessions ordered by uid.
func (p *Presence) List() []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}
