// Package memstore is a process-local store for development and tests.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/Chatty-Inc/chatty2-backend/internal/ban"
	"github.com/Chatty-Inc/chatty2-backend/internal/mailbox"
)

// Store keeps mailbox records and a ban snapshot in memory.
type Store struct {
	mu      sync.Mutex
	records map[string]map[string][]byte
	banned  ban.Snapshot
}

// New returns an empty store seeded with the given ban snapshot.
func New(banned ban.Snapshot) *Store {
	return &Store{
		records: make(map[string]map[string][]byte),
		banned: ban.Snapshot{
			IPs:  append([]string(nil), banned.IPs...),
			UIDs: append([]string(nil), banned.UIDs...),
		},
	}
}

func (s *Store) Put(ctx context.Context, recipient, id string, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	box, ok := s.records[recipient]
	if !ok {
		box = make(map[string][]byte)
		s.records[recipient] = box
	}
	box[id] = append([]byte(nil), blob...)
	return nil
}

func (s *Store) List(ctx context.Context, recipient string) ([]mailbox.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	box := s.records[recipient]
	items := make([]mailbox.Item, 0, len(box))
	for id, blob := range box {
		items = append(items, mailbox.Item{ID: id, Blob: append([]byte(nil), blob...)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *Store) Delete(ctx context.Context, recipient, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if box, ok := s.records[recipient]; ok {
		delete(box, id)
		if len(box) == 0 {
			delete(s.records, recipient)
		}
	}
	return nil
}

// BanSnapshot returns a copy of the seeded snapshot.
func (s *Store) BanSnapshot(ctx context.Context) (ban.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return ban.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return ban.Snapshot{
		IPs:  append([]string(nil), s.banned.IPs...),
		UIDs: append([]string(nil), s.banned.UIDs...),
	}, nil
}

// Ban adds value to the in-memory snapshot.
func (s *Store) Ban(ctx context.Context, kind, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.banned.Add(kind, value)
	return err
}

var (
	_ mailbox.Store = (*Store)(nil)
	_ ban.Seeder    = (*Store)(nil)
	_ ban.Source    = (*Store)(nil)
)
