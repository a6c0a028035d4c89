// Package boltstore implements the relay's persistent store on a single
// bbolt file.
package boltstore

import (
	"context"
	"fmt"

	"github.com/Chatty-Inc/chatty2-backend/internal/ban"
	"github.com/Chatty-Inc/chatty2-backend/internal/mailbox"
	bolt "go.etcd.io/bbolt"
)

const (
	metadataBucket = "metadata"
	versionKey     = "version"
	offlineBucket  = "offline"
	bannedBucket   = "banned"
	storageVersion = 0
)

// Store keeps one nested bucket per recipient under "offline"; keys are
// message ids, so cursor order is creation order.
type Store struct {
	db *bolt.DB
}

// New creates (or loads) the store file at path.
func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(offlineBucket)); err != nil {
			return err
		}
		banned, err := tx.CreateBucketIfNotExists([]byte(bannedBucket))
		if err != nil {
			return err
		}
		for _, kind := range []string{ban.KindIP, ban.KindUID} {
			if _, err := banned.CreateBucketIfNotExists([]byte(kind)); err != nil {
				return err
			}
		}

		if b := meta.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != storageVersion {
				return fmt.Errorf("boltstore: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return meta.Put([]byte(versionKey), []byte{storageVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Put(ctx context.Context, recipient, id string, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		box, err := tx.Bucket([]byte(offlineBucket)).CreateBucketIfNotExists([]byte(recipient))
		if err != nil {
			return err
		}
		return box.Put([]byte(id), blob)
	})
}

func (s *Store) List(ctx context.Context, recipient string) ([]mailbox.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var items []mailbox.Item
	err := s.db.View(func(tx *bolt.Tx) error {
		box := tx.Bucket([]byte(offlineBucket)).Bucket([]byte(recipient))
		if box == nil {
			return nil
		}
		return box.ForEach(func(k, v []byte) error {
			// Values are only valid for the life of the transaction.
			items = append(items, mailbox.Item{ID: string(k), Blob: append([]byte(nil), v...)})
			return nil
		})
	})
	return items, err
}

func (s *Store) Delete(ctx context.Context, recipient, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		offline := tx.Bucket([]byte(offlineBucket))
		box := offline.Bucket([]byte(recipient))
		if box == nil {
			return nil
		}
		if err := box.Delete([]byte(id)); err != nil {
			return err
		}
		if k, _ := box.Cursor().First(); k == nil {
			return offline.DeleteBucket([]byte(recipient))
		}
		return nil
	})
}

// BanSnapshot reads both ban lists.
func (s *Store) BanSnapshot(ctx context.Context) (ban.Snapshot, error) {
	var snap ban.Snapshot
	if err := ctx.Err(); err != nil {
		return snap, err
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		banned := tx.Bucket([]byte(bannedBucket))
		if err := banned.Bucket([]byte(ban.KindIP)).ForEach(func(k, _ []byte) error {
			snap.IPs = append(snap.IPs, string(k))
			return nil
		}); err != nil {
			return err
		}
		return banned.Bucket([]byte(ban.KindUID)).ForEach(func(k, _ []byte) error {
			snap.UIDs = append(snap.UIDs, string(k))
			return nil
		})
	})
	return snap, err
}

// Ban records value under kind ("ip" or "uid"). It takes effect on the next
// relay start since the gate snapshot is never refreshed.
func (s *Store) Ban(ctx context.Context, kind, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ban.Validate(kind, value); err != nil {
		return fmt.Errorf("boltstore: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bannedBucket)).Bucket([]byte(kind)).Put([]byte(value), []byte{1})
	})
}

// Close flushes and closes the database file.
func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

var (
	_ mailbox.Store = (*Store)(nil)
	_ ban.Seeder    = (*Store)(nil)
	_ ban.Source    = (*Store)(nil)
)
