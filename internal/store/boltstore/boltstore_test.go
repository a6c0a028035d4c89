package boltstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/Chatty-Inc/chatty2-backend/internal/ban"
	"github.com/Chatty-Inc/chatty2-backend/internal/mailbox"
	"github.com/Chatty-Inc/chatty2-backend/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatty.db")
	s, err := New(path)
	require.NoError(t, err)
	return s, path
}

func TestMailboxRecordsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	s, path := openStore(t)

	require.NoError(t, s.Put(ctx, "u1", "0002", []byte("two")))
	require.NoError(t, s.Put(ctx, "u1", "0001", []byte("one")))
	require.NoError(t, s.Close())

	s, err := New(path)
	require.NoError(t, err)
	defer s.Close()

	items, err := s.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "0001", items[0].ID)
	assert.Equal(t, "one", string(items[0].Blob))
	assert.Equal(t, "0002", items[1].ID)

	require.NoError(t, s.Delete(ctx, "u1", "0001"))
	require.NoError(t, s.Delete(ctx, "u1", "0002"))
	require.NoError(t, s.Delete(ctx, "u1", "0003"))
	items, err = s.List(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestBanSnapshot(t *testing.T) {
	s, _ := openStore(t)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Ban(ctx, ban.KindIP, "203.0.113.9"))
	require.NoError(t, s.Ban(ctx, ban.KindUID, "spammer"))
	require.NoError(t, s.Ban(ctx, ban.KindUID, "spammer"))
	assert.ErrorIs(t, s.Ban(ctx, "device", "x"), ban.ErrUnknownKind)
	assert.Error(t, s.Ban(ctx, ban.KindUID, ""))

	snap, err := s.BanSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.9"}, snap.IPs)
	assert.Equal(t, []string{"spammer"}, snap.UIDs)

	gate, err := ban.Load(context.Background(), s, ban.Snapshot{})
	require.NoError(t, err)
	assert.True(t, gate.IsBannedPeer("203.0.113.9"))
	assert.True(t, gate.IsBannedUID("spammer"))
	assert.False(t, gate.IsBannedUID("u1"))
}

func TestMailboxOverBolt(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)
	defer s.Close()

	mb := mailbox.New(s, mailbox.Options{})
	for i, sender := range []string{"a", "b", "c"} {
		_, err := mb.Enqueue(ctx, "u3", mailbox.NewMessage("u3", sender, protocol.Payload{
			Data: json.RawMessage(`"ct"`),
		}, int64(i)))
		require.NoError(t, err)
	}

	var senders []string
	res, err := mb.Drain(ctx, "u3", func(m mailbox.Message) error {
		senders = append(senders, m.Sender)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Delivered)
	assert.Equal(t, []string{"a", "b", "c"}, senders)

	items, err := s.List(ctx, "u3")
	require.NoError(t, err)
	assert.Empty(t, items)
}
