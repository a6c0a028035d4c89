// Package mailbox adapts the persistent store into durable per-recipient
// queues of messages sent while the recipient was offline.
package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Chatty-Inc/chatty2-backend/internal/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInvalidRecipient = errors.New("recipient uid is required")
	ErrStore            = errors.New("mailbox store failure")
)

// Item is one stored record as the backend sees it.
type Item struct {
	ID   string
	Blob []byte
}

// Store is the narrow persistence contract the mailbox needs. List must return
// items ordered by ID; IDs produced by the mailbox sort in creation order.
type Store interface {
	Put(ctx context.Context, recipient, id string, blob []byte) error
	List(ctx context.Context, recipient string) ([]Item, error)
	Delete(ctx context.Context, recipient, id string) error
}

// Sealer optionally encrypts records at rest.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Message is an undelivered message. Field names follow the stored document shape.
type Message struct {
	ID        string          `json:"-"`
	Recipient string          `json:"-"`
	Sender    string          `json:"uid"`
	Data      json.RawMessage `json:"msg,omitempty"`
	IV        json.RawMessage `json:"iv,omitempty"`
	GID       json.RawMessage `json:"gid,omitempty"`
	Key       json.RawMessage `json:"key,omitempty"`
	Sig       json.RawMessage `json:"sig,omitempty"`
	Purpose   json.RawMessage `json:"purpose,omitempty"`
	Time      int64           `json:"time"`
}

// NewMessage captures a routed payload stamped at ms.
func NewMessage(recipient, sender string, p protocol.Payload, ms int64) Message {
	return Message{
		Recipient: recipient,
		Sender:    sender,
		Data:      p.Data,
		IV:        p.IV,
		GID:       p.GID,
		Key:       p.Key,
		Sig:       p.Sig,
		Purpose:   p.Purpose,
		Time:      ms,
	}
}

// Payload returns the relayed fields.
func (m Message) Payload() protocol.Payload {
	return protocol.Payload{
		Data:    m.Data,
		IV:      m.IV,
		GID:     m.GID,
		Key:     m.Key,
		Sig:     m.Sig,
		Purpose: m.Purpose,
	}
}

// Frame converts the message into the txtMsg delivered on drain.
func (m Message) Frame() protocol.TxtMsg {
	return protocol.NewTxtMsg(m.Recipient, m.Sender, m.Payload(), m.Time)
}

// Options configures the store policy.
type Options struct {
	Sealer        Sealer
	RetryAttempts int
	RetryBackoff  time.Duration
	Log           *zap.Logger
	// OnStoreError observes operations that failed after all retries.
	OnStoreError func(op string, err error)
	NewID        func() (string, error)
}

// DrainResult summarises one drain pass.
type DrainResult struct {
	Delivered int
	Skipped   int
	Undeleted int
}

// Mailbox applies encoding, sealing and a retry-or-report policy over a Store.
type Mailbox struct {
	store        Store
	sealer       Sealer
	attempts     int
	backoff      time.Duration
	log          *zap.Logger
	onStoreError func(op string, err error)
	newID        func() (string, error)
}

// New wraps store with the given options.
func New(store Store, opts Options) *Mailbox {
	m := &Mailbox{
		store:        store,
		sealer:       opts.Sealer,
		attempts:     opts.RetryAttempts,
		backoff:      opts.RetryBackoff,
		log:          opts.Log,
		onStoreError: opts.OnStoreError,
		newID:        opts.NewID,
	}
	if m.attempts <= 0 {
		m.attempts = 1
	}
	if m.backoff <= 0 {
		m.backoff = 50 * time.Millisecond
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.newID == nil {
		m.newID = newMessageID
	}
	return m
}

// Enqueue durably appends msg to the recipient's mailbox and returns its id.
func (m *Mailbox) Enqueue(ctx context.Context, recipient string, msg Message) (string, error) {
	if recipient == "" {
		return "", ErrInvalidRecipient
	}
	id, err := m.newID()
	if err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}
	blob, err := m.encode(msg)
	if err != nil {
		return "", err
	}
	if err := m.withRetry(ctx, "enqueue", recipient, func(ctx context.Context) error {
		return m.store.Put(ctx, recipient, id, blob)
	}); err != nil {
		return "", err
	}
	return id, nil
}

// Drain hands every stored message for recipient to deliver in storage order,
// deleting each one after deliver returns nil. A deliver error stops the drain
// and leaves the remaining messages stored. Records whose delete fails stay
// stored and are delivered again on the next drain.
func (m *Mailbox) Drain(ctx context.Context, recipient string, deliver func(Message) error) (DrainResult, error) {
	var res DrainResult
	if recipient == "" {
		return res, ErrInvalidRecipient
	}

	var items []Item
	if err := m.withRetry(ctx, "list", recipient, func(ctx context.Context) error {
		var err error
		items, err = m.store.List(ctx, recipient)
		return err
	}); err != nil {
		return res, err
	}

	for _, item := range items {
		msg, err := m.decode(item.Blob)
		if err != nil {
			res.Skipped++
			m.log.Warn("skipping unreadable offline message",
				zap.String("recipient", recipient), zap.String("message_id", item.ID), zap.Error(err))
			continue
		}
		msg.ID = item.ID
		msg.Recipient = recipient

		if err := deliver(msg); err != nil {
			return res, fmt.Errorf("deliver offline message %s: %w", item.ID, err)
		}
		res.Delivered++

		id := item.ID
		if err := m.withRetry(ctx, "delete", recipient, func(ctx context.Context) error {
			return m.store.Delete(ctx, recipient, id)
		}); err != nil {
			res.Undeleted++
		}
	}
	return res, nil
}

func (m *Mailbox) encode(msg Message) ([]byte, error) {
	blob, err := protocol.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("encode offline message: %w", err)
	}
	if m.sealer == nil {
		return blob, nil
	}
	sealed, err := m.sealer.Seal(blob)
	if err != nil {
		return nil, fmt.Errorf("seal offline message: %w", err)
	}
	return sealed, nil
}

func (m *Mailbox) decode(blob []byte) (Message, error) {
	if m.sealer != nil {
		plain, err := m.sealer.Open(blob)
		if err != nil {
			return Message{}, err
		}
		blob = plain
	}
	var msg Message
	if err := json.Unmarshal(blob, &msg); err != nil {
		return Message{}, fmt.Errorf("decode offline message: %w", err)
	}
	return msg, nil
}

func (m *Mailbox) withRetry(ctx context.Context, op, recipient string, fn func(context.Context) error) error {
	backoff := m.backoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= m.attempts || ctx.Err() != nil {
			break
		}
		m.log.Debug("store operation failed; retrying",
			zap.String("op", op), zap.String("recipient", recipient), zap.Int("attempt", attempt), zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			err = ctx.Err()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
		backoff *= 2
	}

	m.log.Error("store operation failed",
		zap.String("op", op), zap.String("recipient", recipient), zap.Int("attempts", m.attempts), zap.Error(err))
	if m.onStoreError != nil {
		m.onStoreError(op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

// newMessageID returns a UUIDv7; its string form sorts by creation time.
func newMessageID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
