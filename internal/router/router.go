// Package router decides between live delivery and the offline mailbox.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Chatty-Inc/chatty2-backend/internal/mailbox"
	"github.com/Chatty-Inc/chatty2-backend/internal/protocol"
	"github.com/Chatty-Inc/chatty2-backend/internal/registry"
	"go.uber.org/zap"
)

// Outcome names the delivery path a message took.
type Outcome string

const (
	Live    Outcome = "live"
	Offline Outcome = "offline"
)

var ErrInvalidRecipient = errors.New("recipient uid is required")

// Enqueuer is the part of the mailbox the router writes to.
type Enqueuer interface {
	Enqueue(ctx context.Context, recipient string, msg mailbox.Message) (string, error)
}

// Router forwards sendTxt payloads. The sender never receives a receipt.
type Router struct {
	presence *registry.Presence
	mailbox  Enqueuer
	log      *zap.Logger
	now      func() time.Time
}

// New builds a router over the presence registry and mailbox.
func New(presence *registry.Presence, mb Enqueuer, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		presence: presence,
		mailbox:  mb,
		log:      log,
		now:      time.Now,
	}
}

// Route stamps the payload with the routing time and hands it to the
// recipient's live session, or stores it when the recipient is offline or
// its session can no longer accept frames.
func (r *Router) Route(ctx context.Context, sender, recipient string, p protocol.Payload) (Outcome, error) {
	if recipient == "" {
		return "", ErrInvalidRecipient
	}
	ms := r.now().UnixMilli()

	if entry, ok := r.presence.Get(recipient); ok {
		frame, err := protocol.Encode(protocol.NewTxtMsg(recipient, sender, p, ms))
		if err != nil {
			return "", fmt.Errorf("encode txtMsg: %w", err)
		}
		err = entry.Conn.Deliver(frame)
		if err == nil {
			return Live, nil
		}
		r.log.Info("live delivery failed; storing offline",
			zap.String("recipient", recipient), zap.String("session_id", entry.SessionID), zap.Error(err))
	}

	if _, err := r.mailbox.Enqueue(ctx, recipient, mailbox.NewMessage(recipient, sender, p, ms)); err != nil {
		return "", err
	}
	return Offline, nil
}
