// Package chat delivers text messages and inline file transfers between
// two users. Records always go through the persistence collaborator first;
// live notification is best effort on top, so an offline receiver simply
// finds the message on their next history fetch.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/myuop2024/comms-relay/internal/registry"
	"github.com/myuop2024/comms-relay/internal/store"
	"github.com/myuop2024/comms-relay/pkg/wire"
)

var (
	ErrSelfMessage  = errors.New("chat: cannot message yourself")
	ErrFileTooLarge = errors.New("chat: file exceeds the inline transfer limit")
)

type Channel struct {
	store        store.Store
	reg          registry.Backend
	maxFileBytes int64
	logger       *slog.Logger
}

func New(st store.Store, reg registry.Backend, maxFileBytes int64, logger *slog.Logger) *Channel {
	return &Channel{
		store:        st,
		reg:          reg,
		maxFileBytes: maxFileBytes,
		logger:       logger.With(slog.String("component", "chat_channel")),
	}
}

// Send persists a message and, when the receiver is online, fans a live
// notification out to all their connections. delivered reports whether any
// live connection received it; offline delivery is not an error.
func (c *Channel) Send(ctx context.Context, sender, receiver, content, kind string) (*store.Message, bool, error) {
	if kind == "" {
		kind = "text"
	}
	switch kind {
	case "text", "notification", "system":
	default:
		return nil, false, fmt.Errorf("chat: unsupported message kind %q", kind)
	}
	// Validation runs before persistence is attempted.
	if sender == receiver {
		return nil, false, ErrSelfMessage
	}

	msg, err := c.store.CreateMessage(ctx, &store.Message{
		Sender:   sender,
		Receiver: receiver,
		Content:  content,
		Kind:     kind,
	})
	if err != nil {
		return nil, false, err
	}

	delivered, err := c.fanout(receiver, wire.EventMessage, toWire(msg))
	if err != nil {
		return nil, false, err
	}
	c.logger.Debug("Message sent",
		slog.String("id", msg.ID),
		slog.String("from", sender),
		slog.String("to", receiver),
		slog.Bool("delivered", delivered),
	)
	return msg, delivered, nil
}

// ShareFile is a Send with kind "file". The payload travels inline in a
// single frame; maxFileBytes is the practical ceiling of this design.
func (c *Channel) ShareFile(ctx context.Context, sender, receiver, name, mime string, data []byte) (*store.Message, bool, error) {
	if sender == receiver {
		return nil, false, ErrSelfMessage
	}
	if c.maxFileBytes > 0 && int64(len(data)) > c.maxFileBytes {
		return nil, false, fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, len(data), c.maxFileBytes)
	}

	msg, err := c.store.CreateMessage(ctx, &store.Message{
		Sender:   sender,
		Receiver: receiver,
		Content:  name,
		Kind:     "file",
		FileName: name,
		FileSize: int64(len(data)),
		FileMime: mime,
		FileData: data,
	})
	if err != nil {
		return nil, false, err
	}

	delivered, err := c.fanout(receiver, wire.EventFileIncoming, toWire(msg))
	if err != nil {
		return nil, false, err
	}
	c.logger.Debug("File shared",
		slog.String("id", msg.ID),
		slog.String("from", sender),
		slog.String("to", receiver),
		slog.Int("bytes", len(data)),
	)
	return msg, delivered, nil
}

// MarkRead flags messages read on behalf of user and sends each affected
// sender one read receipt. Receipts are independent facts: they are not
// sequenced against new messages.
func (c *Channel) MarkRead(ctx context.Context, user string, ids []string) ([]store.Message, error) {
	changed, err := c.store.MarkRead(ctx, user, ids)
	if err != nil {
		return nil, err
	}

	perSender := make(map[string]int)
	for _, m := range changed {
		perSender[m.Sender]++
	}
	for sender, count := range perSender {
		c.notifyRead(sender, user, count)
	}
	return changed, nil
}

// MarkAllRead flags everything unread from one sender and notifies that
// sender exactly once with the count affected, never once per message.
func (c *Channel) MarkAllRead(ctx context.Context, user, fromSender string) (int, error) {
	count, err := c.store.MarkAllRead(ctx, user, fromSender)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		c.notifyRead(fromSender, user, count)
	}
	return count, nil
}

// History returns the two-way message history, in send order.
func (c *Channel) History(ctx context.Context, a, b string) ([]store.Message, error) {
	return c.store.MessagesBetween(ctx, a, b)
}

// Conversations lists the user's conversations, most recent first.
func (c *Channel) Conversations(ctx context.Context, user string) ([]store.Conversation, error) {
	return c.store.RecentConversations(ctx, user)
}

func (c *Channel) notifyRead(sender, by string, count int) {
	summary, err := json.Marshal(wire.ReadSummaryPayload{By: by, Count: count})
	if err != nil {
		return
	}
	delivered, err := c.fanout(sender, wire.EventNotification, wire.NotificationPayload{
		Level:   "info",
		Event:   wire.EventChatRead,
		Message: "messages read",
		Data:    summary,
	})
	if err != nil || !delivered {
		// An offline sender just misses the receipt; the read flags are
		// already persisted.
		return
	}
}

func (c *Channel) fanout(userID, event string, payload any) (bool, error) {
	frame, err := wire.Marshal(event, payload)
	if err != nil {
		return false, err
	}
	conns := c.reg.Connections(userID)
	for _, conn := range conns {
		conn.Send(frame)
	}
	return len(conns) > 0, nil
}

func toWire(m *store.Message) wire.MessagePayload {
	return wire.MessagePayload{
		ID:        m.ID,
		From:      m.Sender,
		To:        m.Receiver,
		Content:   m.Content,
		Kind:      m.Kind,
		FileName:  m.FileName,
		FileSize:  m.FileSize,
		FileMime:  m.FileMime,
		Read:      m.Read,
		CreatedAt: m.CreatedAt,
	}
}
