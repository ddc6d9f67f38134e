// Package store is the persistence collaborator for the delivery channel.
// The relay treats it as an opaque record store: create, fetch, mark read.
// Deleting messages is not this subsystem's concern.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotReceiver is returned when a user tries to mark a message read
	// that was not addressed to them.
	ErrNotReceiver = errors.New("store: message not addressed to this user")
)

// Message is one persisted chat record. Receiver is empty for broadcast
// notifications. File fields are populated only for kind "file"; the
// payload is stored inline.
type Message struct {
	ID        string
	Sender    string
	Receiver  string
	Content   string
	Kind      string // text|file|notification|system
	FileName  string
	FileSize  int64
	FileMime  string
	FileData  []byte
	Read      bool
	CreatedAt time.Time
}

// Conversation summarizes the latest exchange with one peer.
type Conversation struct {
	Peer   string
	Last   Message
	Unread int
}

type Store interface {
	// CreateMessage persists a record and returns it with ID and
	// CreatedAt filled in.
	CreateMessage(ctx context.Context, m *Message) (*Message, error)
	// MessagesBetween returns the full two-way history between a and b in
	// send order.
	MessagesBetween(ctx context.Context, a, b string) ([]Message, error)
	// MarkRead flags messages as read on behalf of receiver and returns
	// the records that actually changed. Marking an already-read message
	// succeeds and changes nothing; marking someone else's message fails
	// with ErrNotReceiver before anything is applied.
	MarkRead(ctx context.Context, receiver string, ids []string) ([]Message, error)
	// MarkAllRead flags every unread message from sender to receiver and
	// returns the count affected.
	MarkAllRead(ctx context.Context, receiver, sender string) (int, error)
	// RecentConversations lists the user's conversations, most recent
	// activity first.
	RecentConversations(ctx context.Context, user string) ([]Conversation, error)
	// AllUsers lists every identity that appears in the store.
	AllUsers(ctx context.Context) ([]string, error)
	Close() error
}
