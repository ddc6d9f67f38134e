package wire

import (
	"encoding/json"
	"time"
)

// AuthPayload is the handshake frame. It must be the first frame on every
// connection, including reconnections; nothing else is accepted before it.
type AuthPayload struct {
	UserID string `json:"userId"`
}

type UserStatusPayload struct {
	UserID string    `json:"userId"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

type ChatSendPayload struct {
	To      string `json:"to"`
	Content string `json:"content"`
	Kind    string `json:"kind,omitempty"` // text|notification|system; empty means text
}

// MessagePayload mirrors the persisted chat record as delivered to clients.
type MessagePayload struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Content   string    `json:"content"`
	Kind      string    `json:"kind"`
	FileName  string    `json:"fileName,omitempty"`
	FileSize  int64     `json:"fileSize,omitempty"`
	FileMime  string    `json:"fileMime,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

type ChatReadPayload struct {
	MessageIDs []string `json:"messageIds"`
}

type ChatReadAllPayload struct {
	From string `json:"from"`
}

// ReadSummaryPayload is sent to the original sender once per mark-all-read,
// never once per message.
type ReadSummaryPayload struct {
	By    string `json:"by"`
	Count int    `json:"count"`
}

type ChatHistoryPayload struct {
	With string `json:"with"`
}

// ChatHistoryResultPayload answers a history request on the requesting
// connection only.
type ChatHistoryResultPayload struct {
	With     string           `json:"with"`
	Messages []MessagePayload `json:"messages"`
}

// ConversationPayload summarizes the latest exchange with one peer.
type ConversationPayload struct {
	Peer   string         `json:"peer"`
	Last   MessagePayload `json:"last"`
	Unread int            `json:"unread"`
}

// ConversationsResultPayload answers a conversations request, most recent
// activity first.
type ConversationsResultPayload struct {
	Conversations []ConversationPayload `json:"conversations"`
}

type FileSharePayload struct {
	To   string `json:"to"`
	Name string `json:"name"`
	Mime string `json:"mime"`
	Data []byte `json:"data"` // inline payload, base64 on the wire
}

type CallRequestPayload struct {
	To    string `json:"to"`
	Media string `json:"media"` // audio|video
}

type CallIncomingPayload struct {
	CallID string `json:"callId"`
	From   string `json:"from"`
	Media  string `json:"media"`
}

type CallAnswerPayload struct {
	CallID string `json:"callId"`
	Accept bool   `json:"accept"`
}

// CallResponsePayload reports every call transition observable by a client:
// accepted, rejected, missed, ended.
type CallResponsePayload struct {
	CallID string `json:"callId"`
	Peer   string `json:"peer"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type CallEndPayload struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// SignalPayload carries an opaque negotiation blob between two peers. The
// relay forwards Data verbatim and never inspects it.
type SignalPayload struct {
	To   string          `json:"to"`
	From string          `json:"from,omitempty"`
	Data json.RawMessage `json:"data"`
}

type SignalErrorPayload struct {
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// NotificationPayload is the generic server-to-client notice, also used to
// report validation rejections and read receipts. Data carries an optional
// structured body keyed by Event.
type NotificationPayload struct {
	Level   string          `json:"level"` // info|error
	Event   string          `json:"event,omitempty"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}
