// Package wire defines the frame contract shared by the relay server and
// its clients. Every frame is an Envelope: a type discriminator plus a
// JSON payload. The event names are a stable contract with the frontend;
// renaming one is a breaking change.
package wire

import (
	"encoding/json"
	"fmt"
)

// Server-to-client event names.
const (
	EventMessage      = "message"
	EventNotification = "notification"
	EventUserStatus   = "user:status"
	EventCallIncoming = "call:incoming"
	EventCallResponse = "call:response"
	EventFileIncoming = "file:incoming"
	EventSignal       = "peerjs-signal"
	EventSignalError  = "peerjs-signal-error"
)

// Client-to-server event names. EventSignal is accepted in both directions.
const (
	EventAuth              = "auth"
	EventChatSend          = "chat:send"
	EventChatRead          = "chat:read"
	EventChatReadAll       = "chat:read-all"
	EventChatHistory       = "chat:history"
	EventChatConversations = "chat:conversations"
	EventFileShare         = "file:share"
	EventCallRequest       = "call:request"
	EventCallAnswer        = "call:answer"
	EventCallEnd           = "call:end"
)

type Envelope struct {
	Event   string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Marshal wraps a payload in an Envelope and serializes the whole frame.
func Marshal(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	return frame, nil
}
