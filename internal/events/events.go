// Package events exports presence and call lifecycle facts to the rest of
// the platform over AMQP. The relay works fine without a broker: the
// fallback publisher logs and drops.
package events

import (
	"context"
	"time"
)

// Routing keys. Versioned so consumers can survive payload evolution.
const (
	KeyPresence = "comms.presence.v1"
	KeyCall     = "comms.call.v1"
)

type Meta struct {
	// Unique event ID
	ID string `json:"id"`
	// Event name and version, e.g. comms.presence.v1
	Type string `json:"type"`
	// Emitting service
	Producer string `json:"producer"`
	// Timestamp when the event was emitted
	Time time.Time `json:"time"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// PresenceChange is emitted once per presence edge, never once per
// connection closed.
type PresenceChange struct {
	UserID string    `json:"user_id"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// CallRecord is emitted when a call session reaches a terminal state.
type CallRecord struct {
	CallID    string     `json:"call_id"`
	Caller    string     `json:"caller"`
	Receiver  string     `json:"receiver"`
	Media     string     `json:"media"`
	Status    string     `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) error
	Close() error
}
