// Package call tracks the lifecycle of one audio/video call between two
// users. Session state only moves through named transition methods, so an
// illegal edge (say, resurrecting an ended call) is an error, not a
// possibility.
package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func ParseMediaKind(s string) (MediaKind, error) {
	switch MediaKind(s) {
	case MediaAudio, MediaVideo:
		return MediaKind(s), nil
	default:
		return "", fmt.Errorf("call: unknown media kind %q", s)
	}
}

type Status string

const (
	StatusRinging  Status = "ringing"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusMissed   Status = "missed"
	StatusEnded    Status = "ended"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusMissed || s == StatusEnded
}

// Reasons recorded on terminal transitions.
const (
	ReasonHangup          = "hangup"
	ReasonCancelled       = "cancelled"
	ReasonRingTimeout     = "ring-timeout"
	ReasonReceiverOffline = "receiver-offline"
	ReasonSignalFailed    = "signal-failed"
	ReasonDisconnected    = "disconnected"
)

var ErrInvalidTransition = errors.New("call: invalid transition")

// Session is one call attempt. All fields except status/reason/timestamps
// are immutable after creation.
type Session struct {
	id       uuid.UUID
	caller   string
	receiver string
	media    MediaKind

	mu        sync.Mutex
	status    Status
	reason    string
	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time
}

func newSession(caller, receiver string, media MediaKind) *Session {
	return &Session{
		id:        uuid.New(),
		caller:    caller,
		receiver:  receiver,
		media:     media,
		status:    StatusRinging,
		createdAt: time.Now(),
	}
}

func (s *Session) ID() uuid.UUID    { return s.id }
func (s *Session) Caller() string   { return s.caller }
func (s *Session) Receiver() string { return s.receiver }
func (s *Session) Media() MediaKind { return s.media }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Accept moves ringing -> accepted and records the start time.
func (s *Session) Accept() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRinging {
		return fmt.Errorf("%w: %s -> accepted", ErrInvalidTransition, s.status)
	}
	s.status = StatusAccepted
	s.startedAt = time.Now()
	return nil
}

// Reject moves ringing -> rejected.
func (s *Session) Reject() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRinging {
		return fmt.Errorf("%w: %s -> rejected", ErrInvalidTransition, s.status)
	}
	s.status = StatusRejected
	s.endedAt = time.Now()
	return nil
}

// Miss moves ringing -> missed. Used for offline receivers, ring timeouts,
// and caller cancellation.
func (s *Session) Miss(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRinging {
		return fmt.Errorf("%w: %s -> missed", ErrInvalidTransition, s.status)
	}
	s.status = StatusMissed
	s.reason = reason
	s.endedAt = time.Now()
	return nil
}

// End moves accepted -> ended and records the end time. The reason
// distinguishes a normal hangup from a signaling failure or disconnect.
func (s *Session) End(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusAccepted {
		return fmt.Errorf("%w: %s -> ended", ErrInvalidTransition, s.status)
	}
	s.status = StatusEnded
	s.reason = reason
	s.endedAt = time.Now()
	return nil
}

// Snapshot is an immutable copy of the session state, safe to hand to
// callbacks and other components. Nothing outside this package can mutate
// a Session.
type Snapshot struct {
	ID        uuid.UUID
	Caller    string
	Receiver  string
	Media     MediaKind
	Status    Status
	Reason    string
	StartedAt time.Time
	EndedAt   time.Time
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:        s.id,
		Caller:    s.caller,
		Receiver:  s.receiver,
		Media:     s.media,
		Status:    s.status,
		Reason:    s.reason,
		StartedAt: s.startedAt,
		EndedAt:   s.endedAt,
	}
}

// Peer returns the other participant, or "" if userID is not part of the
// session.
func (s Snapshot) Peer(userID string) string {
	switch userID {
	case s.Caller:
		return s.Receiver
	case s.Receiver:
		return s.Caller
	default:
		return ""
	}
}
