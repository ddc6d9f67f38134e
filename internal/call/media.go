package call

import (
	"context"
	"encoding/json"
)

// Media abstracts the peer-to-peer negotiation library a call rides on.
// Session state logic depends on this interface only, so the underlying
// library is swappable without touching call semantics. Implementations
// must make Close idempotent: teardown runs on every exit path and may run
// twice.
type Media interface {
	// CreateOffer produces the local session description that starts a
	// negotiation handshake.
	CreateOffer(ctx context.Context) (string, error)
	// CreateAnswer consumes the remote offer and produces the answering
	// description.
	CreateAnswer(ctx context.Context, offerSDP string) (string, error)
	// AcceptAnswer completes the handshake on the offering side.
	AcceptAnswer(answerSDP string) error
	// AddICECandidate feeds one remote connectivity candidate.
	AddICECandidate(candidate json.RawMessage) error
	// OnICECandidate registers the callback for locally gathered
	// candidates. The callback may fire with nil when gathering completes.
	OnICECandidate(fn func(candidate json.RawMessage))
	// OnTrack registers the callback for inbound remote media.
	OnTrack(fn func(kind string))
	// Close releases every local media resource. Idempotent.
	Close() error
}

// MediaFactory builds one Media per call attempt.
type MediaFactory func(kind MediaKind) (Media, error)
