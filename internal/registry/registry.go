// Package registry is the single source of truth for which identities are
// online. Presence is never stored on its own: a user is online iff at
// least one live connection is bound to them, and every component that
// needs presence asks the registry instead of caching its own view.
package registry

import (
	"errors"

	"github.com/google/uuid"

	"github.com/myuop2024/comms-relay/pkg/transport"
)

var (
	ErrUnknownConnection = errors.New("registry: unknown connection")
	ErrAlreadyRegistered = errors.New("registry: connection is already registered")
)

// Backend maps identities to live connections. The in-memory implementation
// covers a single relay process; a distributed store can implement the same
// interface when the relay scales out.
type Backend interface {
	// --- Connection lifecycle ---
	Register(conn *transport.Connection, ipAddr string) (*Conn, error)
	// Deregister removes a connection. last is true when the owning
	// identity has no remaining connections, i.e. this close is the
	// online->offline edge.
	Deregister(connID uuid.UUID) (userID string, last bool, err error)
	Connection(connID uuid.UUID) (*Conn, bool)
	OldestConnection(userID string) (*Conn, bool)
	AllConnections() []*Conn

	// --- Identity binding ---
	// Authenticate binds a connection to an identity. Re-sending auth on
	// an already-bound connection is ignored. first is true when this is
	// the identity's first live connection, i.e. the offline->online edge.
	Authenticate(connID uuid.UUID, userID string) (first bool, err error)

	// --- Presence queries ---
	Connections(userID string) []*transport.Connection
	ConnectionCount(userID string) int
	Online() []string
}
