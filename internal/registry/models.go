package registry

import (
	"time"

	"github.com/google/uuid"

	"github.com/myuop2024/comms-relay/pkg/transport"
)

// Conn is the registry's view of a single transport-layer connection. The
// UserID stays empty until an explicit auth frame binds it; the transport
// being up is never treated as authentication by itself.
type Conn struct {
	ID        uuid.UUID
	IPAddress string
	Transport *transport.Connection // The actual connection for sending messages
	UserID    string
	CreatedAt time.Time
}

// Authenticated reports whether an identity has been bound.
func (c *Conn) Authenticated() bool {
	return c.UserID != ""
}
