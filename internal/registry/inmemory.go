package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/myuop2024/comms-relay/pkg/transport"
)

// InMemory is the single-process Backend. All maps live behind one mutex:
// registration, binding, and deregistration each touch both the connection
// and user tables, and presence edges must be computed atomically with the
// mutation that causes them.
type InMemory struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*Conn
	users map[string]map[uuid.UUID]*Conn

	logger *slog.Logger
}

func NewInMemory(logger *slog.Logger) *InMemory {
	return &InMemory{
		conns:  make(map[uuid.UUID]*Conn),
		users:  make(map[string]map[uuid.UUID]*Conn),
		logger: logger.With(slog.String("component", "registry_inmemory")),
	}
}

// compile-time check to ensure InMemory implements Backend.
var _ Backend = (*InMemory)(nil)

func (m *InMemory) Register(conn *transport.Connection, ipAddr string) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	connID := conn.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, ErrAlreadyRegistered
	}
	newConn := &Conn{
		ID:        connID,
		IPAddress: ipAddr,
		Transport: conn,
		CreatedAt: time.Now(),
	}
	m.conns[connID] = newConn
	m.logger.Debug("Connection registered", slog.String("connID", connID.String()))
	return newConn, nil
}

func (m *InMemory) Deregister(connID uuid.UUID) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		// connection is already deregistered
		return "", false, nil
	}
	delete(m.conns, connID)

	if conn.UserID == "" {
		m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()))
		return "", false, nil
	}

	userConns := m.users[conn.UserID]
	delete(userConns, connID)
	last := len(userConns) == 0
	if last {
		// memory hygiene: drop the user entry with its last connection
		delete(m.users, conn.UserID)
	}
	m.logger.Debug("Detached connection from user",
		slog.String("connID", connID.String()),
		slog.String("userID", conn.UserID),
		slog.Bool("last", last),
	)
	return conn.UserID, last, nil
}

func (m *InMemory) Connection(connID uuid.UUID) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemory) OldestConnection(userID string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var oldest *Conn
	for _, conn := range m.users[userID] {
		if oldest == nil || conn.CreatedAt.Before(oldest.CreatedAt) {
			oldest = conn
		}
	}
	return oldest, oldest != nil
}

func (m *InMemory) AllConnections() []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

func (m *InMemory) Authenticate(connID uuid.UUID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return false, ErrUnknownConnection
	}
	if conn.UserID != "" {
		// repeated auth on the same connection is a no-op
		return false, nil
	}

	userConns, exists := m.users[userID]
	if !exists {
		userConns = make(map[uuid.UUID]*Conn)
		m.users[userID] = userConns
	}
	first := len(userConns) == 0

	conn.UserID = userID
	userConns[connID] = conn

	m.logger.Debug("Associated connection with user",
		slog.String("connID", connID.String()),
		slog.String("userID", userID),
		slog.Bool("first", first),
	)
	return first, nil
}

func (m *InMemory) Connections(userID string) []*transport.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	userConns := m.users[userID]
	conns := make([]*transport.Connection, 0, len(userConns))
	for _, c := range userConns {
		conns = append(conns, c.Transport)
	}
	return conns
}

func (m *InMemory) ConnectionCount(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users[userID])
}

func (m *InMemory) Online() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	online := make([]string, 0, len(m.users))
	for userID := range m.users {
		online = append(online, userID)
	}
	return online
}
