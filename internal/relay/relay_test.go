package relay_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myuop2024/comms-relay/internal/registry"
	"github.com/myuop2024/comms-relay/internal/relay"
	"github.com/myuop2024/comms-relay/pkg/transport"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func bind(t *testing.T, reg registry.Backend, userID string) *transport.Connection {
	t.Helper()
	var wg sync.WaitGroup
	conn := transport.NewConnection(context.Background(), &wg, nil, transport.ConnectionConfig{}, nil, nil, newTestLogger())
	_, err := reg.Register(conn, "127.0.0.1")
	require.NoError(t, err)
	_, err = reg.Authenticate(conn.ID(), userID)
	require.NoError(t, err)
	return conn
}

func TestForwardToOfflineReceiver(t *testing.T) {
	reg := registry.NewInMemory(newTestLogger())
	r := relay.New(reg, newTestLogger())
	bind(t, reg, "caller")

	err := r.Forward("caller", "absent", json.RawMessage(`{"sdp":"offer"}`))
	assert.ErrorIs(t, err, relay.ErrReceiverOffline)
}

func TestForwardToOnlineReceiver(t *testing.T) {
	reg := registry.NewInMemory(newTestLogger())
	r := relay.New(reg, newTestLogger())
	bind(t, reg, "caller")
	bind(t, reg, "callee")

	err := r.Forward("caller", "callee", json.RawMessage(`{"candidate":"c1"}`))
	assert.NoError(t, err)
}

func TestForwardAfterReceiverDeregisters(t *testing.T) {
	reg := registry.NewInMemory(newTestLogger())
	r := relay.New(reg, newTestLogger())
	callee := bind(t, reg, "callee")

	_, _, err := reg.Deregister(callee.ID())
	require.NoError(t, err)

	err = r.Forward("caller", "callee", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, relay.ErrReceiverOffline,
		"a receiver with zero live connections must report offline, not hang")
}
