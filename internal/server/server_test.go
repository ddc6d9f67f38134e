package server_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/myuop2024/comms-relay/internal/client"
	"github.com/myuop2024/comms-relay/internal/events"
	"github.com/myuop2024/comms-relay/internal/server"
	"github.com/myuop2024/comms-relay/internal/store"
	"github.com/myuop2024/comms-relay/pkg/backoff"
	"github.com/myuop2024/comms-relay/pkg/config"
	"github.com/myuop2024/comms-relay/pkg/wire"
)

const testSecret = "test-secret"

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestApp(t *testing.T, ringTimeout time.Duration) (*server.App, *httptest.Server) {
	return newTestAppLimited(t, ringTimeout, config.ConnectionLimitConfig{MaxPerUser: 4, Mode: "reject"})
}

func newTestAppLimited(t *testing.T, ringTimeout time.Duration, limit config.ConnectionLimitConfig) (*server.App, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{
			Address:         "127.0.0.1:0",
			Auth:            config.AuthConfig{JWTSecret: testSecret},
			ConnectionLimit: limit,
		},
		Transport: config.TransportConfig{ReadTimeout: time.Minute},
		Call:      config.CallConfig{RingTimeout: ringTimeout},
		Chat:      config.ChatConfig{MaxFileBytes: 1 << 20},
	}
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "relay.db"), newTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	app := server.NewApp(newTestLogger(), context.Background(), cfg, st, events.NewFallback(newTestLogger()))
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)
	return app, srv
}

func signToken(t *testing.T, userID string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

// testPeer is one websocket client against the app under test. Frames are
// read on a background goroutine; expect scans them by type so unrelated
// broadcasts can interleave freely.
type testPeer struct {
	conn    *websocket.Conn
	frames  chan []byte
	pending [][]byte

	mu      sync.Mutex
	readErr error
}

func dialPeer(t *testing.T, srv *httptest.Server, userID string) *testPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + signToken(t, userID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)

	p := &testPeer{conn: conn, frames: make(chan []byte, 64)}
	go func() {
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				p.mu.Lock()
				p.readErr = err
				p.mu.Unlock()
				close(p.frames)
				return
			}
			p.frames <- data
		}
	}()
	t.Cleanup(func() { conn.CloseNow() })
	return p
}

func (p *testPeer) send(t *testing.T, event string, payload any) {
	t.Helper()
	frame, err := wire.Marshal(event, payload)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.conn.Write(ctx, websocket.MessageText, frame))
}

// expect returns the payload of the next frame with the given type,
// buffering everything that arrives ahead of it.
func (p *testPeer) expect(t *testing.T, event string) gjson.Result {
	t.Helper()
	for i, f := range p.pending {
		if gjson.GetBytes(f, "type").String() == event {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return gjson.GetBytes(f, "payload")
		}
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-p.frames:
			if !ok {
				t.Fatalf("connection closed while waiting for %q", event)
			}
			if gjson.GetBytes(f, "type").String() == event {
				return gjson.GetBytes(f, "payload")
			}
			p.pending = append(p.pending, f)
		case <-deadline:
			t.Fatalf("timed out waiting for %q", event)
		}
	}
}

// waitClosed blocks until the server closes the connection and returns the
// read error carrying the close status.
func (p *testPeer) waitClosed(t *testing.T) error {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-p.frames:
			if !ok {
				p.mu.Lock()
				defer p.mu.Unlock()
				return p.readErr
			}
		case <-deadline:
			t.Fatal("connection was not closed by the server")
		}
	}
}

func (p *testPeer) auth(t *testing.T, userID string) {
	t.Helper()
	p.send(t, wire.EventAuth, wire.AuthPayload{UserID: userID})
}

func TestAuthBindsAndBroadcastsPresence(t *testing.T) {
	_, srv := newTestApp(t, time.Minute)

	alice := dialPeer(t, srv, "alice")
	alice.auth(t, "alice")
	st := alice.expect(t, wire.EventUserStatus)
	assert.Equal(t, "alice", st.Get("userId").String())
	assert.True(t, st.Get("online").Bool())

	bob := dialPeer(t, srv, "bob")
	bob.auth(t, "bob")
	st = alice.expect(t, wire.EventUserStatus)
	assert.Equal(t, "bob", st.Get("userId").String())
	assert.True(t, st.Get("online").Bool())
}

func TestAuthRejectsIdentityMismatch(t *testing.T) {
	_, srv := newTestApp(t, time.Minute)

	mallory := dialPeer(t, srv, "mallory")
	mallory.auth(t, "alice")
	n := mallory.expect(t, wire.EventNotification)
	assert.Equal(t, "error", n.Get("level").String())
	assert.Contains(t, n.Get("message").String(), "identity mismatch")
}

func TestUnauthenticatedFramesRejected(t *testing.T) {
	_, srv := newTestApp(t, time.Minute)

	alice := dialPeer(t, srv, "alice")
	alice.send(t, wire.EventChatSend, wire.ChatSendPayload{To: "bob", Content: "hi"})
	n := alice.expect(t, wire.EventNotification)
	assert.Equal(t, "error", n.Get("level").String())
	assert.Contains(t, n.Get("message").String(), "not authenticated")
}

func TestChatDeliveryAndHistory(t *testing.T) {
	_, srv := newTestApp(t, time.Minute)

	alice := dialPeer(t, srv, "alice")
	alice.auth(t, "alice")
	bob := dialPeer(t, srv, "bob")
	bob.auth(t, "bob")

	alice.send(t, wire.EventChatSend, wire.ChatSendPayload{To: "bob", Content: "hello bob"})
	msg := bob.expect(t, wire.EventMessage)
	assert.Equal(t, "alice", msg.Get("from").String())
	assert.Equal(t, "hello bob", msg.Get("content").String())

	// Offline receivers are not an error; the record lands in history.
	alice.send(t, wire.EventChatSend, wire.ChatSendPayload{To: "carol", Content: "for later"})

	alice.send(t, wire.EventChatHistory, wire.ChatHistoryPayload{With: "carol"})
	hist := alice.expect(t, wire.EventChatHistory)
	require.Equal(t, int64(1), hist.Get("messages.#").Int())
	assert.Equal(t, "for later", hist.Get("messages.0.content").String())
}

func TestSignalForwardAndOfflineError(t *testing.T) {
	_, srv := newTestApp(t, time.Minute)

	alice := dialPeer(t, srv, "alice")
	alice.auth(t, "alice")
	bob := dialPeer(t, srv, "bob")
	bob.auth(t, "bob")

	alice.send(t, wire.EventSignal, wire.SignalPayload{To: "bob", Data: []byte(`{"sdp":"offer"}`)})
	sig := bob.expect(t, wire.EventSignal)
	assert.Equal(t, "alice", sig.Get("from").String())
	assert.Equal(t, "offer", sig.Get("data.sdp").String())

	alice.send(t, wire.EventSignal, wire.SignalPayload{To: "nobody", Data: []byte(`{}`)})
	sigErr := alice.expect(t, wire.EventSignalError)
	assert.Equal(t, "nobody", sigErr.Get("to").String())
}

func TestCallLifecycle(t *testing.T) {
	_, srv := newTestApp(t, time.Minute)

	alice := dialPeer(t, srv, "alice")
	alice.auth(t, "alice")
	bob := dialPeer(t, srv, "bob")
	bob.auth(t, "bob")

	alice.send(t, wire.EventCallRequest, wire.CallRequestPayload{To: "bob", Media: "video"})
	inc := bob.expect(t, wire.EventCallIncoming)
	assert.Equal(t, "alice", inc.Get("from").String())
	assert.Equal(t, "video", inc.Get("media").String())
	callID := inc.Get("callId").String()
	require.NotEmpty(t, callID)

	bob.send(t, wire.EventCallAnswer, wire.CallAnswerPayload{CallID: callID, Accept: true})
	resp := alice.expect(t, wire.EventCallResponse)
	assert.Equal(t, "accepted", resp.Get("status").String())
	assert.Equal(t, "bob", resp.Get("peer").String())
	resp = bob.expect(t, wire.EventCallResponse)
	assert.Equal(t, "accepted", resp.Get("status").String())

	alice.send(t, wire.EventCallEnd, wire.CallEndPayload{CallID: callID})
	resp = alice.expect(t, wire.EventCallResponse)
	assert.Equal(t, "ended", resp.Get("status").String())
	assert.Equal(t, "hangup", resp.Get("reason").String())
	resp = bob.expect(t, wire.EventCallResponse)
	assert.Equal(t, "ended", resp.Get("status").String())
}

func TestCallToOfflineReceiverMisses(t *testing.T) {
	_, srv := newTestApp(t, time.Minute)

	alice := dialPeer(t, srv, "alice")
	alice.auth(t, "alice")

	alice.send(t, wire.EventCallRequest, wire.CallRequestPayload{To: "ghost", Media: "audio"})
	resp := alice.expect(t, wire.EventCallResponse)
	assert.Equal(t, "missed", resp.Get("status").String())
	assert.Equal(t, "receiver-offline", resp.Get("reason").String())
}

func TestShutdownSignalsServerForcedClose(t *testing.T) {
	app, srv := newTestApp(t, time.Minute)

	alice := dialPeer(t, srv, "alice")
	alice.auth(t, "alice")
	alice.expect(t, wire.EventUserStatus)

	require.NoError(t, app.Shutdown())

	err := alice.waitClosed(t)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
	assert.Equal(t, backoff.CauseServerForced, client.Classify(err))
}

func TestCycleClosesOldestOnLimit(t *testing.T) {
	_, srv := newTestAppLimited(t, time.Minute, config.ConnectionLimitConfig{MaxPerUser: 1, Mode: "cycle"})

	first := dialPeer(t, srv, "alice")
	first.auth(t, "alice")
	first.expect(t, wire.EventUserStatus)

	second := dialPeer(t, srv, "alice")
	second.auth(t, "alice")

	err := first.waitClosed(t)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
	assert.Equal(t, backoff.CauseServerForced, client.Classify(err))
}

func TestConversationsSummary(t *testing.T) {
	_, srv := newTestApp(t, time.Minute)

	alice := dialPeer(t, srv, "alice")
	alice.auth(t, "alice")
	bob := dialPeer(t, srv, "bob")
	bob.auth(t, "bob")

	alice.send(t, wire.EventChatSend, wire.ChatSendPayload{To: "bob", Content: "one"})
	bob.expect(t, wire.EventMessage)
	bob.send(t, wire.EventChatSend, wire.ChatSendPayload{To: "alice", Content: "two"})
	alice.expect(t, wire.EventMessage)

	alice.send(t, wire.EventChatConversations, struct{}{})
	out := alice.expect(t, wire.EventChatConversations)
	require.Equal(t, int64(1), out.Get("conversations.#").Int())
	assert.Equal(t, "bob", out.Get("conversations.0.peer").String())
	assert.Equal(t, "two", out.Get("conversations.0.last.content").String())
	assert.Equal(t, int64(1), out.Get("conversations.0.unread").Int())
}

func TestUpgradeRequiresToken(t *testing.T) {
	_, srv := newTestApp(t, time.Minute)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, 401, resp.StatusCode)
	}
}
