package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/myuop2024/comms-relay/pkg/backoff"
	"github.com/myuop2024/comms-relay/pkg/wire"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMedia struct {
	mu     sync.Mutex
	closed int
}

func (f *fakeMedia) CreateOffer(context.Context) (string, error)          { return "", nil }
func (f *fakeMedia) CreateAnswer(context.Context, string) (string, error) { return "", nil }
func (f *fakeMedia) AcceptAnswer(string) error                            { return nil }
func (f *fakeMedia) AddICECandidate(json.RawMessage) error                { return nil }
func (f *fakeMedia) OnICECandidate(func(json.RawMessage))                 {}
func (f *fakeMedia) OnTrack(func(string))                                 {}

func (f *fakeMedia) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeMedia) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want backoff.Cause
	}{
		{"nil means local close", nil, backoff.CauseVoluntary},
		{"normal closure", websocket.CloseError{Code: websocket.StatusNormalClosure}, backoff.CauseVoluntary},
		{"going away", websocket.CloseError{Code: websocket.StatusGoingAway}, backoff.CauseServerForced},
		{"service restart", websocket.CloseError{Code: websocket.StatusServiceRestart}, backoff.CauseServerForced},
		{"policy violation", websocket.CloseError{Code: websocket.StatusPolicyViolation}, backoff.CauseServerForced},
		{"ping deadline", fmt.Errorf("ping: %w", context.DeadlineExceeded), backoff.CausePingTimeout},
		{"broken pipe", errors.New("write: broken pipe"), backoff.CauseTransportError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestTransportDemotion(t *testing.T) {
	c, err := New(Options{URL: "ws://example.invalid/ws", UserID: "u1"}, newTestLogger())
	require.NoError(t, err)

	require.Equal(t, []string{"websocket", "websocket-compat"}, c.Transports())
	c.demoteTransport()
	assert.Equal(t, []string{"websocket-compat", "websocket"}, c.Transports())
	c.demoteTransport()
	assert.Equal(t, []string{"websocket", "websocket-compat"}, c.Transports())
}

func TestSendQueuesWhileDisconnected(t *testing.T) {
	c, err := New(Options{URL: "ws://example.invalid/ws", UserID: "u1"}, newTestLogger())
	require.NoError(t, err)

	require.NoError(t, c.Send(wire.EventChatSend, wire.ChatSendPayload{To: "u2", Content: "hi"}))
	assert.Equal(t, 1, c.QueuedFrames())

	for i := 1; i < maxQueuedFrames; i++ {
		require.NoError(t, c.Send(wire.EventChatSend, wire.ChatSendPayload{To: "u2", Content: "x"}))
	}
	assert.ErrorIs(t, c.Send(wire.EventChatSend, wire.ChatSendPayload{To: "u2"}), ErrQueueFull)
}

func TestRunGivesUpAfterExhaustion(t *testing.T) {
	c, err := New(Options{
		URL:    "ws://127.0.0.1:1/ws", // nothing listens here
		UserID: "u1",
		Policy: backoff.Policy{MaxAttempts: 2, Base: time.Millisecond, Multiplier: 1},
	}, newTestLogger())
	require.NoError(t, err)

	media := &fakeMedia{}
	c.AttachMedia(media)
	require.NoError(t, c.Send(wire.EventChatSend, wire.ChatSendPayload{To: "u2", Content: "hi"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = c.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, backoff.ErrExhausted)
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, 1, media.closeCount())
	assert.Equal(t, 0, c.QueuedFrames(), "queued frames are dropped on give-up")
}

// testRelay accepts one websocket connection at a time and records every
// frame's type in arrival order.
type testRelay struct {
	mu     sync.Mutex
	events []string
}

func (tr *testRelay) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			tr.mu.Lock()
			tr.events = append(tr.events, gjson.GetBytes(data, "type").String())
			tr.mu.Unlock()
		}
	}
}

func (tr *testRelay) seen() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.events...)
}

func TestRunAuthFirstThenFlushesQueue(t *testing.T) {
	relay := &testRelay{}
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	c, err := New(Options{URL: url, UserID: "u1"}, newTestLogger())
	require.NoError(t, err)
	media := &fakeMedia{}
	c.AttachMedia(media)
	require.NoError(t, c.Send(wire.EventChatSend, wire.ChatSendPayload{To: "u2", Content: "queued"}))

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	assert.Eventually(t, func() bool {
		return len(relay.seen()) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	events := relay.seen()
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, wire.EventAuth, events[0], "auth must be the first frame on the wire")
	assert.Equal(t, wire.EventChatSend, events[1])
	assert.Equal(t, StateConnected, c.State())

	c.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1, media.closeCount(), "voluntary close must release the media session")
}

func TestTerminalCallResponseClosesMedia(t *testing.T) {
	accepted, err := wire.Marshal(wire.EventCallResponse, wire.CallResponsePayload{
		CallID: "c1", Peer: "bob", Status: "accepted",
	})
	require.NoError(t, err)
	ended, err := wire.Marshal(wire.EventCallResponse, wire.CallResponsePayload{
		CallID: "c1", Peer: "bob", Status: "ended", Reason: "hangup",
	})
	require.NoError(t, err)

	// A relay that answers the auth frame with an accepted call that the
	// peer then ends. The duplicate terminal frame mirrors the fan-out a
	// client sees when it ended the call itself and the relay echoes.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		if _, _, err := conn.Read(r.Context()); err != nil { // auth
			return
		}
		for _, frame := range [][]byte{accepted, ended, ended} {
			if err := conn.Write(r.Context(), websocket.MessageText, frame); err != nil {
				return
			}
		}
		conn.Read(r.Context()) // hold the connection open
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	c, err := New(Options{URL: url, UserID: "alice"}, newTestLogger())
	require.NoError(t, err)
	media := &fakeMedia{}
	c.AttachMedia(media)

	go c.Run(context.Background())
	defer c.Close()

	assert.Eventually(t, func() bool {
		return media.closeCount() == 1
	}, 5*time.Second, 10*time.Millisecond, "terminal call:response must release media")

	// Neither the accepted frame before nor the repeated terminal frame
	// after may change the count.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, media.closeCount())
}
