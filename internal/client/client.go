// Package client is the outbound counterpart of the relay: it owns one
// logical connection to a relay server and keeps it alive across network
// failures. Reconnection policy is cause-driven: why the link dropped
// decides how (and whether) it comes back.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/myuop2024/comms-relay/internal/call"
	"github.com/myuop2024/comms-relay/pkg/backoff"
	"github.com/myuop2024/comms-relay/pkg/transport"
	"github.com/myuop2024/comms-relay/pkg/wire"
)

// State is the externally visible link state.
type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	// StateUnstable means the link is being re-established after keep-alives
	// went unanswered. Messages queue as usual.
	StateUnstable State = "unstable"
	// StateFailed is terminal: the retry schedule is exhausted.
	StateFailed State = "failed"
	StateClosed State = "closed"
)

// ErrQueueFull is returned when the offline queue hits its bound; the
// caller decides whether to drop or surface it.
var ErrQueueFull = errors.New("client: offline queue full")

const maxQueuedFrames = 512

// StatusFunc observes every state change together with the cause of the
// last disconnect (CauseUnknown while connecting for the first time).
type StatusFunc func(state State, cause backoff.Cause)

type Options struct {
	URL    string
	UserID string
	// Token is the platform JWT presented on the upgrade request.
	Token string
	// Transports is the fallback order. The controller dials the head and
	// demotes it after transport-level failures.
	Transports []transport.DialConfig
	Policy     backoff.Policy
	Conn       transport.ConnectionConfig

	OnMessage func(msg []byte)
	OnStatus  StatusFunc
}

// Client maintains the connection described by Options. All methods are
// safe for concurrent use; Run owns the reconnect loop.
type Client struct {
	opts   Options
	dialer *transport.Dialer
	logger *slog.Logger

	mu         sync.Mutex
	transports []transport.DialConfig
	conn       *transport.Connection
	state      State
	queue      [][]byte
	media      call.Media

	closing atomic.Bool
}

func New(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.URL == "" || opts.UserID == "" {
		return nil, errors.New("client: URL and UserID are required")
	}
	if len(opts.Transports) == 0 {
		opts.Transports = DefaultTransports()
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = backoff.Default()
	}
	if opts.Conn.ReadTimeout == 0 {
		opts.Conn.ReadTimeout = time.Minute
	}

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	return &Client{
		opts:       opts,
		dialer:     transport.NewDialer(opts.Conn, header, logger),
		logger:     logger.With(slog.String("component", "client")),
		transports: append([]transport.DialConfig(nil), opts.Transports...),
		state:      StateConnecting,
	}, nil
}

// DefaultTransports is the standard fallback order: compressed WebSocket
// first, then an uncompressed dial pinned to HTTP/1.1 for intermediaries
// that mangle the preferred path.
func DefaultTransports() []transport.DialConfig {
	return []transport.DialConfig{
		{Name: "websocket", Compression: true},
		{Name: "websocket-compat", Compression: false, HTTPClient: &http.Client{
			Transport: &http.Transport{ForceAttemptHTTP2: false},
		}},
	}
}

// Run drives the connect/reconnect loop until the context is cancelled,
// Close is called, or the retry schedule is exhausted.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if c.closing.Load() {
			c.setState(StateClosed, backoff.CauseVoluntary)
			return nil
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("Dial failed", slog.Any("error", err), slog.String("transport", c.currentTransport().Name))
			c.demoteTransport()
			attempt++
			if waitErr := c.wait(ctx, attempt); waitErr != nil {
				return c.finish(waitErr, backoff.CauseTransportError)
			}
			continue
		}

		// The first frame after every (re)connect is auth; nothing else is
		// accepted before the identity is re-bound.
		authFrame, err := wire.Marshal(wire.EventAuth, wire.AuthPayload{UserID: c.opts.UserID})
		if err != nil {
			return err
		}
		conn.Send(authFrame)
		c.attach(conn)
		attempt = 0
		c.setState(StateConnected, backoff.CauseUnknown)

		<-conn.Done()
		c.detach()
		cause := Classify(conn.Err())
		if c.closing.Load() {
			cause = backoff.CauseVoluntary
		}
		c.logger.Info("Connection lost", slog.String("cause", cause.String()))

		switch cause {
		case backoff.CauseVoluntary:
			c.closeMedia()
			c.setState(StateClosed, cause)
			return nil
		case backoff.CauseServerForced:
			// The server asked us to go away; come back once after a polite
			// delay instead of hammering the backoff schedule.
			attempt++
			c.setState(StateConnecting, cause)
			select {
			case <-time.After(c.opts.Policy.Base):
			case <-ctx.Done():
				return ctx.Err()
			}
		case backoff.CausePingTimeout:
			attempt++
			c.setState(StateUnstable, cause)
			if err := c.wait(ctx, attempt); err != nil {
				return c.finish(err, cause)
			}
		default:
			c.demoteTransport()
			attempt++
			c.setState(StateConnecting, cause)
			if err := c.wait(ctx, attempt); err != nil {
				return c.finish(err, cause)
			}
		}
	}
}

// Send queues or transmits one frame. While the link is down frames are
// buffered in order and flushed after the next successful auth.
func (c *Client) Send(event string, payload any) error {
	frame, err := wire.Marshal(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnected && c.conn != nil {
		c.conn.Send(frame)
		return nil
	}
	if len(c.queue) >= maxQueuedFrames {
		return ErrQueueFull
	}
	c.queue = append(c.queue, frame)
	return nil
}

// AttachMedia hands the client a live media session to tear down if the
// link is lost for good.
func (c *Client) AttachMedia(m call.Media) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.media = m
}

// Close ends the connection on purpose. Run returns nil afterwards. Any
// attached media session is released here too, so a voluntary disconnect
// never leaves a peer connection dangling.
func (c *Client) Close() {
	c.closing.Store(true)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close(nil)
	}
	c.closeMedia()
}

// State reports the current link state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueuedFrames reports how many frames wait for the next reconnect.
func (c *Client) QueuedFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Transports returns the current fallback order, head first.
func (c *Client) Transports() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.transports))
	for i, tc := range c.transports {
		names[i] = tc.Name
	}
	return names
}

func (c *Client) dial(ctx context.Context) (*transport.Connection, error) {
	tc := c.currentTransport()
	conn, err := c.dialer.Dial(ctx, c.opts.URL, tc)
	if err != nil {
		return nil, err
	}
	conn.SetOnMessageHandler(func(_ context.Context, _ uuid.UUID, msg []byte) {
		c.observe(msg)
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(msg)
		}
	})
	conn.Run()
	return conn, nil
}

// attach publishes the live connection and flushes the offline queue in
// send order, after the auth frame already queued ahead of it.
func (c *Client) attach(conn *transport.Connection) {
	c.mu.Lock()
	c.conn = conn
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()
	for _, frame := range pending {
		conn.Send(frame)
	}
	if n := len(pending); n > 0 {
		c.logger.Info("Flushed offline queue", slog.Int("frames", n))
	}
}

func (c *Client) detach() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
}

// demoteTransport moves the failing head of the fallback order to the
// back, so the next dial tries the alternative path first.
func (c *Client) demoteTransport() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.transports) < 2 {
		return
	}
	head := c.transports[0]
	c.transports = append(c.transports[1:], head)
	c.logger.Info("Transport demoted", slog.String("now", c.transports[0].Name))
}

func (c *Client) currentTransport() transport.DialConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transports[0]
}

func (c *Client) wait(ctx context.Context, attempt int) error {
	delay, err := c.opts.Policy.Delay(attempt)
	if err != nil {
		return err
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// observe watches inbound frames for facts the controller itself must act
// on: a call reaching a terminal state releases the attached media, no
// matter which side ended the call.
func (c *Client) observe(msg []byte) {
	if gjson.GetBytes(msg, "type").String() != wire.EventCallResponse {
		return
	}
	if call.Status(gjson.GetBytes(msg, "payload.status").String()).Terminal() {
		c.closeMedia()
	}
}

// closeMedia releases the attached media session, if any. It runs on every
// exit path and on terminal call transitions; Media.Close is idempotent,
// so overlapping paths are harmless.
func (c *Client) closeMedia() {
	c.mu.Lock()
	media := c.media
	c.media = nil
	c.mu.Unlock()
	if media == nil {
		return
	}
	if err := media.Close(); err != nil {
		c.logger.Error("Failed to close media session", slog.Any("error", err))
	}
}

// finish transitions to the terminal failed state: any live media session
// is torn down and queued frames are dropped.
func (c *Client) finish(err error, cause backoff.Cause) error {
	c.mu.Lock()
	dropped := len(c.queue)
	c.queue = nil
	c.mu.Unlock()

	c.closeMedia()
	c.setState(StateFailed, cause)
	c.logger.Error("Giving up on reconnection",
		slog.String("cause", cause.String()),
		slog.Int("droppedFrames", dropped),
	)
	return fmt.Errorf("client: reconnect failed (%s): %w", cause, err)
}

func (c *Client) setState(s State, cause backoff.Cause) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	cb := c.opts.OnStatus
	c.mu.Unlock()
	if changed && cb != nil {
		cb(s, cause)
	}
}

// Classify maps a disconnect error to the cause that drives recovery.
func Classify(err error) backoff.Cause {
	if err == nil {
		return backoff.CauseVoluntary
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure:
		return backoff.CauseVoluntary
	case websocket.StatusGoingAway, websocket.StatusServiceRestart, websocket.StatusTryAgainLater:
		return backoff.CauseServerForced
	case -1:
		// Not a close frame: either keep-alives timed out or the pipe broke.
		if errors.Is(err, context.DeadlineExceeded) {
			return backoff.CausePingTimeout
		}
		return backoff.CauseTransportError
	default:
		return backoff.CauseServerForced
	}
}
