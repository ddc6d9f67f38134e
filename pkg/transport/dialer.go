package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// DialConfig selects how an outbound connection is established. The client
// controller keeps an ordered list of these and reorders it when a dial
// path misbehaves.
type DialConfig struct {
	// Name identifies the transport in logs and status events.
	Name string
	// Compression enables permessage-deflate on the dial.
	Compression bool
	// HTTPClient overrides the client used for the upgrade request. Some
	// intermediaries reject upgrades over HTTP/2; a fallback transport can
	// pin an HTTP/1.1 client here.
	HTTPClient *http.Client
}

// Dialer establishes outbound Connections with the same pump machinery the
// server uses for inbound ones.
type Dialer struct {
	Config ConnectionConfig
	Header http.Header
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewDialer(config ConnectionConfig, header http.Header, logger *slog.Logger) *Dialer {
	return &Dialer{
		Config: config,
		Header: header,
		logger: logger.With(slog.String("component", "dialer")),
	}
}

// Dial connects to url over the given transport. The returned Connection is
// not yet running; the caller wires handlers and calls Run.
func (d *Dialer) Dial(ctx context.Context, url string, tc DialConfig) (*Connection, error) {
	opts := &websocket.DialOptions{
		HTTPHeader: d.Header,
		HTTPClient: tc.HTTPClient,
	}
	if tc.Compression {
		opts.CompressionMode = websocket.CompressionContextTakeover
	} else {
		opts.CompressionMode = websocket.CompressionDisabled
	}

	wsConn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("dial %s via %s: %w", url, tc.Name, err)
	}

	conn := NewConnection(ctx, &d.wg, wsConn, d.Config, nil, nil, d.logger.With(slog.String("transport", tc.Name)))
	return conn, nil
}

// Wait blocks until every connection opened by this dialer has finished
// its cleanup.
func (d *Dialer) Wait() {
	d.wg.Wait()
}
