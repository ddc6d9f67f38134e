// Package relay forwards media-negotiation blobs between two identified
// peers. It is a pure forwarding function keyed by identity: payloads are
// never inspected or rewritten, so the negotiation protocol they encode can
// evolve without touching the relay.
package relay

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/myuop2024/comms-relay/internal/registry"
	"github.com/myuop2024/comms-relay/pkg/wire"
)

// ErrReceiverOffline distinguishes "nobody to forward to" from a transport
// failure. Callers surface it to the sender instead of retrying.
var ErrReceiverOffline = errors.New("relay: receiver offline")

type Relay struct {
	reg    registry.Backend
	logger *slog.Logger
}

func New(reg registry.Backend, logger *slog.Logger) *Relay {
	return &Relay{
		reg:    reg,
		logger: logger.With(slog.String("component", "signal_relay")),
	}
}

// Forward delivers the payload verbatim to every live connection of the
// receiver. Forward is invoked on the sender's read goroutine and each
// target connection serializes its own writes, so payloads between one
// directed pair arrive in send order.
func (r *Relay) Forward(sender, receiver string, data json.RawMessage) error {
	frame, err := wire.Marshal(wire.EventSignal, wire.SignalPayload{
		From: sender,
		To:   receiver,
		Data: data,
	})
	if err != nil {
		return err
	}

	conns := r.reg.Connections(receiver)
	if len(conns) == 0 {
		return ErrReceiverOffline
	}
	for _, conn := range conns {
		conn.Send(frame)
	}
	r.logger.Debug("Relayed signal",
		slog.String("from", sender),
		slog.String("to", receiver),
		slog.Int("connections", len(conns)),
	)
	return nil
}
