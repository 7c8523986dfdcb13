package ble

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chaz8081/meshchat/internal/ble/protocol"
)

// Host is the peripheral role of a node: it serves the meshchat service so
// that a remote Manager can connect to it. Envelopes written by the central
// arrive through Run; Send answers on the notify characteristic.
type Host struct {
	server    Server
	localName string
}

// NewHost creates a peripheral host advertising under localName.
func NewHost(server Server, localName string) *Host {
	return &Host{server: server, localName: localName}
}

// Run serves until ctx is cancelled. Every write that unpacks to an envelope
// is passed to onEnvelope; malformed frames are dropped.
func (h *Host) Run(ctx context.Context, onEnvelope func(protocol.Envelope)) error {
	slog.Info("[BLE] advertising", "name", h.localName, "service", ServiceUUID)
	err := h.server.Serve(ctx, h.localName, func(data []byte) {
		h.HandleWrite(data, onEnvelope)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: serve: %w", err)
	}
	return nil
}

// HandleWrite decodes one write to the write characteristic.
func (h *Host) HandleWrite(data []byte, onEnvelope func(protocol.Envelope)) {
	env, err := protocol.UnpackErr(data)
	if err != nil {
		slog.Debug("[BLE] dropping malformed write", "bytes", len(data), "error", err)
		return
	}
	onEnvelope(env)
}

// Send notifies subscribed centrals with the packed envelope.
func (h *Host) Send(env protocol.Envelope) error {
	wire, err := protocol.Pack(env)
	if err != nil {
		return &SendError{PeerID: env.To, Err: err}
	}
	if err := h.server.Notify(wire); err != nil {
		return &SendError{PeerID: env.To, Err: err}
	}
	return nil
}
