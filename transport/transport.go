// Package transport carries serialized sync batches between replicas.
// The core only needs broadcast bytes out, bytes in, and a readiness
// check; everything else (sockets, reconnects, fan-out) lives behind
// the Transport interface.
package transport

import "errors"

// Handler receives one raw batch payload. Handlers must not retain the
// slice past the call.
type Handler func(payload []byte)

type Transport interface {
	// Send broadcasts one payload to all other replicas.
	Send(payload []byte) error
	// Ready reports whether Send can currently reach the channel.
	// When false, batchers keep their pending changes and retry.
	Ready() bool
	// OnMessage installs the inbound handler. One handler per
	// transport; installing again replaces it.
	OnMessage(h Handler)
	Close() error
}

var (
	ErrNotReady  = errors.New("boardsync: transport is not ready")
	ErrClosed    = errors.New("boardsync: transport is closed")
	ErrDuplicate = errors.New("boardsync: address already in use by this transport")
)
