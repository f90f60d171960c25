// Package transport defines the link-layer capability the mesh engine drives
// and provides two implementations: an in-process network for tests and
// simulations, and a libp2p transport for real deployments.
package transport

import (
	"context"
	"errors"
)

var (
	ErrUnknownPeer   = errors.New("unknown peer")
	ErrNotConnected  = errors.New("peer not connected")
	ErrClosed        = errors.New("transport closed")
	ErrFrameTooLarge = errors.New("frame too large")
)

// MaxFrameSize bounds a single inbound frame.
const MaxFrameSize = 64 * 1024

// PeerRef is the transport-level address of a neighbour (a radio address, a
// libp2p peer ID). It is unrelated to the mesh PeerID.
type PeerRef string

// Conn is a live link to one neighbour.
type Conn interface {
	Peer() PeerRef
}

// Handler receives link events. Implementations must not assume a
// particular goroutine; transports may call them concurrently.
type Handler interface {
	// HandleData is called with every inbound frame.
	HandleData(from PeerRef, data []byte)
	// HandleDiscovered reports a reachable neighbour. signal is nil when the
	// transport has no signal-quality reading.
	HandleDiscovered(ref PeerRef, signal *int)
	// HandleDisconnected reports a link that went away.
	HandleDisconnected(ref PeerRef)
}

// Transport is the capability the mesh engine uses to reach neighbours.
type Transport interface {
	Advertise(ctx context.Context) error
	StartDiscovery(ctx context.Context) error
	StopDiscovery() error
	Connect(ctx context.Context, ref PeerRef) (Conn, error)
	Disconnect(ref PeerRef) error
	Write(ctx context.Context, conn Conn, data []byte) error
	SetHandler(h Handler)
}
