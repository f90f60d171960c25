package mesh

import (
	"time"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
	"github.com/ZentaChain/zentalk-mesh/pkg/transport"
)

// EventKind identifies what an Event reports.
type EventKind int

const (
	EventPeerConnected EventKind = iota + 1
	EventPeerDisconnected
	EventMessageDelivered
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventPeerConnected:
		return "peer_connected"
	case EventPeerDisconnected:
		return "peer_disconnected"
	case EventMessageDelivered:
		return "message_delivered"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Delivery is an application payload handed up by the engine.
type Delivery struct {
	ID        protocol.MessageID   `json:"id"`
	Type      protocol.MessageType `json:"type"`
	From      protocol.PeerID      `json:"from"`
	Timestamp uint64               `json:"timestamp"`
	Payload   []byte               `json:"payload"`
	Private   bool                 `json:"private"`
	TTL       uint8                `json:"ttl"`
}

// Event is published on the engine's event channel. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind EventKind         `json:"kind"`
	Time time.Time         `json:"time"`
	Ref  transport.PeerRef `json:"ref,omitempty"`

	Peer      *Peer     `json:"peer,omitempty"`
	Message   *Delivery `json:"message,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Err       error     `json:"-"`
}

func (e *Engine) emit(ev Event) {
	ev.Time = e.clock.Now()
	select {
	case e.events <- ev:
	default:
		e.metrics.eventsDropped.Inc()
		e.logger.Debug("event channel full, dropping event")
	}
}

func (e *Engine) emitError(kind ErrorKind, ref transport.PeerRef, err error) {
	e.metrics.errors.WithLabelValues(string(kind)).Inc()
	e.emit(Event{
		Kind:      EventError,
		Ref:       ref,
		ErrorKind: kind,
		Err:       &PeerError{Kind: kind, Peer: string(ref), Err: err},
	})
}
