package mesh

import (
	"sort"
	"time"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
	"github.com/ZentaChain/zentalk-mesh/pkg/transport"
)

// PeerState is the lifecycle of one neighbour link.
type PeerState int

const (
	PeerDiscovered PeerState = iota
	PeerConnecting
	PeerConnected
	PeerDisconnected
)

func (s PeerState) String() string {
	switch s {
	case PeerDiscovered:
		return "discovered"
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

func (s PeerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Peer is a snapshot of one neighbour. ID is empty until the neighbour
// announces itself.
type Peer struct {
	Ref           transport.PeerRef `json:"ref"`
	ID            protocol.PeerID   `json:"id,omitempty"`
	SignalQuality *int              `json:"signal_quality,omitempty"`
	LastSeen      time.Time         `json:"last_seen"`
	ConnectedAt   time.Time         `json:"connected_at,omitempty"`
	State         PeerState         `json:"state"`

	conn transport.Conn
}

func (p *Peer) snapshot() Peer {
	s := *p
	if p.SignalQuality != nil {
		v := *p.SignalQuality
		s.SignalQuality = &v
	}
	s.conn = nil
	return s
}

// peerTable holds neighbours by transport reference. Not safe for
// concurrent use; the engine lock guards it.
type peerTable struct {
	peers map[transport.PeerRef]*Peer
}

func newPeerTable() *peerTable {
	return &peerTable{peers: make(map[transport.PeerRef]*Peer)}
}

func (t *peerTable) get(ref transport.PeerRef) *Peer { return t.peers[ref] }

// touch refreshes lastSeen, creating a Discovered entry for unknown refs.
func (t *peerTable) touch(ref transport.PeerRef, now time.Time) *Peer {
	p, ok := t.peers[ref]
	if !ok {
		p = &Peer{Ref: ref, State: PeerDiscovered}
		t.peers[ref] = p
	}
	p.LastSeen = now
	return p
}

func (t *peerTable) remove(ref transport.PeerRef) *Peer {
	p, ok := t.peers[ref]
	if !ok {
		return nil
	}
	delete(t.peers, ref)
	return p
}

func (t *peerTable) byID(id protocol.PeerID) *Peer {
	for _, p := range t.peers {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// occupied counts links that hold a connection slot.
func (t *peerTable) occupied() int {
	n := 0
	for _, p := range t.peers {
		if p.State == PeerConnected || p.State == PeerConnecting {
			n++
		}
	}
	return n
}

func (t *peerTable) connected() []*Peer {
	var out []*Peer
	for _, p := range t.peers {
		if p.State == PeerConnected {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out
}

func (t *peerTable) all() []*Peer {
	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out
}

func (t *peerTable) stale(now time.Time, threshold time.Duration) []*Peer {
	var out []*Peer
	for _, p := range t.peers {
		if now.Sub(p.LastSeen) > threshold {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out
}

// evictionOrder sorts connected peers weakest first: no signal reading
// ranks lowest, ties go to the least recently seen.
func evictionOrder(peers []*Peer) {
	sort.SliceStable(peers, func(i, j int) bool {
		a, b := peers[i], peers[j]
		switch {
		case a.SignalQuality == nil && b.SignalQuality != nil:
			return true
		case a.SignalQuality != nil && b.SignalQuality == nil:
			return false
		case a.SignalQuality != nil && *a.SignalQuality != *b.SignalQuality:
			return *a.SignalQuality < *b.SignalQuality
		}
		return a.LastSeen.Before(b.LastSeen)
	})
}
