package transport

import (
	"context"
	"fmt"
	"sync"
)

// Network is an in-process medium joining MemoryTransports. Each Network is
// independent, so parallel tests do not share state.
//
// Delivery is synchronous: Write returns after the receiving handler has
// processed the frame.
type Network struct {
	mu      sync.Mutex
	nodes   map[PeerRef]*MemoryTransport
	signals map[PeerRef]*int
}

// NewNetwork creates an empty medium.
func NewNetwork() *Network {
	return &Network{
		nodes:   make(map[PeerRef]*MemoryTransport),
		signals: make(map[PeerRef]*int),
	}
}

// Join attaches a new transport with the given address.
func (n *Network) Join(ref PeerRef) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	t := &MemoryTransport{
		ref:        ref,
		network:    n,
		links:      make(map[PeerRef]bool),
		failWrites: make(map[PeerRef]error),
		writes:     make(map[PeerRef]int),
	}
	n.nodes[ref] = t
	return t
}

// Leave detaches a transport; its neighbours see a disconnect.
func (n *Network) Leave(ref PeerRef) {
	n.mu.Lock()
	t, ok := n.nodes[ref]
	delete(n.nodes, ref)
	n.mu.Unlock()
	if !ok {
		return
	}

	for _, peer := range t.linkedPeers() {
		if other := n.node(peer); other != nil {
			other.dropLink(ref)
			other.notifyDisconnected(ref)
		}
	}
}

// SetSignal sets the signal quality reported when ref is discovered.
func (n *Network) SetSignal(ref PeerRef, signal int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signals[ref] = &signal
}

func (n *Network) node(ref PeerRef) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[ref]
}

func (n *Network) signal(ref PeerRef) *int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.signals[ref]; ok {
		v := *s
		return &v
	}
	return nil
}

func (n *Network) advertisers(except PeerRef) []PeerRef {
	n.mu.Lock()
	nodes := make([]*MemoryTransport, 0, len(n.nodes))
	for ref, t := range n.nodes {
		if ref != except {
			nodes = append(nodes, t)
		}
	}
	n.mu.Unlock()

	var refs []PeerRef
	for _, t := range nodes {
		if t.isAdvertising() {
			refs = append(refs, t.ref)
		}
	}
	return refs
}

func (n *Network) discoverers(except PeerRef) []*MemoryTransport {
	n.mu.Lock()
	nodes := make([]*MemoryTransport, 0, len(n.nodes))
	for ref, t := range n.nodes {
		if ref != except {
			nodes = append(nodes, t)
		}
	}
	n.mu.Unlock()

	var out []*MemoryTransport
	for _, t := range nodes {
		if t.isDiscovering() {
			out = append(out, t)
		}
	}
	return out
}

type memoryConn struct {
	peer PeerRef
}

func (c memoryConn) Peer() PeerRef { return c.peer }

// MemoryTransport is one node attached to a Network.
type MemoryTransport struct {
	ref     PeerRef
	network *Network

	mu              sync.Mutex
	handler         Handler
	advertising     bool
	discovering     bool
	discoveryStarts int
	links           map[PeerRef]bool
	failWrites      map[PeerRef]error
	writes          map[PeerRef]int
}

var _ Transport = (*MemoryTransport)(nil)

// Ref returns the transport's own address.
func (t *MemoryTransport) Ref() PeerRef { return t.ref }

func (t *MemoryTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Advertise makes this node visible to discovering neighbours.
func (t *MemoryTransport) Advertise(ctx context.Context) error {
	t.mu.Lock()
	t.advertising = true
	t.mu.Unlock()

	signal := t.network.signal(t.ref)
	for _, other := range t.network.discoverers(t.ref) {
		other.notifyDiscovered(t.ref, signal)
	}
	return nil
}

// StartDiscovery reports every advertising neighbour to the handler.
func (t *MemoryTransport) StartDiscovery(ctx context.Context) error {
	t.mu.Lock()
	t.discovering = true
	t.discoveryStarts++
	t.mu.Unlock()

	for _, ref := range t.network.advertisers(t.ref) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.notifyDiscovered(ref, t.network.signal(ref))
	}
	return nil
}

func (t *MemoryTransport) StopDiscovery() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discovering = false
	return nil
}

// Connect links this node with ref. The remote side learns about the new
// link through HandleDiscovered.
func (t *MemoryTransport) Connect(ctx context.Context, ref PeerRef) (Conn, error) {
	other := t.network.node(ref)
	if other == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, ref)
	}

	t.mu.Lock()
	existing := t.links[ref]
	t.links[ref] = true
	t.mu.Unlock()

	if !existing {
		other.mu.Lock()
		other.links[t.ref] = true
		other.mu.Unlock()
		other.notifyDiscovered(t.ref, t.network.signal(t.ref))
	}

	return memoryConn{peer: ref}, nil
}

// Disconnect drops the link to ref on both sides.
func (t *MemoryTransport) Disconnect(ref PeerRef) error {
	if !t.dropLink(ref) {
		return nil
	}
	if other := t.network.node(ref); other != nil {
		other.dropLink(t.ref)
		other.notifyDisconnected(t.ref)
	}
	return nil
}

// Write hands data to the neighbour's handler and returns once it is
// processed.
func (t *MemoryTransport) Write(ctx context.Context, conn Conn, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ref := conn.Peer()

	t.mu.Lock()
	linked := t.links[ref]
	failure := t.failWrites[ref]
	if linked && failure == nil {
		t.writes[ref]++
	}
	t.mu.Unlock()

	if !linked {
		return fmt.Errorf("%w: %s", ErrNotConnected, ref)
	}
	if failure != nil {
		return failure
	}

	other := t.network.node(ref)
	if other == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, ref)
	}

	frame := make([]byte, len(data))
	copy(frame, data)
	other.deliver(t.ref, frame)
	return nil
}

// FailWrites makes every Write to ref fail with err. A nil err clears it.
func (t *MemoryTransport) FailWrites(ref PeerRef, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.failWrites, ref)
		return
	}
	t.failWrites[ref] = err
}

// Writes returns the number of frames successfully written to ref.
func (t *MemoryTransport) Writes(ref PeerRef) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes[ref]
}

// DiscoveryStarts returns how many times StartDiscovery has been called.
func (t *MemoryTransport) DiscoveryStarts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.discoveryStarts
}

// Discovering reports whether a discovery window is open.
func (t *MemoryTransport) Discovering() bool { return t.isDiscovering() }

// Linked reports whether a link to ref exists.
func (t *MemoryTransport) Linked(ref PeerRef) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.links[ref]
}

func (t *MemoryTransport) isAdvertising() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.advertising
}

func (t *MemoryTransport) isDiscovering() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.discovering
}

func (t *MemoryTransport) linkedPeers() []PeerRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	refs := make([]PeerRef, 0, len(t.links))
	for ref := range t.links {
		refs = append(refs, ref)
	}
	return refs
}

func (t *MemoryTransport) dropLink(ref PeerRef) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.links[ref] {
		return false
	}
	delete(t.links, ref)
	return true
}

func (t *MemoryTransport) currentHandler() Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

func (t *MemoryTransport) deliver(from PeerRef, data []byte) {
	if h := t.currentHandler(); h != nil {
		h.HandleData(from, data)
	}
}

func (t *MemoryTransport) notifyDiscovered(ref PeerRef, signal *int) {
	if h := t.currentHandler(); h != nil {
		h.HandleDiscovered(ref, signal)
	}
}

func (t *MemoryTransport) notifyDisconnected(ref PeerRef) {
	if h := t.currentHandler(); h != nil {
		h.HandleDisconnected(ref)
	}
}
