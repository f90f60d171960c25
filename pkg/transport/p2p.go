package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// ProtocolID is the libp2p stream protocol carrying mesh frames.
const ProtocolID = protocol.ID("/zentalk/mesh/1.0.0")

// DefaultServiceName is the mDNS service tag peers rendezvous on.
const DefaultServiceName = "zentalk-mesh"

// P2PConfig configures a libp2p transport.
type P2PConfig struct {
	ListenAddrs    []string
	BootstrapPeers []string
	EnableMDNS     bool
	ServiceName    string
	PrivateKey     crypto.PrivKey // optional; a fresh key is generated when nil
}

// P2PTransport carries mesh frames over libp2p streams. Each frame is a
// uint32 big-endian length followed by the bytes.
type P2PTransport struct {
	host      host.Host
	logger    *zap.Logger
	bootstrap []peer.AddrInfo
	config    P2PConfig

	mu          sync.RWMutex
	handler     Handler
	discovering bool
	mdns        mdns.Service
	closed      bool
}

var _ Transport = (*P2PTransport)(nil)

type p2pConn struct {
	id peer.ID
}

func (c p2pConn) Peer() PeerRef { return PeerRef(c.id.String()) }

// NewP2P creates a libp2p host listening on cfg.ListenAddrs.
func NewP2P(cfg P2PConfig, logger *zap.Logger) (*P2PTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}

	bootstrap := make([]peer.AddrInfo, 0, len(cfg.BootstrapPeers))
	for _, addr := range cfg.BootstrapPeers {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap address %q: %w", addr, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return nil, fmt.Errorf("bootstrap address %q has no peer id: %w", addr, err)
		}
		bootstrap = append(bootstrap, *info)
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	}
	if cfg.PrivateKey != nil {
		opts = append(opts, libp2p.Identity(cfg.PrivateKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	t := &P2PTransport{
		host:      h,
		logger:    logger.With(zap.String("component", "p2p"), zap.String("host", h.ID().String())),
		bootstrap: bootstrap,
		config:    cfg,
	}

	for _, info := range bootstrap {
		h.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
	}

	h.SetStreamHandler(ProtocolID, t.handleStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    t.onConnected,
		DisconnectedF: t.onDisconnected,
	})

	return t, nil
}

// ID returns the local libp2p peer reference.
func (t *P2PTransport) ID() PeerRef { return PeerRef(t.host.ID().String()) }

// Addrs returns the dialable /p2p addresses of this host.
func (t *P2PTransport) Addrs() []string {
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: t.host.ID(), Addrs: t.host.Addrs()})
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

func (t *P2PTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Advertise starts the mDNS responder when enabled. mDNS both announces and
// browses; found peers are only reported during discovery windows.
func (t *P2PTransport) Advertise(ctx context.Context) error {
	if !t.config.EnableMDNS {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.mdns != nil {
		return nil
	}

	svc := mdns.NewMdnsService(t.host, t.config.ServiceName, &mdnsNotifee{t: t})
	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start mdns: %w", err)
	}
	t.mdns = svc
	t.logger.Info("mDNS discovery enabled", zap.String("service", t.config.ServiceName))
	return nil
}

// StartDiscovery opens a discovery window and reports bootstrap peers that
// are not connected yet.
func (t *P2PTransport) StartDiscovery(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.discovering = true
	t.mu.Unlock()

	for _, info := range t.bootstrap {
		if t.host.Network().Connectedness(info.ID) == network.Connected {
			continue
		}
		t.notifyDiscovered(info.ID)
	}
	return nil
}

func (t *P2PTransport) StopDiscovery() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discovering = false
	return nil
}

func (t *P2PTransport) Connect(ctx context.Context, ref PeerRef) (Conn, error) {
	id, err := peer.Decode(string(ref))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownPeer, ref, err)
	}

	if t.host.Network().Connectedness(id) != network.Connected {
		info := t.host.Peerstore().PeerInfo(id)
		if err := t.host.Connect(ctx, info); err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", ref, err)
		}
	}
	return p2pConn{id: id}, nil
}

func (t *P2PTransport) Disconnect(ref PeerRef) error {
	id, err := peer.Decode(string(ref))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnknownPeer, ref, err)
	}
	return t.host.Network().ClosePeer(id)
}

// Write sends one frame on a fresh stream.
func (t *P2PTransport) Write(ctx context.Context, conn Conn, data []byte) error {
	c, ok := conn.(p2pConn)
	if !ok {
		return fmt.Errorf("%w: foreign connection handle", ErrNotConnected)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	stream, err := t.host.NewStream(ctx, c.id, ProtocolID)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(deadline)
	}
	if err := writeFrame(stream, data); err != nil {
		_ = stream.Reset()
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close stops discovery and shuts the host down.
func (t *P2PTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	svc := t.mdns
	t.mdns = nil
	t.mu.Unlock()

	if svc != nil {
		_ = svc.Close()
	}
	return t.host.Close()
}

func (t *P2PTransport) handleStream(stream network.Stream) {
	defer stream.Close()

	from := PeerRef(stream.Conn().RemotePeer().String())
	r := bufio.NewReader(stream)
	for {
		frame, err := readFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debug("dropping stream", zap.String("peer", string(from)), zap.Error(err))
				_ = stream.Reset()
			}
			return
		}
		if h := t.currentHandler(); h != nil {
			h.HandleData(from, frame)
		}
	}
}

func (t *P2PTransport) onConnected(_ network.Network, conn network.Conn) {
	id := conn.RemotePeer()
	if id == t.host.ID() {
		return
	}
	if h := t.currentHandler(); h != nil {
		go h.HandleDiscovered(PeerRef(id.String()), nil)
	}
}

func (t *P2PTransport) onDisconnected(n network.Network, conn network.Conn) {
	id := conn.RemotePeer()
	if n.Connectedness(id) == network.Connected {
		return
	}
	if h := t.currentHandler(); h != nil {
		go h.HandleDisconnected(PeerRef(id.String()))
	}
}

func (t *P2PTransport) notifyDiscovered(id peer.ID) {
	if h := t.currentHandler(); h != nil {
		h.HandleDiscovered(PeerRef(id.String()), nil)
	}
}

func (t *P2PTransport) currentHandler() Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handler
}

func (t *P2PTransport) isDiscovering() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.discovering
}

type mdnsNotifee struct {
	t *P2PTransport
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.t.host.ID() || !n.t.isDiscovering() {
		return
	}
	n.t.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)
	n.t.logger.Debug("mDNS peer found", zap.String("peer", info.ID.String()))
	n.t.notifyDiscovered(info.ID)
}

func writeFrame(w io.Writer, data []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}
