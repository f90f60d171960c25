package mesh

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ZentaChain/zentalk-mesh/pkg/fragment"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
	"github.com/ZentaChain/zentalk-mesh/pkg/transport"
)

// Cover packets carry a padding-only payload of this many bytes.
const (
	minCoverPayload = 224
	maxCoverPayload = protocol.MaxPaddingLength
)

// target is a connected neighbour captured under the engine lock.
type target struct {
	ref  transport.PeerRef
	conn transport.Conn
}

// targetsLocked lists connected peers other than except. Callers hold e.mu.
func (e *Engine) targetsLocked(except transport.PeerRef) []target {
	var out []target
	for _, p := range e.peers.connected() {
		if p.Ref == except || p.conn == nil {
			continue
		}
		out = append(out, target{ref: p.Ref, conn: p.conn})
	}
	return out
}

// HandleData implements transport.Handler.
func (e *Engine) HandleData(from transport.PeerRef, data []byte) {
	if err := e.Receive(from, data); err != nil {
		e.logger.Debug("Dropped inbound packet", zap.String("from", string(from)), zap.Error(err))
	}
}

// HandleDiscovered implements transport.Handler. Discoveries outside the
// Active state are ignored.
func (e *Engine) HandleDiscovered(ref transport.PeerRef, signal *int) {
	if e.State() != StateActive {
		return
	}
	err := e.ConnectPeer(e.ioContext(), ref, signal)
	switch {
	case err == nil:
	case errors.Is(err, ErrConnectionLimit), errors.Is(err, ErrSignalTooWeak):
		e.logger.Debug("Discovered peer not admitted", zap.String("peer", string(ref)), zap.Error(err))
	default:
		e.logger.Warn("Failed to connect discovered peer", zap.String("peer", string(ref)), zap.Error(err))
	}
}

// HandleDisconnected implements transport.Handler.
func (e *Engine) HandleDisconnected(ref transport.PeerRef) {
	e.mu.Lock()
	p := e.peers.remove(ref)
	e.updateGauges()
	e.mu.Unlock()

	if p == nil || p.State != PeerConnected {
		return
	}
	snap := p.snapshot()
	snap.State = PeerDisconnected
	e.emit(Event{Kind: EventPeerDisconnected, Ref: ref, Peer: &snap})
	e.logger.Info("Peer disconnected", zap.String("peer", string(ref)))
}

// ConnectPeer admits and links a neighbour. It fails with ErrSignalTooWeak
// below the configured signal floor and with ErrConnectionLimit when the
// current battery mode has no free slot. Connecting an already linked peer
// only refreshes its signal reading.
func (e *Engine) ConnectPeer(ctx context.Context, ref transport.PeerRef, signal *int) error {
	now := e.clock.Now()

	e.mu.Lock()
	if err := e.readyLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	p := e.peers.touch(ref, now)
	if signal != nil {
		v := *signal
		p.SignalQuality = &v
	}
	if p.State == PeerConnected || p.State == PeerConnecting {
		e.mu.Unlock()
		return nil
	}
	if floor := e.cfg.MinSignalQuality; floor != nil && p.SignalQuality != nil && *p.SignalQuality < *floor {
		quality := *p.SignalQuality
		e.mu.Unlock()
		return fmt.Errorf("%w: %d < %d", ErrSignalTooWeak, quality, *floor)
	}
	if limit := e.mode.DutyCycle().MaxConnections; e.peers.occupied() >= limit {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrConnectionLimit, limit)
	}
	p.State = PeerConnecting
	e.mu.Unlock()

	conn, err := e.transport.Connect(ctx, ref)

	e.mu.Lock()
	p = e.peers.get(ref)
	if err != nil {
		if p != nil && p.State == PeerConnecting {
			p.State = PeerDiscovered
		}
		e.mu.Unlock()
		e.emitError(ErrorTransport, ref, err)
		return fmt.Errorf("failed to connect to %s: %w", ref, err)
	}
	if e.state == StateStopped {
		e.mu.Unlock()
		_ = e.transport.Disconnect(ref)
		return ErrStopped
	}
	if p == nil {
		p = e.peers.touch(ref, now)
	}
	p.State = PeerConnected
	p.conn = conn
	p.ConnectedAt = now
	p.LastSeen = now
	snap := p.snapshot()
	var backlog []CachedMessage
	if e.cfg.ReplayOnConnect && e.cache != nil {
		backlog = e.cache.list()
	}
	e.updateGauges()
	e.mu.Unlock()

	e.logger.Info("Peer connected", zap.String("peer", string(ref)), zap.Intp("signal", snap.SignalQuality))
	e.emit(Event{Kind: EventPeerConnected, Ref: ref, Peer: &snap})

	t := target{ref: ref, conn: conn}
	e.sendAnnounce(ctx, t)
	e.replay(ctx, t, backlog)
	return nil
}

// DisconnectPeer drops the link to ref and forgets it.
func (e *Engine) DisconnectPeer(ref transport.PeerRef) error {
	e.mu.Lock()
	if err := e.readyLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	p := e.peers.remove(ref)
	e.updateGauges()
	e.mu.Unlock()

	if p == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, ref)
	}
	err := e.transport.Disconnect(ref)
	if p.State == PeerConnected {
		snap := p.snapshot()
		snap.State = PeerDisconnected
		e.emit(Event{Kind: EventPeerDisconnected, Ref: ref, Peer: &snap})
	}
	if err != nil {
		return fmt.Errorf("failed to disconnect %s: %w", ref, err)
	}
	return nil
}

// Send originates a packet. The payload is padded, sealed when addressed to
// a peer and a sealer is configured, and fragmented when it no longer fits
// one packet. It returns the message ID of the (first) packet sent.
func (e *Engine) Send(ctx context.Context, msgType protocol.MessageType, payload []byte, recipient protocol.PeerID) (protocol.MessageID, error) {
	if err := e.checkReady(); err != nil {
		return protocol.MessageID{}, err
	}
	if len(payload) == 0 {
		return protocol.MessageID{}, ErrEmptyPayload
	}
	if !msgType.Valid() || msgType.IsFragment() {
		return protocol.MessageID{}, fmt.Errorf("%w: %s", protocol.ErrUnknownType, msgType)
	}
	if len(recipient) > protocol.RecipientIDSize {
		return protocol.MessageID{}, fmt.Errorf("%w: length %d", protocol.ErrBadRecipient, len(recipient))
	}
	recipient = protocol.NewPeerID(recipient.Bytes())

	body := padPayload(payload)
	if !recipient.IsZero() && e.sealer != nil {
		sealed, err := e.sealer.Seal(recipient, body)
		if err != nil {
			return protocol.MessageID{}, fmt.Errorf("failed to seal payload for %s: %w", recipient, err)
		}
		body = sealed
	}

	if len(body) > protocol.MaxPayloadSize {
		return e.sendFragmented(ctx, msgType, body, recipient)
	}

	pkt := protocol.NewPacket(msgType, e.localID, protocol.NowUnixMilli(e.clock.Now()), body)
	pkt.RecipientID = recipient
	pkt.PaymentRelated = msgType == protocol.MsgTypePaymentTx || msgType == protocol.MsgTypePaymentRequest
	return e.originate(ctx, pkt)
}

func (e *Engine) sendFragmented(ctx context.Context, msgType protocol.MessageType, body []byte, recipient protocol.PeerID) (protocol.MessageID, error) {
	frags, err := fragment.Split(body, msgType, e.cfg.FragmentShardSize)
	if err != nil {
		return protocol.MessageID{}, fmt.Errorf("failed to fragment payload: %w", err)
	}

	ts := protocol.NowUnixMilli(e.clock.Now())
	var first protocol.MessageID
	for i, f := range frags {
		pkt := protocol.NewPacket(f.Type, e.localID, ts, f.Payload)
		pkt.RecipientID = recipient
		id, err := e.originate(ctx, pkt)
		if err != nil {
			return first, fmt.Errorf("failed to send fragment %d/%d: %w", i+1, len(frags), err)
		}
		if i == 0 {
			first = id
		}
	}

	e.logger.Debug("Sent fragmented payload",
		zap.Stringer("type", msgType),
		zap.Int("size", len(body)),
		zap.Int("fragments", len(frags)))
	return first, nil
}

// originate signs, records and floods a locally built packet.
func (e *Engine) originate(ctx context.Context, pkt protocol.Packet) (protocol.MessageID, error) {
	if err := e.sign(&pkt); err != nil {
		return protocol.MessageID{}, err
	}
	data, err := protocol.Encode(&pkt)
	if err != nil {
		return protocol.MessageID{}, err
	}
	id := protocol.ComputeMessageID(&pkt)
	cacheable := pkt.Type == protocol.MsgTypeMessage

	e.mu.Lock()
	if err := e.readyLocked(); err != nil {
		e.mu.Unlock()
		return protocol.MessageID{}, err
	}
	e.dedup.insert(id)
	if cacheable {
		e.cache.put(id, pkt, e.clock.Now())
	}
	targets := e.targetsLocked("")
	e.updateGauges()
	e.mu.Unlock()

	if cacheable {
		e.archivePacket(id, &pkt)
	}
	e.counters.originated.Add(1)
	e.metrics.sent.WithLabelValues(pkt.Type.String()).Inc()

	if err := e.writeAll(ctx, targets, data); err != nil {
		e.logger.Debug("Fan-out incomplete", zap.Stringer("id", id), zap.Error(err))
	}
	return id, nil
}

func (e *Engine) sign(pkt *protocol.Packet) error {
	if e.signer == nil {
		return nil
	}
	pkt.Signature = nil
	data, err := protocol.SigningBytes(pkt)
	if err != nil {
		return err
	}
	sig, err := e.signer.Sign(data)
	if err != nil {
		return fmt.Errorf("failed to sign packet: %w", err)
	}
	pkt.Signature = sig
	return nil
}

// Receive admits one inbound frame from a neighbour: decode, validate,
// verify, deduplicate, dispatch locally and relay with one hop less.
// Duplicates and cover traffic return nil without side effects beyond
// refreshing the neighbour's lastSeen.
func (e *Engine) Receive(from transport.PeerRef, data []byte) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	now := e.clock.Now()

	pkt, err := protocol.Decode(data)
	if err != nil {
		e.drop("decode")
		e.emitError(ErrorDecode, from, err)
		return err
	}
	if err := pkt.Validate(now); err != nil {
		e.drop("invalid")
		e.emitError(ErrorValidation, from, err)
		e.logger.Warn("Rejected invalid packet", zap.String("from", string(from)), zap.Error(err))
		return err
	}

	if isCover(&pkt) {
		e.mu.Lock()
		if e.state != StateStopped {
			e.peers.touch(from, now)
		}
		e.mu.Unlock()
		e.metrics.coverReceived.Inc()
		return nil
	}

	if err := e.verify(&pkt); err != nil {
		e.drop("signature")
		e.emitError(ErrorSignature, from, err)
		return err
	}

	id := protocol.ComputeMessageID(&pkt)
	cacheable := pkt.Type == protocol.MsgTypeMessage

	e.mu.Lock()
	if err := e.readyLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.peers.touch(from, now)
	fresh := e.dedup.insert(id)
	if fresh && cacheable {
		e.cache.put(id, pkt, now)
	}
	e.updateGauges()
	e.mu.Unlock()

	if !fresh {
		e.drop("duplicate")
		return nil
	}
	e.counters.received.Add(1)
	e.metrics.received.WithLabelValues(pkt.Type.String()).Inc()
	if cacheable {
		e.archivePacket(id, &pkt)
	}

	e.dispatch(from, id, &pkt)

	if pkt.RecipientID == e.localID {
		return nil
	}
	if next, ok := protocol.DecrementTTL(pkt); ok {
		e.relay(from, next)
	}
	return nil
}

// isCover reports whether p is cover traffic: an unsigned broadcast Message
// with TTL 1 whose whole payload is valid padding. Send never originates an
// empty payload, so real messages never match.
func isCover(p *protocol.Packet) bool {
	return p.Type == protocol.MsgTypeMessage &&
		p.TTL == 1 &&
		!p.HasRecipient() &&
		!p.HasSignature() &&
		protocol.IsPaddingOnly(p.Payload)
}

func (e *Engine) drop(reason string) {
	e.counters.dropped.Add(1)
	e.metrics.dropped.WithLabelValues(reason).Inc()
}

func (e *Engine) verify(pkt *protocol.Packet) error {
	if e.verifier == nil {
		return nil
	}
	if !pkt.HasSignature() {
		if e.cfg.RequireSignatures {
			return ErrUnsigned
		}
		return nil
	}

	data, err := protocol.SigningBytes(pkt)
	if err != nil {
		return err
	}

	if !e.verifier.Known(pkt.SenderID) {
		switch {
		case pkt.Type == protocol.MsgTypeAnnounce && e.announcer != nil:
			// Announces carry the signing key they are signed with. The keys
			// are registered by dispatch once this check passes.
			if err := e.announcer.VerifyAnnounce(pkt.SenderID, pkt.Payload, data, pkt.Signature); err != nil {
				return fmt.Errorf("announce rejected: %w", err)
			}
			return nil
		case e.cfg.RequireSignatures:
			return fmt.Errorf("%w: %s", ErrUnknownSigner, pkt.SenderID)
		default:
			return nil
		}
	}
	return e.verifier.Verify(pkt.SenderID, data, pkt.Signature)
}

func (e *Engine) dispatch(from transport.PeerRef, id protocol.MessageID, pkt *protocol.Packet) {
	switch {
	case pkt.Type == protocol.MsgTypeAnnounce:
		e.handleAnnounce(from, pkt)
	case pkt.Type == protocol.MsgTypeLeave:
		e.handleLeave(from, pkt)
	case pkt.Type.IsFragment():
		e.handleFragment(from, id, pkt)
	default:
		e.deliver(from, id, pkt.Type, pkt, pkt.Payload)
	}
}

// handleAnnounce feeds the announce handler and, for announces received
// directly from the neighbour (TTL 0), binds its PeerID to the link.
func (e *Engine) handleAnnounce(from transport.PeerRef, pkt *protocol.Packet) {
	if e.announcer != nil {
		if err := e.announcer.HandleAnnounce(pkt.SenderID, pkt.Payload); err != nil {
			e.emitError(ErrorAnnounce, from, err)
			return
		}
	}
	if pkt.TTL != 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.peers.get(from)
	if p == nil {
		return
	}
	if other := e.peers.byID(pkt.SenderID); other != nil && other != p {
		other.ID = ""
	}
	p.ID = pkt.SenderID
}

// handleLeave forgets a neighbour that announced its departure.
func (e *Engine) handleLeave(from transport.PeerRef, pkt *protocol.Packet) {
	if pkt.TTL != 0 {
		return
	}

	e.mu.Lock()
	p := e.peers.get(from)
	if p == nil || (p.ID != "" && p.ID != pkt.SenderID) {
		e.mu.Unlock()
		return
	}
	e.peers.remove(from)
	e.updateGauges()
	e.mu.Unlock()

	if p.State == PeerConnected {
		snap := p.snapshot()
		snap.State = PeerDisconnected
		e.emit(Event{Kind: EventPeerDisconnected, Ref: from, Peer: &snap})
	}
	e.logger.Info("Peer left", zap.String("peer", string(from)), zap.Stringer("id", pkt.SenderID))
}

func (e *Engine) handleFragment(from transport.PeerRef, id protocol.MessageID, pkt *protocol.Packet) {
	if pkt.HasRecipient() && pkt.RecipientID != e.localID {
		return
	}
	r, err := e.reassembler.Add(pkt.SenderID, pkt.Payload)
	if err != nil {
		e.emitError(ErrorFragment, from, err)
		return
	}
	if r == nil {
		return
	}
	e.deliver(from, id, r.Type, pkt, r.Payload)
}

// deliver hands a payload to the application unless it is addressed to
// another peer.
func (e *Engine) deliver(from transport.PeerRef, id protocol.MessageID, msgType protocol.MessageType, pkt *protocol.Packet, body []byte) {
	if pkt.HasRecipient() && pkt.RecipientID != e.localID {
		return
	}

	private := false
	if pkt.RecipientID == e.localID && e.sealer != nil {
		plain, err := e.sealer.Open(pkt.SenderID, body)
		if err != nil {
			e.emitError(ErrorDecrypt, from, err)
			return
		}
		body = plain
		private = true
	}

	payload := protocol.Unpad(body)
	if len(payload) == 0 {
		return
	}

	e.counters.delivered.Add(1)
	e.metrics.delivered.Inc()
	e.emit(Event{
		Kind: EventMessageDelivered,
		Ref:  from,
		Message: &Delivery{
			ID:        id,
			Type:      msgType,
			From:      pkt.SenderID,
			Timestamp: pkt.Timestamp,
			Payload:   payload,
			Private:   private,
			TTL:       pkt.TTL,
		},
	})
}

// relay floods pkt to every connected neighbour except the one it came from.
func (e *Engine) relay(from transport.PeerRef, pkt protocol.Packet) {
	data, err := protocol.Encode(&pkt)
	if err != nil {
		e.logger.Warn("Failed to re-encode packet for relay", zap.Error(err))
		return
	}

	e.mu.Lock()
	targets := e.targetsLocked(from)
	e.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	e.counters.relayed.Add(1)
	e.metrics.relayed.Inc()
	if err := e.writeAll(e.ioContext(), targets, data); err != nil {
		e.logger.Debug("Relay fan-out incomplete", zap.Error(err))
	}
}

// writeAll sends data to every target concurrently and waits for all of
// them. Per-peer failures are reported as events and combined in the
// returned error; they never cut the fan-out short.
func (e *Engine) writeAll(ctx context.Context, targets []target, data []byte) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	for _, t := range targets {
		g.Go(func() error {
			if err := e.writeTo(ctx, t, data); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (e *Engine) writeTo(ctx context.Context, t target, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
	defer cancel()

	if err := e.transport.Write(wctx, t.conn, data); err != nil {
		e.emitError(ErrorTransport, t.ref, err)
		return &PeerError{Kind: ErrorTransport, Peer: string(t.ref), Err: err}
	}
	return nil
}

// sendAnnounce introduces this node to a new neighbour. Announces are
// link-local and sent with TTL 0.
func (e *Engine) sendAnnounce(ctx context.Context, t target) {
	if len(e.announcement) == 0 {
		return
	}
	pkt := protocol.NewPacket(protocol.MsgTypeAnnounce, e.localID, protocol.NowUnixMilli(e.clock.Now()), e.announcement)
	pkt.TTL = 0
	data, err := e.encodeSigned(&pkt)
	if err != nil {
		e.logger.Warn("Failed to build announce", zap.Error(err))
		return
	}
	_ = e.writeTo(ctx, t, data)
}

// broadcastLeave tells every neighbour this node is going away.
func (e *Engine) broadcastLeave(targets []target) {
	if len(targets) == 0 {
		return
	}
	pkt := protocol.NewPacket(protocol.MsgTypeLeave, e.localID, protocol.NowUnixMilli(e.clock.Now()), nil)
	pkt.TTL = 0
	data, err := e.encodeSigned(&pkt)
	if err != nil {
		e.logger.Warn("Failed to build leave", zap.Error(err))
		return
	}
	_ = e.writeAll(context.Background(), targets, data)
}

func (e *Engine) encodeSigned(pkt *protocol.Packet) ([]byte, error) {
	if err := e.sign(pkt); err != nil {
		return nil, err
	}
	return protocol.Encode(pkt)
}

// replay offers cached packets to a newly connected neighbour, stopping at
// the first write failure.
func (e *Engine) replay(ctx context.Context, t target, backlog []CachedMessage) {
	sent := 0
	for _, m := range backlog {
		pkt, ok := protocol.DecrementTTL(m.Packet)
		if !ok {
			continue
		}
		data, err := protocol.Encode(&pkt)
		if err != nil {
			continue
		}
		if err := e.writeTo(ctx, t, data); err != nil {
			break
		}
		sent++
		e.metrics.replayed.Inc()
	}
	if sent > 0 {
		e.logger.Debug("Replayed cached messages", zap.String("peer", string(t.ref)), zap.Int("count", sent))
	}
}

func (e *Engine) archivePacket(id protocol.MessageID, pkt *protocol.Packet) {
	if e.archive == nil {
		return
	}
	if err := e.archive.Store(id, pkt); err != nil {
		e.emitError(ErrorArchive, "", err)
		e.logger.Warn("Failed to archive packet", zap.Stringer("id", id), zap.Error(err))
	}
}

// EmitCoverTraffic sends one cover packet to every connected neighbour: a
// broadcast Message from a throwaway sender with TTL 1 whose payload is
// pure padding. It is a no-op without neighbours.
func (e *Engine) EmitCoverTraffic(ctx context.Context) error {
	e.mu.Lock()
	if err := e.readyLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	targets := e.targetsLocked("")
	e.mu.Unlock()
	if len(targets) == 0 {
		return nil
	}

	sender, err := ephemeralPeerID()
	if err != nil {
		return err
	}
	size, err := randomInt(minCoverPayload, maxCoverPayload)
	if err != nil {
		return err
	}

	pkt := protocol.NewPacket(protocol.MsgTypeMessage, sender, protocol.NowUnixMilli(e.clock.Now()), protocol.Pad(nil, size))
	pkt.TTL = 1
	data, err := protocol.Encode(&pkt)
	if err != nil {
		return err
	}

	e.counters.coverSent.Add(1)
	e.metrics.coverSent.Inc()
	return e.writeAll(ctx, targets, data)
}

// padPayload pads to the next block boundary when the padding fits the
// one-byte marker, otherwise appends a small random amount.
func padPayload(payload []byte) []byte {
	block := protocol.OptimalBlockSize(len(payload))
	if extra := block - len(payload); extra >= 1 && extra <= protocol.MaxPaddingLength {
		return protocol.Pad(payload, block)
	}
	return protocol.AddPrivacyPadding(payload, MinPrivacyPadding, MaxPrivacyPadding)
}

func ephemeralPeerID() (protocol.PeerID, error) {
	b := make([]byte, protocol.SenderIDSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate cover sender: %w", err)
	}
	b[len(b)-1] |= 0x01
	return protocol.NewPeerID(b), nil
}

// randomInt returns a uniform integer in [lo, hi].
func randomInt(lo, hi int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(hi-lo+1)))
	if err != nil {
		return 0, err
	}
	return lo + int(n.Int64()), nil
}
