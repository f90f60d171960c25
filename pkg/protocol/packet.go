package protocol

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// Packet is the unit of exchange between mesh peers. Treat it as an
// immutable value once built; helpers return modified copies.
type Packet struct {
	Version        uint8
	Type           MessageType
	TTL            uint8
	Timestamp      uint64 // Unix milliseconds
	SenderID       PeerID
	RecipientID    PeerID // empty means broadcast
	Payload        []byte
	Signature      []byte // nil when unsigned
	PaymentRelated bool
}

// NewPacket builds a broadcast packet with the current protocol version and
// the maximum hop budget.
func NewPacket(msgType MessageType, sender PeerID, timestamp uint64, payload []byte) Packet {
	return Packet{
		Version:   Version,
		Type:      msgType,
		TTL:       MaxTTL,
		Timestamp: timestamp,
		SenderID:  sender,
		Payload:   payload,
	}
}

// HasRecipient reports whether the packet is addressed to a single peer.
func (p *Packet) HasRecipient() bool { return len(p.RecipientID) > 0 }

// HasSignature reports whether the packet carries a signature.
func (p *Packet) HasSignature() bool { return p.Signature != nil }

// IsBroadcast reports whether the packet has no recipient.
func (p *Packet) IsBroadcast() bool { return !p.HasRecipient() }

// flags returns the flags byte without the compression bit, which only
// Encode can decide.
func (p *Packet) flags() uint8 {
	var f uint8
	if p.HasRecipient() {
		f |= FlagHasRecipient
	}
	if p.HasSignature() {
		f |= FlagHasSignature
	}
	if p.PaymentRelated {
		f |= FlagPaymentRelated
	}
	return f
}

// DecrementTTL returns a copy of p with one hop less. It returns false when
// the packet has expired and must not be relayed again.
func DecrementTTL(p Packet) (Packet, bool) {
	if p.TTL == 0 {
		return Packet{}, false
	}
	p.TTL--
	return p, true
}

// ComputeMessageID derives the deduplication ID from
// senderID ++ timestamp(8 bytes BE) ++ payload[:32].
func ComputeMessageID(p *Packet) MessageID {
	prefix := p.Payload
	if len(prefix) > MessageIDPayloadPrefix {
		prefix = prefix[:MessageIDPayloadPrefix]
	}

	buf := make([]byte, 0, SenderIDSize+8+len(prefix))
	buf = append(buf, NewPeerID(p.SenderID.Bytes())...)
	buf = binary.BigEndian.AppendUint64(buf, p.Timestamp)
	buf = append(buf, prefix...)

	sum := blake2b.Sum256(buf)
	var id MessageID
	copy(id[:], sum[:len(id)])
	return id
}

// SigningBytes returns the canonical bytes covered by a packet signature:
// the encoding with TTL zeroed and the signature removed, so that relays
// decrementing the TTL do not invalidate it.
func SigningBytes(p *Packet) ([]byte, error) {
	unsigned := *p
	unsigned.TTL = 0
	unsigned.Signature = nil
	return Encode(&unsigned)
}

// CalculatePacketSize returns the encoded size of p, with or without
// attempting payload compression.
func CalculatePacketSize(p *Packet, compress bool) int {
	size := HeaderSize + SenderIDSize
	if p.HasRecipient() {
		size += RecipientIDSize
	}
	if p.HasSignature() {
		size += SignatureSize
	}

	if compress && len(p.Payload) <= MaxPayloadSize {
		if compressed, ok := Compress(p.Payload); ok {
			return size + len(compressed) + OriginalSizeFieldSize
		}
	}
	return size + len(p.Payload)
}
