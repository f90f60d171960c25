package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode serializes a Packet into its wire layout:
//
//	version(1) type(1) ttl(1) timestamp(8) flags(1) payloadLen(2)
//	sender(8) [recipient(8)] payload [originalSize(2)] [signature(64)]
//
// The payload is compressed when Compress deems it worthwhile; payloadLen
// then includes the trailing original-size field. Payloads above
// MaxPayloadSize are never compressed, since Decode rejects such an original
// size. Padding is not applied here: callers pad the payload before building
// the packet.
func Encode(p *Packet) ([]byte, error) {
	if !p.Type.Valid() {
		return nil, fmt.Errorf("encode: %w: 0x%02x", ErrUnknownType, uint8(p.Type))
	}
	if len(p.Payload) > math.MaxUint16 {
		return nil, fmt.Errorf("encode: %w: %d bytes", ErrPayloadTooLarge, len(p.Payload))
	}

	flags := p.flags()
	payload := p.Payload
	var originalSize int
	if len(p.Payload) <= MaxPayloadSize {
		if compressed, ok := Compress(p.Payload); ok {
			flags |= FlagIsCompressed
			originalSize = len(p.Payload)
			payload = compressed
		}
	}

	sectionLen := len(payload)
	if flags&FlagIsCompressed != 0 {
		sectionLen += OriginalSizeFieldSize
	}
	if sectionLen > math.MaxUint16 {
		return nil, fmt.Errorf("encode: %w: %d bytes", ErrPayloadTooLarge, sectionLen)
	}

	size := HeaderSize + SenderIDSize + sectionLen
	if p.HasRecipient() {
		size += RecipientIDSize
	}
	if p.HasSignature() {
		size += SignatureSize
	}

	buf := make([]byte, size)
	buf[0] = p.Version
	buf[1] = uint8(p.Type)
	buf[2] = p.TTL
	binary.BigEndian.PutUint64(buf[3:11], p.Timestamp)
	buf[11] = flags
	binary.BigEndian.PutUint16(buf[12:14], uint16(sectionLen))

	offset := HeaderSize
	copy(buf[offset:offset+SenderIDSize], p.SenderID)
	offset += SenderIDSize

	if p.HasRecipient() {
		copy(buf[offset:offset+RecipientIDSize], p.RecipientID)
		offset += RecipientIDSize
	}

	offset += copy(buf[offset:], payload)
	if flags&FlagIsCompressed != 0 {
		binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(originalSize))
		offset += OriginalSizeFieldSize
	}

	if p.HasSignature() {
		copy(buf[offset:offset+SignatureSize], p.Signature)
	}

	return buf, nil
}

// Decode parses wire bytes into a Packet. Structural problems are reported
// as *DecodeError; semantic checks are left to Validate.
func Decode(data []byte) (Packet, error) {
	if len(data) < HeaderSize {
		return Packet{}, decodeErr(ErrTooShort, "%d bytes, header needs %d", len(data), HeaderSize)
	}

	var p Packet
	p.Version = data[0]
	if p.Version != Version {
		return Packet{}, decodeErr(ErrVersionMismatch, "got %d, want %d", p.Version, Version)
	}

	p.Type = MessageType(data[1])
	if !p.Type.Valid() {
		return Packet{}, decodeErr(ErrUnknownType, "0x%02x", data[1])
	}

	p.TTL = data[2]
	p.Timestamp = binary.BigEndian.Uint64(data[3:11])
	flags := data[11] & flagsKnownMask
	sectionLen := int(binary.BigEndian.Uint16(data[12:14]))

	hasRecipient := flags&FlagHasRecipient != 0
	hasSignature := flags&FlagHasSignature != 0
	isCompressed := flags&FlagIsCompressed != 0
	p.PaymentRelated = flags&FlagPaymentRelated != 0

	expected := SenderIDSize + sectionLen
	if hasRecipient {
		expected += RecipientIDSize
	}
	if hasSignature {
		expected += SignatureSize
	}
	if remaining := len(data) - HeaderSize; remaining != expected {
		return Packet{}, decodeErr(ErrLengthMismatch, "expected %d bytes after header, got %d", expected, remaining)
	}

	offset := HeaderSize
	p.SenderID = NewPeerID(data[offset : offset+SenderIDSize])
	offset += SenderIDSize

	if hasRecipient {
		p.RecipientID = NewPeerID(data[offset : offset+RecipientIDSize])
		offset += RecipientIDSize
	}

	section := data[offset : offset+sectionLen]
	offset += sectionLen

	if isCompressed {
		if sectionLen < OriginalSizeFieldSize {
			return Packet{}, decodeErr(ErrLengthMismatch, "compressed section of %d bytes", sectionLen)
		}
		body := section[:sectionLen-OriginalSizeFieldSize]
		originalSize := int(binary.BigEndian.Uint16(section[sectionLen-OriginalSizeFieldSize:]))
		if originalSize > MaxPayloadSize {
			return Packet{}, decodeErr(ErrDecompression, "original size %d exceeds %d", originalSize, MaxPayloadSize)
		}
		payload := Decompress(body, originalSize)
		if len(payload) != originalSize {
			return Packet{}, decodeErr(ErrDecompression, "produced %d of %d bytes", len(payload), originalSize)
		}
		p.Payload = payload
	} else {
		p.Payload = make([]byte, sectionLen)
		copy(p.Payload, section)
	}

	if hasSignature {
		p.Signature = make([]byte, SignatureSize)
		copy(p.Signature, data[offset:offset+SignatureSize])
	}

	return p, nil
}
