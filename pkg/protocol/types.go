package protocol

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"
)

// Protocol constants
const (
	// Protocol version carried in the first byte of every packet
	Version uint8 = 1

	// Fixed header: version(1) + type(1) + ttl(1) + timestamp(8) + flags(1) + payload length(2)
	HeaderSize = 14

	SenderIDSize    = 8
	RecipientIDSize = 8
	SignatureSize   = 64

	// Hop budget ceiling
	MaxTTL uint8 = 7

	// Largest logical payload a single packet may carry
	MaxPayloadSize = 4096

	// Size of the trailing original-size field on compressed payloads
	OriginalSizeFieldSize = 2

	// Packets stamped further than this in the future are rejected
	MaxFutureSkew = 5 * time.Minute

	// Number of payload bytes that feed the message ID
	MessageIDPayloadPrefix = 32
)

// MessageType identifies the purpose of a packet.
type MessageType uint8

// Message types
const (
	MsgTypeAnnounce              MessageType = 0x01
	MsgTypeKeyExchange           MessageType = 0x02
	MsgTypeLeave                 MessageType = 0x03
	MsgTypeMessage               MessageType = 0x04
	MsgTypeFragmentStart         MessageType = 0x05
	MsgTypeFragmentContinue      MessageType = 0x06
	MsgTypeFragmentEnd           MessageType = 0x07
	MsgTypeChannelAnnounce       MessageType = 0x08
	MsgTypeChannelRetention      MessageType = 0x09
	MsgTypeDeliveryAck           MessageType = 0x0A
	MsgTypeDeliveryStatusRequest MessageType = 0x0B
	MsgTypeReadReceipt           MessageType = 0x0C
	MsgTypePaymentTx             MessageType = 0x0D
	MsgTypePaymentRequest        MessageType = 0x0E
	MsgTypeAgentResponse         MessageType = 0x0F
	MsgTypeCapabilityAnnounce    MessageType = 0x10
)

var messageTypeNames = map[MessageType]string{
	MsgTypeAnnounce:              "announce",
	MsgTypeKeyExchange:           "key_exchange",
	MsgTypeLeave:                 "leave",
	MsgTypeMessage:               "message",
	MsgTypeFragmentStart:         "fragment_start",
	MsgTypeFragmentContinue:      "fragment_continue",
	MsgTypeFragmentEnd:           "fragment_end",
	MsgTypeChannelAnnounce:       "channel_announce",
	MsgTypeChannelRetention:      "channel_retention",
	MsgTypeDeliveryAck:           "delivery_ack",
	MsgTypeDeliveryStatusRequest: "delivery_status_request",
	MsgTypeReadReceipt:           "read_receipt",
	MsgTypePaymentTx:             "payment_tx",
	MsgTypePaymentRequest:        "payment_request",
	MsgTypeAgentResponse:         "agent_response",
	MsgTypeCapabilityAnnounce:    "capability_announce",
}

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// IsFragment reports whether t carries a piece of a fragmented payload.
func (t MessageType) IsFragment() bool {
	return t == MsgTypeFragmentStart || t == MsgTypeFragmentContinue || t == MsgTypeFragmentEnd
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(t))
}

func (t MessageType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *MessageType) UnmarshalText(text []byte) error {
	parsed, err := ParseMessageType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseMessageType resolves a message type by its string name.
func ParseMessageType(name string) (MessageType, error) {
	for t, n := range messageTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown message type %q", name)
}

// Flags byte layout. Bits 4-7 are reserved.
const (
	FlagHasRecipient   uint8 = 0x01
	FlagHasSignature   uint8 = 0x02
	FlagIsCompressed   uint8 = 0x04
	FlagPaymentRelated uint8 = 0x08

	flagsKnownMask = FlagHasRecipient | FlagHasSignature | FlagIsCompressed | FlagPaymentRelated
)

// PeerID is a mesh peer identifier of at most 8 bytes. Trailing zero bytes
// are never part of an ID since the wire encoding zero-pads IDs.
type PeerID string

// NewPeerID builds a PeerID from raw bytes, truncating to 8 bytes and
// trimming trailing zeros.
func NewPeerID(b []byte) PeerID {
	if len(b) > SenderIDSize {
		b = b[:SenderIDSize]
	}
	return PeerID(bytes.TrimRight(b, "\x00"))
}

// ParsePeerID decodes a hex-encoded PeerID.
func ParsePeerID(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("invalid peer id %q: %w", s, err)
	}
	if len(b) > SenderIDSize {
		return "", fmt.Errorf("invalid peer id %q: longer than %d bytes", s, SenderIDSize)
	}
	return NewPeerID(b), nil
}

// Bytes returns the raw identifier bytes.
func (id PeerID) Bytes() []byte { return []byte(id) }

// IsZero reports whether the ID is empty.
func (id PeerID) IsZero() bool { return len(id) == 0 }

func (id PeerID) String() string { return hex.EncodeToString([]byte(id)) }

func (id PeerID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *PeerID) UnmarshalText(text []byte) error {
	parsed, err := ParsePeerID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// MessageID is the content-derived deduplication identifier of a packet.
// It is not a message authenticator.
type MessageID [16]byte

func (id MessageID) String() string { return hex.EncodeToString(id[:]) }

func (id MessageID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *MessageID) UnmarshalText(text []byte) error {
	parsed, err := ParseMessageID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseMessageID decodes a hex-encoded MessageID.
func ParseMessageID(s string) (MessageID, error) {
	var id MessageID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid message id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid message id %q: want %d bytes", s, len(id))
	}
	copy(id[:], b)
	return id, nil
}

// NowUnixMilli returns the given time as protocol timestamp milliseconds.
func NowUnixMilli(now time.Time) uint64 {
	return uint64(now.UnixMilli())
}
