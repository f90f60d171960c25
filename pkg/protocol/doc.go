// Package protocol implements the mesh relay wire format.
//
// # Packet Layout
//
// Every packet starts with a 14-byte header, all integers big-endian:
//   - Version (1 byte): protocol version, currently 1
//   - Type (1 byte): message type
//   - TTL (1 byte): remaining hop budget, at most 7
//   - Timestamp (8 bytes): Unix milliseconds
//   - Flags (1 byte): recipient, signature, compressed, payment-related
//   - Payload length (2 bytes): size of the payload section
//
// followed by the variable sections:
//   - Sender ID (8 bytes, zero padded)
//   - Recipient ID (8 bytes, only with the recipient flag)
//   - Payload (compressed when the compressed flag is set)
//   - Original size (2 bytes, only with the compressed flag)
//   - Signature (64 bytes, only with the signature flag)
//
// # Compression
//
// Payloads of at least 128 bytes with low byte entropy are run-length
// encoded when that saves at least 10%. Compression is decided by Encode
// and undone by Decode; it never makes a packet larger.
//
// # Padding
//
// Pad and Unpad hide true payload length behind a block ladder. Padding is
// applied to the payload before a packet is built, so it travels through
// the codec untouched.
//
// # Usage Example
//
//	pkt := protocol.NewPacket(protocol.MsgTypeMessage, localID, protocol.NowUnixMilli(time.Now()), payload)
//	wire, err := protocol.Encode(&pkt)
//	...
//	decoded, err := protocol.Decode(wire)
//	if err == nil {
//	    err = decoded.Validate(time.Now())
//	}
package protocol
