package protocol

import "time"

// Validate enforces the semantic invariants of a packet. now is the local
// clock reading used for the future-timestamp check.
func (p *Packet) Validate(now time.Time) error {
	if p.Version != Version {
		return validationErr(ErrBadVersion, "got %d, want %d", p.Version, Version)
	}
	if p.TTL > MaxTTL {
		return validationErr(ErrBadTTL, "%d exceeds %d", p.TTL, MaxTTL)
	}
	if len(p.SenderID) == 0 || len(p.SenderID) > SenderIDSize {
		return validationErr(ErrBadSender, "length %d", len(p.SenderID))
	}
	if len(p.RecipientID) > RecipientIDSize {
		return validationErr(ErrBadRecipient, "length %d", len(p.RecipientID))
	}
	if len(p.Payload) > MaxPayloadSize {
		return validationErr(ErrPayloadTooLarge, "%d exceeds %d", len(p.Payload), MaxPayloadSize)
	}
	if p.HasSignature() && len(p.Signature) != SignatureSize {
		return validationErr(ErrBadSignature, "length %d", len(p.Signature))
	}

	limit := now.Add(MaxFutureSkew)
	if p.Timestamp > NowUnixMilli(limit) {
		return validationErr(ErrFutureTimestamp, "%d is after %d", p.Timestamp, NowUnixMilli(limit))
	}

	return nil
}

// IsValid reports whether Validate accepts the packet.
func (p *Packet) IsValid(now time.Time) bool {
	return p.Validate(now) == nil
}
